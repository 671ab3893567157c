// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/neurascale/neural-engine/pkg/types"
)

// QualityWeights combines the three quality components into one score.
type QualityWeights struct {
	SNR       float64
	LineNoise float64
	Artifacts float64
}

// DefaultQualityWeights per the clinical signal review defaults.
var DefaultQualityWeights = QualityWeights{SNR: 0.5, LineNoise: 0.3, Artifacts: 0.2}

// Quality level thresholds on the combined score.
const (
	qualityExcellentMin = 0.85
	qualityGoodMin      = 0.70
	qualityFairMin      = 0.50
	qualityPoorMin      = 0.30

	// fairCap is the ceiling applied when any artifact flag is raised.
	fairCap = qualityGoodMin - 1e-9

	// flatlineStdUv: channels quieter than this are considered detached.
	flatlineStdUv = 0.1
	// clipFraction of samples at the extremes flags amplifier saturation.
	clipFraction = 0.01
)

// LevelFromScore maps a combined [0,1] score to a quality level.
func LevelFromScore(score float64) types.QualityLevel {
	switch {
	case score >= qualityExcellentMin:
		return types.QualityExcellent
	case score >= qualityGoodMin:
		return types.QualityGood
	case score >= qualityFairMin:
		return types.QualityFair
	case score >= qualityPoorMin:
		return types.QualityPoor
	default:
		return types.QualityBad
	}
}

// SNR estimates the signal-to-noise ratio in decibels as the power in the
// physiological band (0.5-40 Hz) over the power above it.
func SNR(psd *PSD, fs float64) float64 {
	signal := psd.BandPower(0.5, 40)
	noise := psd.BandPower(40, fs/2)
	if noise <= 0 {
		if signal <= 0 {
			return 0
		}
		return 60 // effectively noise free at this resolution
	}
	return 10 * math.Log10(signal/noise)
}

// LineNoiseRatio returns the fraction of total power within +-1 Hz of the
// 50 Hz and 60 Hz mains frequencies.
func LineNoiseRatio(psd *PSD) float64 {
	total := psd.TotalPower()
	if total <= 0 {
		return 0
	}
	line := psd.BandPower(49, 51) + psd.BandPower(59, 61)
	return line / total
}

// DetectArtifacts applies the per-channel artifact heuristics.
func DetectArtifacts(x []float64, fs float64, psd *PSD) types.ArtifactFlags {
	var flags types.ArtifactFlags
	if len(x) == 0 {
		flags.Flatline = true
		return flags
	}

	sd := stat.StdDev(x, nil)
	if math.IsNaN(sd) || sd < flatlineStdUv {
		flags.Flatline = true
	}

	maxAbs := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs > 0 {
		// True saturation produces plateaus at the rail; count only
		// samples inside runs of three or more.
		atRail := 0
		run := 0
		for _, v := range x {
			if math.Abs(v) >= 0.999*maxAbs {
				run++
				if run == 3 {
					atRail += 3
				} else if run > 3 {
					atRail++
				}
			} else {
				run = 0
			}
		}
		if float64(atRail) >= clipFraction*float64(len(x)) && atRail >= 4 {
			flags.Clip = true
		}
	}

	total := psd.TotalPower()
	if total > 0 {
		// Ocular artifacts ride in the low delta range with large
		// amplitude; muscle contamination lifts the high-gamma floor.
		if psd.BandPower(0.5, 4)/total > 0.6 && sd > 50 {
			flags.Eye = true
		}
		if psd.BandPower(30, math.Min(200, fs/2))/total > 0.5 {
			flags.Muscle = true
		}
	}

	// Cardiac contamination shows as a periodicity near 1 Hz in the
	// low-passed autocorrelation.
	if fs >= 4 && len(x) > int(2*fs) {
		if hasCardiacPeriodicity(x, fs) {
			flags.Heart = true
		}
	}
	return flags
}

func hasCardiacPeriodicity(x []float64, fs float64) bool {
	minLag := int(0.6 * fs)
	maxLag := int(1.2 * fs)
	if maxLag >= len(x) || minLag < 1 {
		return false
	}
	v := variance(x)
	if v == 0 {
		return false
	}
	m := stat.Mean(x, nil)
	best := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		acc := 0.0
		for i := lag; i < len(x); i++ {
			acc += (x[i] - m) * (x[i-lag] - m)
		}
		r := acc / (float64(len(x)-lag) * v)
		if r > best {
			best = r
		}
	}
	return best > 0.7
}

// ChannelQuality scores one channel window against the configured weights.
func ChannelQualityScore(x []float64, fs float64, weights QualityWeights) types.ChannelQuality {
	psd := Welch(x, fs)
	snr := SNR(psd, fs)
	line := LineNoiseRatio(psd)
	flags := DetectArtifacts(x, fs, psd)

	// 0 dB maps to 0, 20 dB and above to 1.
	snrScore := clamp01(snr / 20)
	lineScore := clamp01(1 - 5*line)
	artifactScore := 1.0
	if flags.Any() {
		artifactScore = 0
	}

	score := weights.SNR*snrScore + weights.LineNoise*lineScore + weights.Artifacts*artifactScore
	if flags.Any() && score > fairCap {
		score = fairCap
	}

	return types.ChannelQuality{
		SNRdB:          snr,
		LineNoiseRatio: line,
		Artifacts:      flags,
		Score:          score,
		Level:          LevelFromScore(score),
	}
}

// Quality builds the full report for a chunk's sample matrix.
func Quality(samples [][]float32, fs float64, weights QualityWeights) *types.QualityReport {
	report := &types.QualityReport{
		Channels: make([]types.ChannelQuality, len(samples)),
	}
	if len(samples) == 0 {
		return report
	}
	total := 0.0
	for i, row := range samples {
		cq := ChannelQualityScore(toFloat64(row), fs, weights)
		cq.ChannelID = i
		report.Channels[i] = cq
		total += cq.Score
	}
	report.Overall = total / float64(len(samples))
	return report
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
