// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Spike detection constants.
const (
	spikeBandLowHz    = 300
	spikeBandHighHz   = 5000
	spikeThresholdSig = 4
	spikeRefractory   = time1ms
	time1ms           = 1e-3
)

// SpikeFeatures summarizes threshold-crossing activity on one channel.
type SpikeFeatures struct {
	// Rate is spikes per second.
	Rate float64
	// MeanAmplitude is the mean absolute peak amplitude in microvolts.
	MeanAmplitude float64
	// ISICoefVar is the coefficient of variation of inter-spike intervals;
	// zero when fewer than three spikes were seen.
	ISICoefVar float64
	Count      int
}

// DetectSpikes band-passes to the spike band, thresholds at 4 sigma of the
// filtered trace and enforces a 1 ms refractory period. Returned indices are
// the threshold-crossing samples.
func DetectSpikes(x []float64, fs float64) ([]int, []float64) {
	if len(x) == 0 || fs <= 0 {
		return nil, nil
	}
	high := math.Min(spikeBandHighHz, fs/2)
	filtered := bandpassFFT(x, fs, spikeBandLowHz, high)

	sigma := stat.StdDev(filtered, nil)
	if sigma == 0 || math.IsNaN(sigma) {
		return nil, nil
	}
	threshold := spikeThresholdSig * sigma
	refractorySamples := int(fs * spikeRefractory)
	if refractorySamples < 1 {
		refractorySamples = 1
	}

	var idx []int
	var amps []float64
	last := -refractorySamples - 1
	for i, v := range filtered {
		if math.Abs(v) < threshold {
			continue
		}
		if i-last <= refractorySamples {
			continue
		}
		idx = append(idx, i)
		amps = append(amps, math.Abs(v))
		last = i
	}
	return idx, amps
}

// Spikes computes the per-channel spike feature set.
func Spikes(x []float64, fs float64) SpikeFeatures {
	idx, amps := DetectSpikes(x, fs)
	f := SpikeFeatures{Count: len(idx)}
	if len(x) == 0 || fs <= 0 {
		return f
	}
	duration := float64(len(x)) / fs
	f.Rate = float64(len(idx)) / duration

	if len(amps) > 0 {
		f.MeanAmplitude = stat.Mean(amps, nil)
	}
	if len(idx) >= 3 {
		isi := make([]float64, len(idx)-1)
		for i := 1; i < len(idx); i++ {
			isi[i-1] = float64(idx[i]-idx[i-1]) / fs
		}
		m := stat.Mean(isi, nil)
		if m > 0 {
			f.ISICoefVar = stat.StdDev(isi, nil) / m
		}
	}
	return f
}
