// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"github.com/neurascale/neural-engine/pkg/types"
)

// waveletLevels is the db4 decomposition depth.
const waveletLevels = 5

// defaultCoherenceBand is where coherence is averaged unless a caller
// specifies otherwise.
var defaultCoherenceBand = Band{Name: "alpha", Low: 8, High: 12}

// WindowFeatures computes the per-channel and cross-channel feature set of
// one window. The feature families are selected by data type: spike features
// only for spike streams, wavelet/spectral sets for continuous signals.
func WindowFeatures(samples [][]float32, fs float64, dataType types.DataType) ([]types.ChannelFeatures, *types.CrossChannelFeatures) {
	channels := make([][]float64, len(samples))
	for i, row := range samples {
		channels[i] = toFloat64(row)
	}

	perChannel := make([]types.ChannelFeatures, len(channels))
	for i, x := range channels {
		cf := types.ChannelFeatures{ChannelID: i}

		t := Temporal(x)
		cf.Temporal = map[string]float64{
			"mean":              t.Mean,
			"std":               t.Std,
			"skewness":          t.Skewness,
			"kurtosis":          t.Kurtosis,
			"hjorth_activity":   t.HjorthActivity,
			"hjorth_mobility":   t.HjorthMobility,
			"hjorth_complexity": t.HjorthComplexity,
			"zero_crossing_rate": t.ZeroCrossingRate,
			"line_length":        t.LineLength,
		}

		if dataType == types.DataTypeSpikes {
			s := Spikes(x, fs)
			cf.Spike = map[string]float64{
				"rate":           s.Rate,
				"mean_amplitude": s.MeanAmplitude,
				"isi_cv":         s.ISICoefVar,
				"count":          float64(s.Count),
			}
		} else {
			sp := Spectral(x, fs)
			cf.Spectral = map[string]float64{
				"entropy":        sp.Entropy,
				"peak_frequency": sp.PeakFrequency,
				"sef95":          sp.EdgeFrequency95,
				"total_power":    sp.TotalPower,
			}
			for name, p := range sp.BandPowers {
				cf.Spectral["bp_"+name] = p
			}

			cf.Wavelet = make(map[string]float64, 2*waveletLevels)
			for lvl, w := range WaveletFeatures(x, waveletLevels) {
				cf.Wavelet[waveletKey("energy", lvl)] = w.Energy
				cf.Wavelet[waveletKey("entropy", lvl)] = w.Entropy
			}
		}
		perChannel[i] = cf
	}

	var cross *types.CrossChannelFeatures
	if len(channels) >= 2 {
		c := Connectivity(channels, fs, defaultCoherenceBand)
		cross = &types.CrossChannelFeatures{
			MeanAbsCorrelation: c.MeanAbsCorrelation,
			MaxAbsCorrelation:  c.MaxAbsCorrelation,
			Coherence:          c.Coherence,
			PLV:                c.PLV,
			PLI:                c.PLI,
			NetworkDensity:     c.NetworkDensity,
		}
	}
	return perChannel, cross
}

func waveletKey(kind string, lvl int) string {
	return "d" + string(rune('1'+lvl)) + "_" + kind
}
