// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package dsp is the pure-function signal library shared by the ingestion
// quality pass, the windowed feature pipeline and device quality probes.
// All computation is float64; amplitudes are microvolts, power densities
// microvolts squared per hertz, entropies bits.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TemporalFeatures holds the time-domain descriptors of one channel window.
type TemporalFeatures struct {
	Mean             float64
	Std              float64
	Skewness         float64
	Kurtosis         float64
	HjorthActivity   float64
	HjorthMobility   float64
	HjorthComplexity float64
	ZeroCrossingRate float64
	LineLength       float64
}

// Temporal computes the time-domain feature set for one channel.
func Temporal(x []float64) TemporalFeatures {
	if len(x) == 0 {
		return TemporalFeatures{}
	}
	f := TemporalFeatures{
		Mean: stat.Mean(x, nil),
	}
	if len(x) < 2 {
		return f
	}
	f.Std = stat.StdDev(x, nil)
	f.Skewness = stat.Skew(x, nil)
	f.Kurtosis = stat.ExKurtosis(x, nil)

	f.HjorthActivity = variance(x)
	dx := diff(x)
	ddx := diff(dx)
	varD := variance(dx)
	varDD := variance(ddx)
	if f.HjorthActivity > 0 {
		f.HjorthMobility = math.Sqrt(varD / f.HjorthActivity)
	}
	if varD > 0 && f.HjorthMobility > 0 {
		f.HjorthComplexity = math.Sqrt(varDD/varD) / f.HjorthMobility
	}

	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	f.ZeroCrossingRate = float64(crossings) / float64(len(x)-1)

	ll := 0.0
	for _, d := range dx {
		ll += math.Abs(d)
	}
	f.LineLength = ll

	return f
}

// variance is the population variance; Hjorth activity is defined on it.
func variance(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	m := stat.Mean(x, nil)
	s := 0.0
	for _, v := range x {
		d := v - m
		s += d * d
	}
	return s / float64(len(x))
}

func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	d := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		d[i-1] = x[i] - x[i-1]
	}
	return d
}

// toFloat64 widens a float32 channel row for feature computation.
func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
