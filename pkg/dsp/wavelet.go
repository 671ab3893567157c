// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import "math"

// db4 decomposition low-pass filter (8 taps). The high-pass filter is the
// quadrature mirror: g[k] = (-1)^k h[L-1-k].
var db4Lo = []float64{
	-0.010597401784997278,
	0.032883011666982945,
	0.030841381835986965,
	-0.18703481171888114,
	-0.02798376941698385,
	0.6308807679295904,
	0.7148465705525415,
	0.23037781330885523,
}

var db4Hi = qmf(db4Lo)

func qmf(h []float64) []float64 {
	g := make([]float64, len(h))
	for k := range h {
		g[k] = h[len(h)-1-k]
		if k%2 == 1 {
			g[k] = -g[k]
		}
	}
	return g
}

// WaveletLevel is the energy and entropy of one decomposition level.
type WaveletLevel struct {
	// Energy is the sum of squared detail coefficients.
	Energy float64
	// Entropy is the Shannon entropy, in bits, of the normalized squared
	// coefficient distribution within the level.
	Entropy float64
}

// WaveletFeatures decomposes x with db4 to the requested number of levels
// (periodic extension) and returns per-level detail energy and entropy.
// Levels past the point where the approximation shrinks below the filter
// length are returned as zeros.
func WaveletFeatures(x []float64, levels int) []WaveletLevel {
	out := make([]WaveletLevel, levels)
	approx := append([]float64(nil), x...)
	for lvl := 0; lvl < levels; lvl++ {
		if len(approx) < len(db4Lo) {
			break
		}
		detail := convolveDown(approx, db4Hi)
		approx = convolveDown(approx, db4Lo)

		energy := 0.0
		for _, d := range detail {
			energy += d * d
		}
		out[lvl].Energy = energy
		if energy > 0 {
			for _, d := range detail {
				p := d * d / energy
				if p > 0 {
					out[lvl].Entropy -= p * math.Log2(p)
				}
			}
		}
	}
	return out
}

// convolveDown convolves with periodic extension and downsamples by two.
func convolveDown(x, h []float64) []float64 {
	n := len(x)
	out := make([]float64, n/2)
	for i := range out {
		acc := 0.0
		base := 2*i + 1
		for k, hk := range h {
			idx := base - k
			idx %= n
			if idx < 0 {
				idx += n
			}
			acc += hk * x[idx]
		}
		out[i] = acc
	}
	return out
}
