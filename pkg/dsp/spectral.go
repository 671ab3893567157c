// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Band is a frequency interval in hertz, inclusive of Low, exclusive of High.
type Band struct {
	Name string
	Low  float64
	High float64
}

// CanonicalBands are the clinical EEG bands used for band-power features.
var CanonicalBands = []Band{
	{"delta", 0.5, 4},
	{"theta", 4, 8},
	{"alpha", 8, 12},
	{"beta", 12, 30},
	{"gamma", 30, 100},
	{"high_gamma", 100, 200},
}

// PSD is a one-sided power spectral density in microvolts squared per hertz.
type PSD struct {
	Freqs []float64
	Pxx   []float64
	// df is the bin width in hertz.
	df float64
}

// TotalPower integrates the PSD over all bins.
func (p *PSD) TotalPower() float64 {
	total := 0.0
	for _, v := range p.Pxx {
		total += v
	}
	return total * p.df
}

// BandPower integrates the PSD over [low, high) hertz.
func (p *PSD) BandPower(low, high float64) float64 {
	total := 0.0
	for i, f := range p.Freqs {
		if f >= low && f < high {
			total += p.Pxx[i]
		}
	}
	return total * p.df
}

// Welch estimates the PSD with Welch's method: Hann-windowed segments of
// length min(n, 256) with 50% overlap, periodogram averaging.
func Welch(x []float64, fs float64) *PSD {
	n := len(x)
	if n == 0 || fs <= 0 {
		return &PSD{df: 1}
	}
	nperseg := n
	if nperseg > 256 {
		nperseg = 256
	}
	step := nperseg / 2
	if step == 0 {
		step = 1
	}

	win := hannWindow(nperseg)
	u := 0.0 // window power for density normalization
	for _, w := range win {
		u += w * w
	}

	fft := fourier.NewFFT(nperseg)
	nbins := nperseg/2 + 1
	acc := make([]float64, nbins)
	segments := 0

	seg := make([]float64, nperseg)
	for start := 0; start+nperseg <= n; start += step {
		for i := 0; i < nperseg; i++ {
			seg[i] = x[start+i] * win[i]
		}
		coeffs := fft.Coefficients(nil, seg)
		for k, c := range coeffs {
			p := real(c)*real(c) + imag(c)*imag(c)
			// one-sided density: double everything but DC and Nyquist
			if k != 0 && !(nperseg%2 == 0 && k == nbins-1) {
				p *= 2
			}
			acc[k] += p / (fs * u)
		}
		segments++
	}
	if segments == 0 {
		return &PSD{df: fs / float64(nperseg)}
	}

	psd := &PSD{
		Freqs: make([]float64, nbins),
		Pxx:   make([]float64, nbins),
		df:    fs / float64(nperseg),
	}
	for k := 0; k < nbins; k++ {
		psd.Freqs[k] = fft.Freq(k) * fs
		psd.Pxx[k] = acc[k] / float64(segments)
	}
	return psd
}

// SpectralFeatures holds the frequency-domain descriptors of one channel
// window.
type SpectralFeatures struct {
	BandPowers map[string]float64
	// Entropy is the Shannon entropy of the normalized PSD, in bits.
	Entropy float64
	// PeakFrequency is the frequency of the largest PSD bin above DC.
	PeakFrequency float64
	// EdgeFrequency95 is the frequency below which 95% of power lies.
	EdgeFrequency95 float64
	TotalPower      float64
}

// Spectral computes the frequency-domain feature set for one channel.
func Spectral(x []float64, fs float64) SpectralFeatures {
	psd := Welch(x, fs)
	f := SpectralFeatures{
		BandPowers: make(map[string]float64, len(CanonicalBands)),
		TotalPower: psd.TotalPower(),
	}
	for _, b := range CanonicalBands {
		f.BandPowers[b.Name] = psd.BandPower(b.Low, b.High)
	}

	total := 0.0
	for _, p := range psd.Pxx {
		total += p
	}
	if total > 0 {
		for _, p := range psd.Pxx {
			if p > 0 {
				q := p / total
				f.Entropy -= q * math.Log2(q)
			}
		}
		peak := 1
		for k := 2; k < len(psd.Pxx); k++ {
			if psd.Pxx[k] > psd.Pxx[peak] {
				peak = k
			}
		}
		if peak < len(psd.Freqs) {
			f.PeakFrequency = psd.Freqs[peak]
		}

		cum := 0.0
		for k, p := range psd.Pxx {
			cum += p
			if cum >= 0.95*total {
				f.EdgeFrequency95 = psd.Freqs[k]
				break
			}
		}
	}
	return f
}

// hannWindow returns the Hann taper shared by Welch and the coherence
// estimator.
func hannWindow(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return window.Hann(out)
}

// bandpassFFT zeroes spectral content outside [low, high) hertz and
// transforms back. Used where zero-phase filtering over a short window is
// needed (spike detection, artifact probes).
func bandpassFFT(x []float64, fs, low, high float64) []float64 {
	n := len(x)
	if n < 2 || fs <= 0 {
		return append([]float64(nil), x...)
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, x)
	for k := range coeffs {
		f := fft.Freq(k) * fs
		if f < low || f >= high {
			coeffs[k] = 0
		}
	}
	out := fft.Sequence(nil, coeffs)
	// gonum's transform pair is unnormalized.
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}
