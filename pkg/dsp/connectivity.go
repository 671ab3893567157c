// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// networkDensityThreshold is the |r| above which a channel pair counts as
// connected.
const networkDensityThreshold = 0.5

// ConnectivityFeatures holds the cross-channel measures of one window.
type ConnectivityFeatures struct {
	MeanAbsCorrelation float64
	MaxAbsCorrelation  float64
	// Coherence is the mean magnitude-squared coherence over the given
	// band, averaged across channel pairs.
	Coherence float64
	// PLV and PLI are phase locking value and phase lag index from the
	// Hilbert phase, averaged across channel pairs.
	PLV float64
	PLI float64
	// NetworkDensity is the fraction of pairs with |r| above 0.5.
	NetworkDensity float64
}

// Connectivity computes the cross-channel feature set once per window.
// coherenceBand selects the band for the coherence average.
func Connectivity(channels [][]float64, fs float64, coherenceBand Band) ConnectivityFeatures {
	var f ConnectivityFeatures
	c := len(channels)
	if c < 2 {
		return f
	}

	phases := make([][]float64, c)
	for i := range channels {
		phases[i] = hilbertPhase(channels[i])
	}

	pairs := 0
	connected := 0
	sumCorr, maxCorr := 0.0, 0.0
	sumCoh, sumPLV, sumPLI := 0.0, 0.0, 0.0
	for i := 0; i < c; i++ {
		for j := i + 1; j < c; j++ {
			pairs++

			r := math.Abs(stat.Correlation(channels[i], channels[j], nil))
			if math.IsNaN(r) {
				r = 0
			}
			sumCorr += r
			if r > maxCorr {
				maxCorr = r
			}
			if r > networkDensityThreshold {
				connected++
			}

			sumCoh += bandCoherence(channels[i], channels[j], fs, coherenceBand)

			plv, pli := phaseLocking(phases[i], phases[j])
			sumPLV += plv
			sumPLI += pli
		}
	}

	f.MeanAbsCorrelation = sumCorr / float64(pairs)
	f.MaxAbsCorrelation = maxCorr
	f.Coherence = sumCoh / float64(pairs)
	f.PLV = sumPLV / float64(pairs)
	f.PLI = sumPLI / float64(pairs)
	f.NetworkDensity = float64(connected) / float64(pairs)
	return f
}

// hilbertPhase returns the instantaneous phase of the analytic signal.
func hilbertPhase(x []float64) []float64 {
	n := len(x)
	if n < 2 {
		return make([]float64, n)
	}
	fft := fourier.NewCmplxFFT(n)
	seq := make([]complex128, n)
	for i, v := range x {
		seq[i] = complex(v, 0)
	}
	coeffs := fft.Coefficients(nil, seq)

	// Analytic signal: double positive frequencies, zero negative ones.
	half := n / 2
	for k := 1; k < half; k++ {
		coeffs[k] *= 2
	}
	for k := half + 1; k < n; k++ {
		coeffs[k] = 0
	}

	analytic := fft.Sequence(nil, coeffs)
	phase := make([]float64, n)
	for i, v := range analytic {
		// the transform pair is unnormalized; phase is scale invariant
		phase[i] = cmplx.Phase(v)
	}
	return phase
}

func phaseLocking(p1, p2 []float64) (plv, pli float64) {
	n := len(p1)
	if n == 0 || len(p2) != n {
		return 0, 0
	}
	var sumRe, sumIm, sumSign float64
	for i := 0; i < n; i++ {
		d := p1[i] - p2[i]
		sumRe += math.Cos(d)
		sumIm += math.Sin(d)
		switch {
		case math.Sin(d) > 0:
			sumSign++
		case math.Sin(d) < 0:
			sumSign--
		}
	}
	plv = math.Hypot(sumRe, sumIm) / float64(n)
	pli = math.Abs(sumSign) / float64(n)
	return plv, pli
}

// bandCoherence estimates mean magnitude-squared coherence over a band
// using Welch cross-spectra with the same segmentation as Welch.
func bandCoherence(x, y []float64, fs float64, band Band) float64 {
	n := len(x)
	if n == 0 || len(y) != n || fs <= 0 {
		return 0
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
	fft := fourier.NewFFT(nperseg)
	nbins := nperseg/2 + 1

	pxx := make([]float64, nbins)
	pyy := make([]float64, nbins)
	pxy := make([]complex128, nbins)

	segX := make([]float64, nperseg)
	segY := make([]float64, nperseg)
	segments := 0
	for start := 0; start+nperseg <= n; start += step {
		for i := 0; i < nperseg; i++ {
			segX[i] = x[start+i] * win[i]
			segY[i] = y[start+i] * win[i]
		}
		cx := fft.Coefficients(nil, segX)
		cy := fft.Coefficients(nil, segY)
		for k := 0; k < nbins; k++ {
			pxx[k] += real(cx[k])*real(cx[k]) + imag(cx[k])*imag(cx[k])
			pyy[k] += real(cy[k])*real(cy[k]) + imag(cy[k])*imag(cy[k])
			pxy[k] += cx[k] * cmplx.Conj(cy[k])
		}
		segments++
	}
	if segments < 2 {
		// coherence from a single segment is identically one
		return 0
	}

	total, count := 0.0, 0
	for k := 0; k < nbins; k++ {
		f := fft.Freq(k) * fs
		if f < band.Low || f >= band.High {
			continue
		}
		den := pxx[k] * pyy[k]
		if den <= 0 {
			continue
		}
		m := cmplx.Abs(pxy[k])
		total += m * m / den
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
