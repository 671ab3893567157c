// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package dsp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/types"
)

func sine(freq, fs float64, n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func TestTemporalOnSine(t *testing.T) {
	fs := 1000.0
	x := sine(10, fs, 1000, 50)

	f := Temporal(x)
	assert.InDelta(t, 0, f.Mean, 1e-6)
	// RMS of a sine is amp/sqrt(2)
	assert.InDelta(t, 50/math.Sqrt2, f.Std, 0.1)
	// a 10 Hz sine crosses zero 20 times per second
	assert.InDelta(t, 20.0/fs, f.ZeroCrossingRate, 0.002)
	assert.Greater(t, f.LineLength, 0.0)
	assert.Greater(t, f.HjorthMobility, 0.0)
}

func TestWelchFindsAlphaPeak(t *testing.T) {
	fs := 1000.0
	x := sine(10, fs, 2000, 30)

	f := Spectral(x, fs)
	assert.InDelta(t, 10, f.PeakFrequency, fs/256+0.5)
	// nearly all power in alpha
	assert.Greater(t, f.BandPowers["alpha"], 0.9*f.TotalPower)
	assert.Less(t, f.BandPowers["gamma"], 0.01*f.TotalPower)
	// a pure tone has a narrow spectrum
	assert.Less(t, f.Entropy, 3.0)
	assert.GreaterOrEqual(t, f.EdgeFrequency95, 8.0)
}

func TestWelchParsevalApproximation(t *testing.T) {
	fs := 500.0
	rng := rand.New(rand.NewSource(3))
	x := make([]float64, 1024)
	for i := range x {
		x[i] = rng.NormFloat64() * 10
	}
	psd := Welch(x, fs)
	// total PSD power approximates the signal variance (within the
	// tolerance of windowed averaging)
	assert.InEpsilon(t, variance(x), psd.TotalPower(), 0.25)
}

func TestWaveletEnergyConcentration(t *testing.T) {
	fs := 1000.0
	x := sine(200, fs, 512, 20)
	levels := WaveletFeatures(x, 5)
	require.Len(t, levels, 5)

	total := 0.0
	for _, l := range levels {
		total += l.Energy
	}
	require.Greater(t, total, 0.0)
	// a 200 Hz tone at fs=1000 lands in the first detail level (250-500 Hz
	// is d1; 125-250 is d2) - most energy in d1+d2
	assert.Greater(t, levels[0].Energy+levels[1].Energy, 0.8*total)
}

func TestSpikeDetection(t *testing.T) {
	fs := 30000.0
	n := int(fs) // one second
	rng := rand.New(rand.NewSource(11))
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64() * 2
	}
	// plant 20 well-separated spikes of 60 uV
	planted := 20
	for k := 0; k < planted; k++ {
		at := 500 + k*1400
		x[at] += 60
		x[at+1] += 40
	}

	f := Spikes(x, fs)
	assert.InDelta(t, planted, f.Count, 3)
	assert.Greater(t, f.MeanAmplitude, 8.0)
	assert.Greater(t, f.Rate, 10.0)
}

func TestSpikeRefractoryPeriod(t *testing.T) {
	fs := 30000.0
	x := make([]float64, int(fs/10))
	// two crossings 0.5 ms apart collapse into one spike
	x[1000] = 100
	x[1000+int(fs*0.0005)] = 100
	idx, _ := DetectSpikes(x, fs)
	assert.Len(t, idx, 1)
}

func TestConnectivityIdenticalChannels(t *testing.T) {
	fs := 1000.0
	x := sine(10, fs, 500, 30)
	y := append([]float64(nil), x...)

	f := Connectivity([][]float64{x, y}, fs, Band{"alpha", 8, 12})
	assert.InDelta(t, 1.0, f.MeanAbsCorrelation, 1e-9)
	assert.InDelta(t, 1.0, f.MaxAbsCorrelation, 1e-9)
	assert.InDelta(t, 1.0, f.PLV, 0.05)
	assert.Equal(t, 1.0, f.NetworkDensity)
}

func TestConnectivityIndependentNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 2000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = rng.NormFloat64()
		y[i] = rng.NormFloat64()
	}
	f := Connectivity([][]float64{x, y}, 1000, Band{"alpha", 8, 12})
	assert.Less(t, f.MeanAbsCorrelation, 0.1)
	assert.Equal(t, 0.0, f.NetworkDensity)
	assert.Less(t, f.PLV, 0.2)
}

func TestQualityFlatlineFlagged(t *testing.T) {
	flat := make([]float64, 500)
	cq := ChannelQualityScore(flat, 1000, DefaultQualityWeights)
	assert.True(t, cq.Artifacts.Flatline)
	// artifact flags cap the level at fair
	assert.NotEqual(t, types.QualityExcellent, cq.Level)
	assert.NotEqual(t, types.QualityGood, cq.Level)
}

func TestQualityCleanSignalScoresWell(t *testing.T) {
	fs := 1000.0
	rng := rand.New(rand.NewSource(9))
	x := sine(10, fs, 2000, 30)
	for i := range x {
		x[i] += rng.NormFloat64() * 0.5
	}
	cq := ChannelQualityScore(x, fs, DefaultQualityWeights)
	assert.Greater(t, cq.SNRdB, 10.0)
	assert.False(t, cq.Artifacts.Flatline)
	assert.GreaterOrEqual(t, cq.Score, qualityGoodMin)
}

func TestQualityLineNoisePenalized(t *testing.T) {
	fs := 1000.0
	clean := sine(10, fs, 2000, 30)
	noisy := make([]float64, len(clean))
	mains := sine(50, fs, 2000, 40)
	for i := range clean {
		noisy[i] = clean[i] + mains[i]
	}
	cqClean := ChannelQualityScore(clean, fs, DefaultQualityWeights)
	cqNoisy := ChannelQualityScore(noisy, fs, DefaultQualityWeights)
	assert.Greater(t, cqNoisy.LineNoiseRatio, cqClean.LineNoiseRatio)
	assert.Less(t, cqNoisy.Score, cqClean.Score)
}

func TestLevelFromScore(t *testing.T) {
	assert.Equal(t, types.QualityExcellent, LevelFromScore(0.9))
	assert.Equal(t, types.QualityGood, LevelFromScore(0.7))
	assert.Equal(t, types.QualityFair, LevelFromScore(0.5))
	assert.Equal(t, types.QualityPoor, LevelFromScore(0.3))
	assert.Equal(t, types.QualityBad, LevelFromScore(0.1))
}

func TestWindowFeaturesSelectsFamilies(t *testing.T) {
	samples := [][]float32{make([]float32, 256), make([]float32, 256)}
	for i := range samples[0] {
		samples[0][i] = float32(math.Sin(2 * math.Pi * 10 * float64(i) / 1000))
		samples[1][i] = float32(math.Cos(2 * math.Pi * 10 * float64(i) / 1000))
	}

	perCh, cross := WindowFeatures(samples, 1000, types.DataTypeEEG)
	require.Len(t, perCh, 2)
	require.NotNil(t, cross)
	assert.NotEmpty(t, perCh[0].Spectral)
	assert.NotEmpty(t, perCh[0].Wavelet)
	assert.Empty(t, perCh[0].Spike)

	perCh, _ = WindowFeatures(samples, 30000, types.DataTypeSpikes)
	assert.NotEmpty(t, perCh[0].Spike)
	assert.Empty(t, perCh[0].Spectral)
}
