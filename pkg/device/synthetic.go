// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package device

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/neurascale/neural-engine/pkg/dsp"
	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
)

// SyntheticConfig parameterizes the simulated board.
type SyntheticConfig struct {
	DeviceID     string
	Seed         int64
	Channels     int
	SamplingRate uint32
	DataType     types.DataType
	// ChunkPeriod is the cadence of emitted chunks.
	ChunkPeriod time.Duration
	Clock       clock.Clock
}

func (c *SyntheticConfig) defaults() {
	if c.Channels == 0 {
		c.Channels = 64
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1000
	}
	if c.ChunkPeriod == 0 {
		c.ChunkPeriod = 50 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.DeviceID == "" {
		c.DeviceID = fmt.Sprintf("synthetic-%x", c.Seed)
	}
}

// Synthetic simulates an EEG board. Output is fully determined by the seed:
// a 10 Hz alpha carrier, 60 Hz line contamination and filtered noise, so two
// runs with the same seed produce byte-identical sample streams.
type Synthetic struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	connected bool
	streaming bool
	cancel    context.CancelFunc

	seq   uint64
	rng   *rand.Rand
	pink  []float64 // per-channel one-pole noise state
	phase float64   // carrier phase in samples since connect
}

// NewSynthetic builds the simulator.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	cfg.defaults()
	return &Synthetic{cfg: cfg}
}

func (s *Synthetic) Connect(_ context.Context, _ ConnectParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.seq = 0
	s.phase = 0
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.pink = make([]float64, s.cfg.Channels)
	return nil
}

func (s *Synthetic) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connected = false
	s.streaming = false
	return nil
}

func (s *Synthetic) Describe() DeviceInfo {
	channels := make([]types.Channel, s.cfg.Channels)
	for i := range channels {
		channels[i] = types.Channel{
			ID:    i,
			Label: fmt.Sprintf("SYN%d", i+1),
			Kind:  types.ChannelKindSignal,
			Unit:  "uV",
		}
	}
	return DeviceInfo{
		DeviceType:             "synthetic",
		DataType:               s.cfg.DataType,
		Channels:               channels,
		SamplingRate:           float64(s.cfg.SamplingRate),
		SupportsImpedanceCheck: true,
		SupportsBattery:        false,
	}
}

// NextChunk synthesizes the next chunk deterministically. Exposed so replay
// tooling and tests can pull chunks without a streaming loop.
func (s *Synthetic) NextChunk(n int) *types.SampleChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextChunkLocked(n)
}

func (s *Synthetic) nextChunkLocked(n int) *types.SampleChunk {
	fs := float64(s.cfg.SamplingRate)
	samples := make([][]float32, s.cfg.Channels)
	for c := range samples {
		samples[c] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		t := (s.phase + float64(i)) / fs
		alpha := 20 * math.Sin(2*math.Pi*10*t)
		line := 2 * math.Sin(2*math.Pi*60*t)
		for c := 0; c < s.cfg.Channels; c++ {
			// one-pole lowpass over white noise approximates the 1/f floor
			s.pink[c] = 0.95*s.pink[c] + 0.05*s.rng.NormFloat64()*30
			// small per-channel phase offset keeps channels correlated
			// but not identical
			offset := 2 * math.Sin(2*math.Pi*10*t+float64(c)*0.1)
			samples[c][i] = float32(alpha + offset + line + s.pink[c])
		}
	}

	s.seq++
	chunk := &types.SampleChunk{
		DeviceID:       s.cfg.DeviceID,
		DataType:       s.cfg.DataType,
		SamplingRateHz: s.cfg.SamplingRate,
		Channels:       s.Describe().Channels,
		Samples:        samples,
		ChunkSeq:       s.seq,
		DeviceTsNs:     s.cfg.Clock.Now().UnixNano(),
	}
	s.phase += float64(n)
	return chunk
}

func (s *Synthetic) StartStream(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol, "not connected").WithDevice(s.cfg.DeviceID)
	}
	if s.streaming {
		s.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeAlreadyStreaming, "stream already active").WithDevice(s.cfg.DeviceID)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.streaming = true
	s.cancel = cancel
	s.mu.Unlock()

	n := int(float64(s.cfg.SamplingRate) * s.cfg.ChunkPeriod.Seconds())
	if n < 1 {
		n = 1
	}
	go func() {
		ticker := s.cfg.Clock.Ticker(s.cfg.ChunkPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				sink(s.NextChunk(n))
			}
		}
	}()
	return nil
}

func (s *Synthetic) StopStream(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.streaming = false
	return nil
}

// CheckImpedance reports plausible scalp-contact values, deterministic per
// seed.
func (s *Synthetic) CheckImpedance(_ context.Context) (map[string]float64, error) {
	rng := rand.New(rand.NewSource(s.cfg.Seed + 1))
	out := make(map[string]float64, s.cfg.Channels)
	for i := 0; i < s.cfg.Channels; i++ {
		out[fmt.Sprintf("SYN%d", i+1)] = 2000 + rng.Float64()*8000
	}
	return out, nil
}

func (s *Synthetic) ProbeQuality(_ context.Context, d time.Duration) (*types.QualityReport, error) {
	n := int(float64(s.cfg.SamplingRate) * d.Seconds())
	if n < 1 {
		n = 1
	}
	chunk := s.NextChunk(n)
	report := dsp.Quality(chunk.Samples, float64(s.cfg.SamplingRate), dsp.DefaultQualityWeights)
	report.DeviceID = s.cfg.DeviceID
	report.TsNs = s.cfg.Clock.Now().UnixNano()
	return report, nil
}
