// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/codec"
	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/stream"
	"github.com/neurascale/neural-engine/pkg/types"
)

type fakeLedger struct {
	mu      sync.Mutex
	intents []ledger.Intent
}

func (f *fakeLedger) Append(_ context.Context, in ledger.Intent) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	return in.EventID, nil
}

func (f *fakeLedger) byType(eventType ledger.EventType) []ledger.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Intent
	for _, in := range f.intents {
		if in.EventType == eventType {
			out = append(out, in)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		PipelineWindow:         50 * time.Millisecond,
		PipelineLatenessFactor: 2,
		PipelineWorkers:        2,
		IngestMaxChunkBytes:    1 << 20,
	}
}

// windowChunk spans exactly one 50 ms window at 1 kHz: 50 samples.
func windowChunk(seq uint64, startNs int64) *types.SampleChunk {
	samples := make([][]float32, 2)
	for ch := range samples {
		samples[ch] = make([]float32, 50)
		for i := range samples[ch] {
			samples[ch][i] = 15 * float32(math.Sin(2*math.Pi*10*float64(i)/1000))
		}
	}
	return &types.SampleChunk{
		SessionID:      "sess-1",
		DeviceID:       "dev-1",
		DataType:       types.DataTypeEEG,
		SamplingRateHz: 1000,
		Channels:       []types.Channel{{ID: 0, Label: "ch0"}, {ID: 1, Label: "ch1"}},
		Samples:        samples,
		ChunkSeq:       seq,
		DeviceTsNs:     startNs,
	}
}

func TestTumblingWindowsEmitInOrder(t *testing.T) {
	sink := NewMemoryFrameSink()
	lg := &fakeLedger{}
	p := New(testConfig(), nil, lg, sink, nil)
	ctx := context.Background()

	window := int64(50 * time.Millisecond)
	for seq := uint64(1); seq <= 10; seq++ {
		p.Process(ctx, windowChunk(seq, int64(seq-1)*window))
	}

	// Watermark trails max event time by 2 windows: 8 of 10 closed.
	frames := sink.Frames("sess-1")
	require.Len(t, frames, 8)

	p.FlushAll(ctx)
	frames = sink.Frames("sess-1")
	require.Len(t, frames, 10)
	for i, frame := range frames {
		assert.Equal(t, int64(i)*window, frame.WindowStartNs)
		assert.Equal(t, int64(i+1)*window, frame.WindowEndNs)
		assert.Equal(t, types.ChunkRange{First: uint64(i + 1), Last: uint64(i + 1)}, frame.DerivedFrom)
		require.Len(t, frame.ChannelFeatures, 2)
		assert.NotEmpty(t, frame.ChannelFeatures[0].Temporal)
		assert.NotNil(t, frame.CrossChannel)
	}

	computed := lg.byType(ledger.EventFeaturesComputed)
	require.Len(t, computed, 10)
	assert.NotEqual(t, [32]byte{}, computed[0].DataHash)
	assert.Equal(t, "sess-1", computed[0].SessionID)
}

func TestLateChunkGoesToSideOutput(t *testing.T) {
	sink := NewMemoryFrameSink()
	var late []*types.SampleChunk
	p := New(testConfig(), nil, nil, sink, func(chunk *types.SampleChunk) {
		late = append(late, chunk)
	})
	ctx := context.Background()

	window := int64(50 * time.Millisecond)
	for seq := uint64(1); seq <= 10; seq++ {
		p.Process(ctx, windowChunk(seq, int64(seq-1)*window))
	}
	require.Empty(t, late)

	// An hour-old chunk is far behind the watermark.
	stale := windowChunk(11, 0)
	stale.DeviceTsNs = -int64(time.Hour)
	p.Process(ctx, stale)
	require.Len(t, late, 1)
	assert.Equal(t, uint64(11), late[0].ChunkSeq)

	p.FlushAll(ctx)
	assert.Len(t, sink.Frames("sess-1"), 10, "late chunk must not reopen a window")
}

func TestGapAppendsOneAnomalyPerGap(t *testing.T) {
	lg := &fakeLedger{}
	p := New(testConfig(), nil, lg, NewMemoryFrameSink(), nil)
	ctx := context.Background()

	window := int64(50 * time.Millisecond)
	p.Process(ctx, windowChunk(1, 0))
	p.Process(ctx, windowChunk(4, 3*window))
	p.Process(ctx, windowChunk(5, 4*window))

	anomalies := lg.byType(ledger.EventAnomalyDetected)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "gap", anomalies[0].Metadata["reason"])
	assert.Equal(t, int64(2*window), anomalies[0].Metadata["length_ns"])
}

func TestReplayDoesNotDuplicateFrames(t *testing.T) {
	sink := NewMemoryFrameSink()
	var late int
	p := New(testConfig(), nil, nil, sink, func(*types.SampleChunk) { late++ })
	ctx := context.Background()

	window := int64(50 * time.Millisecond)
	chunks := make([]*types.SampleChunk, 0, 10)
	for seq := uint64(1); seq <= 10; seq++ {
		chunks = append(chunks, windowChunk(seq, int64(seq-1)*window))
	}
	for _, chunk := range chunks {
		p.Process(ctx, chunk)
	}
	p.FlushAll(ctx)
	require.Len(t, sink.Frames("sess-1"), 10)

	// At-least-once delivery: the whole stream arrives again.
	for _, chunk := range chunks {
		p.Process(ctx, chunk)
	}
	p.FlushAll(ctx)
	assert.Len(t, sink.Frames("sess-1"), 10, "sink stays idempotent under replay")
	assert.Equal(t, 8, late, "replays behind the watermark route to the side output")
}

func TestRunConsumesRawTopics(t *testing.T) {
	broker := stream.NewMemoryBroker()
	defer broker.Close()
	sink := NewMemoryFrameSink()
	p := New(testConfig(), broker, nil, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, nil)
	}()

	c := codec.New(1 << 20)
	window := int64(50 * time.Millisecond)
	for seq := uint64(1); seq <= 10; seq++ {
		encoded, err := c.Encode(windowChunk(seq, int64(seq-1)*window))
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, stream.RawTopic("eeg"), "dev-1|0", encoded, nil))
	}

	require.Eventually(t, func() bool {
		return len(sink.Frames("sess-1")) >= 8
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Len(t, sink.Frames("sess-1"), 10, "shutdown flushes the open windows")
}

func TestSQLFrameSinkIdempotent(t *testing.T) {
	sink, err := NewSQLFrameSink("sqlite3", ":memory:")
	require.NoError(t, err)
	defer sink.Close()
	ctx := context.Background()

	frame := &types.FeatureFrame{
		SessionID:     "sess-1",
		WindowStartNs: 0,
		WindowEndNs:   50_000_000,
		DataType:      types.DataTypeEEG,
		ChannelFeatures: []types.ChannelFeatures{
			{ChannelID: 0, Temporal: map[string]float64{"mean": 0.5}},
		},
	}
	require.NoError(t, sink.Emit(ctx, frame))
	require.NoError(t, sink.Emit(ctx, frame))

	second := *frame
	second.WindowStartNs = 50_000_000
	second.WindowEndNs = 100_000_000
	require.NoError(t, sink.Emit(ctx, &second))

	frames, err := sink.Frames(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(0), frames[0].WindowStartNs)
	assert.Equal(t, int64(50_000_000), frames[1].WindowStartNs)
	assert.Equal(t, 0.5, frames[0].ChannelFeatures[0].Temporal["mean"])
}

func TestFeaturesHashStable(t *testing.T) {
	frame := &types.FeatureFrame{
		SessionID:     "sess-1",
		WindowStartNs: 0,
		ChannelFeatures: []types.ChannelFeatures{
			{ChannelID: 0, Temporal: map[string]float64{"mean": 1}},
		},
	}
	a := FeaturesHash(frame)
	b := FeaturesHash(frame)
	assert.Equal(t, a, b)

	frame.ChannelFeatures[0].Temporal["mean"] = 2
	assert.NotEqual(t, a, FeaturesHash(frame))
}
