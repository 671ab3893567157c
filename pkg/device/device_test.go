// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package device

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/types"
)

type fakeDriver struct {
	mu          sync.Mutex
	connectErr  error
	streamErr   error
	connects    int
	disconnects int
	streaming   bool
	sink        Sink
}

func (f *fakeDriver) Connect(context.Context, ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeDriver) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeDriver) Describe() DeviceInfo {
	return DeviceInfo{DeviceType: "fake", SamplingRate: 250}
}

func (f *fakeDriver) StartStream(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamErr != nil {
		return f.streamErr
	}
	f.streaming = true
	f.sink = sink
	return nil
}

func (f *fakeDriver) StopStream(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = false
	return nil
}

func (f *fakeDriver) CheckImpedance(context.Context) (map[string]float64, error) {
	return map[string]float64{"CH1": 5000}, nil
}

func (f *fakeDriver) ProbeQuality(context.Context, time.Duration) (*types.QualityReport, error) {
	return &types.QualityReport{Overall: 0.9}, nil
}

func (f *fakeDriver) deliver(chunk *types.SampleChunk) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(chunk)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateDiscovered, StateConnecting))
	assert.True(t, CanTransition(StateConnecting, StateConnected))
	assert.True(t, CanTransition(StateConnected, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StatePaused))
	assert.True(t, CanTransition(StatePaused, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StateDisconnecting))
	assert.True(t, CanTransition(StateDisconnecting, StateClosed))
	assert.True(t, CanTransition(StatePaused, StateErrored), "errored is reachable from anywhere")
	assert.True(t, CanTransition(StateErrored, StateConnecting))

	assert.False(t, CanTransition(StateDiscovered, StateStreaming))
	assert.False(t, CanTransition(StateClosed, StateConnecting))
	assert.False(t, CanTransition(StateConnected, StateClosed))
}

func TestHandleConnectStreamDisconnect(t *testing.T) {
	var transitions []string
	drv := &fakeDriver{}
	h := NewHandle("dev-1", drv, func(_ string, from, to State, _ error) {
		transitions = append(transitions, fmt.Sprintf("%s>%s", from, to))
	})
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx, ConnectParams{}))
	assert.Equal(t, StateConnected, h.State())

	// connect while connected is a no-op
	require.NoError(t, h.Connect(ctx, ConnectParams{}))
	assert.Equal(t, 1, drv.connects)

	var got []*types.SampleChunk
	require.NoError(t, h.StartStreaming(ctx, func(c *types.SampleChunk) { got = append(got, c) }, nil))
	assert.Equal(t, StateStreaming, h.State())
	require.NoError(t, h.StartStreaming(ctx, nil, nil), "idempotent")

	drv.deliver(&types.SampleChunk{ChunkSeq: 1, SamplingRateHz: 250})
	assert.Len(t, got, 1)

	require.NoError(t, h.StopStreaming(ctx))
	assert.Equal(t, StateConnected, h.State())

	require.NoError(t, h.Disconnect(ctx))
	assert.Equal(t, StateClosed, h.State())
	require.NoError(t, h.Disconnect(ctx), "idempotent")
	assert.Equal(t, 1, drv.disconnects)

	assert.Contains(t, transitions, "discovered>connecting")
	assert.Contains(t, transitions, "connecting>connected")
	assert.Contains(t, transitions, "streaming>connected")
	assert.Contains(t, transitions, "disconnecting>closed")
}

func TestHandleConnectFailureEntersErrored(t *testing.T) {
	drv := &fakeDriver{connectErr: errors.New("port in use")}
	h := NewHandle("dev-2", drv, nil)

	err := h.Connect(context.Background(), ConnectParams{})
	require.Error(t, err)
	assert.Equal(t, StateErrored, h.State())
	assert.Equal(t, "port in use", h.LastError().Error())

	// errored devices can retry
	drv.connectErr = nil
	require.NoError(t, h.Connect(context.Background(), ConnectParams{}))
	assert.Equal(t, StateConnected, h.State())
}

func TestReconnectBackoffCapAndReset(t *testing.T) {
	drv := &fakeDriver{connectErr: errors.New("down")}
	h := NewHandle("dev-3", drv, nil)

	var last time.Duration
	for i := 0; i < 12; i++ {
		last = h.NextRetryIn()
		assert.LessOrEqual(t, last, 36*time.Second, "30 s cap plus 20%% jitter")
	}
	assert.Greater(t, last, 10*time.Second, "backoff grows toward the cap")

	drv.connectErr = nil
	require.NoError(t, h.Connect(context.Background(), ConnectParams{}))
	assert.Less(t, h.NextRetryIn(), 2*time.Second, "success resets the backoff")
}

func TestStreamingRequiresConnection(t *testing.T) {
	h := NewHandle("dev-4", &fakeDriver{}, nil)
	err := h.StartStreaming(context.Background(), func(*types.SampleChunk) {}, nil)
	require.Error(t, err)
}

func TestGapDetector(t *testing.T) {
	type gap struct {
		from, to uint64
		ns       int64
	}
	var gaps []gap
	g := NewGapDetector("dev-5", func(_ string, from, to uint64, ns int64) {
		gaps = append(gaps, gap{from, to, ns})
	})

	mk := func(seq uint64, tsNs int64) *types.SampleChunk {
		return &types.SampleChunk{
			ChunkSeq: seq, DeviceTsNs: tsNs, SamplingRateHz: 1000,
			Samples: [][]float32{make([]float32, 50)},
			Channels: []types.Channel{{ID: 0}},
		}
	}
	g.Observe(mk(1, 0))
	g.Observe(mk(2, 50_000_000))
	require.Empty(t, gaps)

	// seq 3 and 4 lost: 100 ms of signal time missing
	g.Observe(mk(5, 250_000_000))
	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(2), gaps[0].from)
	assert.Equal(t, uint64(5), gaps[0].to)
	assert.Equal(t, int64(150_000_000), gaps[0].ns)
}

func TestSyntheticDeterminism(t *testing.T) {
	mk := func() *Synthetic {
		return NewSynthetic(SyntheticConfig{Seed: 0x1234, Channels: 4, SamplingRate: 1000})
	}
	a, b := mk(), mk()
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, ConnectParams{}))
	require.NoError(t, b.Connect(ctx, ConnectParams{}))

	for i := 0; i < 3; i++ {
		ca, cb := a.NextChunk(100), b.NextChunk(100)
		assert.Equal(t, ca.ChunkSeq, cb.ChunkSeq)
		assert.Equal(t, ca.Samples, cb.Samples, "same seed must produce identical samples")
	}

	other := NewSynthetic(SyntheticConfig{Seed: 99, Channels: 4, SamplingRate: 1000})
	require.NoError(t, other.Connect(ctx, ConnectParams{}))
	ca := a.NextChunk(100)
	co := other.NextChunk(100)
	assert.NotEqual(t, ca.Samples, co.Samples)
}

func TestSyntheticStreamAndQuality(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Seed: 7, Channels: 2, SamplingRate: 500, ChunkPeriod: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx, ConnectParams{}))

	var mu sync.Mutex
	var chunks []*types.SampleChunk
	require.NoError(t, s.StartStream(ctx, func(c *types.SampleChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}))
	// double start rejected
	err := s.StartStream(ctx, func(*types.SampleChunk) {})
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.StopStream(ctx))

	mu.Lock()
	first := chunks[0]
	mu.Unlock()
	assert.Equal(t, uint64(1), first.ChunkSeq)
	assert.Equal(t, 2, first.NumChannels())

	report, err := s.ProbeQuality(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, report.Channels, 2)
	assert.Greater(t, report.Overall, 0.3)

	imp, err := s.CheckImpedance(ctx)
	require.NoError(t, err)
	assert.Len(t, imp, 2)
}

func cytonPacket(sampleNum byte, counts [cytonChannels]int32) []byte {
	pkt := make([]byte, cytonPacketLen)
	pkt[0] = cytonHeader
	pkt[1] = sampleNum
	for ch, v := range counts {
		off := 2 + ch*3
		pkt[off] = byte(v >> 16)
		pkt[off+1] = byte(v >> 8)
		pkt[off+2] = byte(v)
	}
	pkt[cytonPacketLen-1] = cytonFooterBase
	return pkt
}

func TestParseCytonSample(t *testing.T) {
	var counts [cytonChannels]int32
	counts[0] = 1000
	counts[1] = -1000
	counts[7] = 8388607 // max positive 24-bit

	values, num, err := parseCytonSample(cytonPacket(42, counts))
	require.NoError(t, err)
	assert.Equal(t, byte(42), num)
	assert.InDelta(t, 1000*cytonScale, float64(values[0]), 1e-3)
	assert.InDelta(t, -1000*cytonScale, float64(values[1]), 1e-3)
	assert.InDelta(t, 8388607*cytonScale, float64(values[7]), 1)

	_, _, err = parseCytonSample([]byte{1, 2, 3})
	require.Error(t, err)
	bad := cytonPacket(0, counts)
	bad[0] = 0x55
	_, _, err = parseCytonSample(bad)
	require.Error(t, err)
}

type pipePort struct {
	io.Reader
	io.Writer
	closed chan struct{}
}

func (p *pipePort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func TestCytonStreamResync(t *testing.T) {
	pr, pw := io.Pipe()
	port := &pipePort{Reader: pr, Writer: io.Discard, closed: make(chan struct{})}

	c := NewCyton("cyton-1")
	c.open = func(string, int) (io.ReadWriteCloser, error) { return port, nil }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx, ConnectParams{Endpoint: "/dev/ttyUSB0"}))

	var mu sync.Mutex
	var chunks []*types.SampleChunk
	require.NoError(t, c.StartStream(ctx, func(chunk *types.SampleChunk) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	}))

	go func() {
		// garbage before the first frame forces a resync
		pw.Write([]byte{0x00, 0xFF, 0x13})
		var counts [cytonChannels]int32
		for i := 0; i < cytonChunkSamples+2; i++ {
			counts[0] = int32(i + 1)
			pw.Write(cytonPacket(byte(i), counts))
		}
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	chunk := chunks[0]
	mu.Unlock()
	assert.Equal(t, cytonChunkSamples, chunk.NumSamples())
	assert.Equal(t, cytonChannels, chunk.NumChannels())
	assert.InDelta(t, 1*cytonScale, float64(chunk.Samples[0][0]), 1e-3)

	require.NoError(t, c.StopStream(ctx))
	require.NoError(t, c.Disconnect(ctx))
}

func TestDecodeGanglionRaw(t *testing.T) {
	pkt := make([]byte, 20)
	pkt[0] = 0
	// channel 0 = 256, channel 1 = -1
	pkt[1], pkt[2], pkt[3] = 0x00, 0x01, 0x00
	pkt[4], pkt[5], pkt[6] = 0xFF, 0xFF, 0xFF

	frame, ok := decodeGanglionRaw(pkt)
	require.True(t, ok)
	assert.Equal(t, int32(256), frame.counts[0])
	assert.Equal(t, int32(-1), frame.counts[1])

	_, ok = decodeGanglionRaw([]byte{1, 2})
	assert.False(t, ok)
}

func TestDecodeMuseChannel(t *testing.T) {
	pkt := make([]byte, 20)
	pkt[0], pkt[1] = 0x00, 0x07
	// first 12-bit sample = 2048 (-> 0 after centering), second = 2049
	pkt[2] = 0x80
	pkt[3] = 0x08
	pkt[4] = 0x01

	index, counts, ok := decodeMuseChannel(pkt)
	require.True(t, ok)
	assert.Equal(t, uint16(7), index)
	require.Len(t, counts, 12)
	assert.Equal(t, int32(0), counts[0])
	assert.Equal(t, int32(1), counts[1])

	_, _, ok = decodeMuseChannel([]byte{1})
	assert.False(t, ok)
}

func TestBiosignalStreamOverFakeLink(t *testing.T) {
	link := &fakeLink{frames: make(chan sampleFrame, 64)}
	b := newBiosignalWithLink("ganglion-1", BoardGanglion, link)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Connect(ctx, ConnectParams{Endpoint: "AA:BB"}))
	info := b.Describe()
	assert.Equal(t, 4, len(info.Channels))
	assert.Equal(t, float64(200), info.SamplingRate)

	var mu sync.Mutex
	var chunks []*types.SampleChunk
	require.NoError(t, b.StartStream(ctx, func(c *types.SampleChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}))

	// 200 Hz -> 10 samples per 50 ms chunk
	for i := 0; i < 12; i++ {
		link.frames <- sampleFrame{counts: []int32{int32(i), 0, 0, 0}}
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	chunk := chunks[0]
	mu.Unlock()
	ganglionScale := 1.2 / 8388607.0 * 1e6
	assert.InDelta(t, 5*ganglionScale, float64(chunk.Samples[0][5]), 1e-6)

	require.NoError(t, b.StopStream(ctx))
	require.NoError(t, b.Disconnect(ctx))
}

type fakeLink struct {
	frames chan sampleFrame
}

func (f *fakeLink) Open(context.Context, string) (<-chan sampleFrame, error) { return f.frames, nil }
func (f *fakeLink) Close() error                                            { return nil }

func TestLSLSubscriber(t *testing.T) {
	client, server := net.Pipe()
	l := NewLSL("lsl-1", "test-stream")
	l.dial = func(context.Context, string) (net.Conn, error) { return client, nil }

	headerDone := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		assert.Contains(t, string(buf[:n]), "SUBSCRIBE test-stream")
		header, _ := json.Marshal(lslHeader{Name: "test-stream", Type: "eeg", ChannelCount: 2, NominalSRate: 100})
		server.Write(append(header, '\n'))
		close(headerDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Connect(ctx, ConnectParams{Endpoint: "feed:16571"}))
	<-headerDone

	info := l.Describe()
	assert.Equal(t, types.DataTypeEEG, info.DataType)
	assert.Equal(t, float64(100), info.SamplingRate)

	var mu sync.Mutex
	var chunks []*types.SampleChunk
	require.NoError(t, l.StartStream(ctx, func(c *types.SampleChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}))

	go func() {
		// 100 Hz -> 5 samples per chunk
		frame := make([]byte, 8+4*2)
		for i := 0; i < 6; i++ {
			binary.LittleEndian.PutUint64(frame[:8], uint64(int64(i)*10_000_000))
			binary.LittleEndian.PutUint32(frame[8:], math.Float32bits(float32(i)))
			binary.LittleEndian.PutUint32(frame[12:], math.Float32bits(float32(-i)))
			server.Write(frame)
		}
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	chunk := chunks[0]
	mu.Unlock()
	assert.Equal(t, 5, chunk.NumSamples())
	assert.Equal(t, float32(3), chunk.Samples[0][3])
	assert.Equal(t, float32(-3), chunk.Samples[1][3])
	assert.Equal(t, int64(0), chunk.DeviceTsNs)

	require.NoError(t, l.StopStream(ctx))
	require.NoError(t, l.Disconnect(ctx))
}
