// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// lslHeader is the stream descriptor sent by the feed after subscription.
type lslHeader struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	ChannelCount int     `json:"channel_count"`
	NominalSRate float64 `json:"nominal_srate"`
}

// dialFunc is swapped out by tests.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// LSL is a passive subscriber to a lab-streaming-layer feed exposed over
// TCP. The wire format is a subscribe line, one JSON header line, then
// binary sample frames: an int64 LE timestamp (ns) followed by
// channel_count float32 LE values.
type LSL struct {
	DeviceID   string
	StreamName string
	dial       dialFunc

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	header    lslHeader
	streaming bool
	cancel    context.CancelFunc
	seq       uint64
}

// NewLSL builds a subscriber for the named stream.
func NewLSL(deviceID, streamName string) *LSL {
	return &LSL{DeviceID: deviceID, StreamName: streamName, dial: dialTCP}
}

func (l *LSL) Connect(ctx context.Context, params ConnectParams) error {
	conn, err := l.dial(ctx, params.Endpoint)
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(l.DeviceID)
	}
	if _, err := fmt.Fprintf(conn, "SUBSCRIBE %s\n", l.StreamName); err != nil {
		conn.Close()
		return errcode.New(errcode.Transient, errcode.CodeProtocol, err).WithDevice(l.DeviceID)
	}
	// one buffered reader for the life of the connection; sample bytes
	// read ahead of the header line must not be lost
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return errcode.New(errcode.Transient, errcode.CodeProtocol, err).WithDevice(l.DeviceID)
	}
	var header lslHeader
	if err := json.Unmarshal(line, &header); err != nil {
		conn.Close()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol,
			"bad stream header: %v", err).WithDevice(l.DeviceID)
	}
	if header.ChannelCount <= 0 || header.NominalSRate <= 0 {
		conn.Close()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol,
			"stream %s advertises %d channels at %.1f Hz",
			header.Name, header.ChannelCount, header.NominalSRate).WithDevice(l.DeviceID)
	}

	l.mu.Lock()
	l.conn = conn
	l.reader = reader
	l.header = header
	l.seq = 0
	l.mu.Unlock()
	return nil
}

func (l *LSL) Disconnect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.streaming = false
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(l.DeviceID)
	}
	return nil
}

func (l *LSL) dataType() types.DataType {
	if dt, err := types.DataTypeFromString(l.header.Type); err == nil {
		return dt
	}
	return types.DataTypeEEG
}

func (l *LSL) Describe() DeviceInfo {
	l.mu.Lock()
	header := l.header
	l.mu.Unlock()
	channels := make([]types.Channel, header.ChannelCount)
	for i := range channels {
		channels[i] = types.Channel{
			ID:    i,
			Label: fmt.Sprintf("LSL%d", i+1),
			Kind:  types.ChannelKindSignal,
			Unit:  "uV",
		}
	}
	return DeviceInfo{
		DeviceType:   "lsl",
		DataType:     l.dataType(),
		Channels:     channels,
		SamplingRate: header.NominalSRate,
	}
}

func (l *LSL) StartStream(ctx context.Context, sink Sink) error {
	l.mu.Lock()
	if l.conn == nil {
		l.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol, "not connected").WithDevice(l.DeviceID)
	}
	if l.streaming {
		l.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeAlreadyStreaming, "stream already active").WithDevice(l.DeviceID)
	}
	reader := l.reader
	header := l.header
	streamCtx, cancel := context.WithCancel(ctx)
	l.streaming = true
	l.cancel = cancel
	l.mu.Unlock()

	go l.readLoop(streamCtx, reader, header, sink)
	return nil
}

func (l *LSL) readLoop(ctx context.Context, reader *bufio.Reader, header lslHeader, sink Sink) {
	info := l.Describe()
	chunkSamples := int(header.NominalSRate / 20)
	if chunkSamples < 1 {
		chunkSamples = 1
	}
	frame := make([]byte, 8+4*header.ChannelCount)

	batch := make([][]float32, header.ChannelCount)
	var batchTs int64
	reset := func() {
		batch = make([][]float32, header.ChannelCount)
		for i := range batch {
			batch[i] = make([]float32, 0, chunkSamples)
		}
	}
	reset()

	for ctx.Err() == nil {
		if _, err := io.ReadFull(reader, frame); err != nil {
			if ctx.Err() == nil && err != io.EOF {
				log.Warnf("lsl %s: read: %v", l.DeviceID, err)
			}
			return
		}
		ts := int64(binary.LittleEndian.Uint64(frame[:8]))
		if len(batch[0]) == 0 {
			batchTs = ts
		}
		for ch := 0; ch < header.ChannelCount; ch++ {
			bits := binary.LittleEndian.Uint32(frame[8+ch*4:])
			batch[ch] = append(batch[ch], math.Float32frombits(bits))
		}
		if len(batch[0]) >= chunkSamples {
			l.mu.Lock()
			l.seq++
			seq := l.seq
			l.mu.Unlock()
			sink(&types.SampleChunk{
				DeviceID:       l.DeviceID,
				DataType:       info.DataType,
				SamplingRateHz: uint32(header.NominalSRate),
				Channels:       info.Channels,
				Samples:        batch,
				ChunkSeq:       seq,
				DeviceTsNs:     batchTs,
			})
			reset()
		}
	}
}

func (l *LSL) StopStream(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.streaming = false
	return nil
}

// CheckImpedance is not meaningful for a passive subscriber.
func (l *LSL) CheckImpedance(_ context.Context) (map[string]float64, error) {
	return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
		"lsl feeds carry no electrode telemetry").WithDevice(l.DeviceID)
}

func (l *LSL) ProbeQuality(ctx context.Context, d time.Duration) (*types.QualityReport, error) {
	return probeQualityViaStream(ctx, l, l.DeviceID, d)
}
