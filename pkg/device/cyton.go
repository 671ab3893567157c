// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package device

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/neurascale/neural-engine/pkg/dsp"
	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Cyton board framing.
const (
	cytonPacketLen  = 33
	cytonHeader     = 0xA0
	cytonFooterBase = 0xC0 // footer is 0xC0..0xCF
	cytonChannels   = 8
	cytonRate       = 250
	// cytonScale converts a 24-bit ADC count to microvolts at gain 24.
	cytonScale = 0.022351744

	cytonCmdStartStream = 'b'
	cytonCmdStopStream  = 's'
	cytonCmdReset       = 'v'

	cytonDefaultBaud = 115200
	// cytonChunkSamples batches 50 ms of samples per chunk.
	cytonChunkSamples = cytonRate / 20
)

// openPort is swapped out by tests.
type openPortFunc func(endpoint string, baud int) (io.ReadWriteCloser, error)

func openSerialPort(endpoint string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(endpoint, &serial.Mode{BaudRate: baud})
}

// Cyton drives Cyton-class boards over a serial line: 33-byte packets, one
// sample across 8 channels per packet, 24-bit big-endian two's complement.
type Cyton struct {
	DeviceID string
	open     openPortFunc

	mu        sync.Mutex
	port      io.ReadWriteCloser
	streaming bool
	cancel    context.CancelFunc
	seq       uint64
}

// NewCyton builds a driver for a serial endpoint.
func NewCyton(deviceID string) *Cyton {
	return &Cyton{DeviceID: deviceID, open: openSerialPort}
}

func (c *Cyton) Connect(_ context.Context, params ConnectParams) error {
	baud, err := strconv.Atoi(params.Option("baud", strconv.Itoa(cytonDefaultBaud)))
	if err != nil {
		return errcode.Newf(errcode.Configuration, errcode.CodeInvalidConfig,
			"bad baud rate %q", params.Options["baud"]).WithDevice(c.DeviceID)
	}
	port, err := c.open(params.Endpoint, baud)
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(c.DeviceID)
	}
	// reset pulls the board out of any prior streaming state
	if _, err := port.Write([]byte{cytonCmdReset}); err != nil {
		port.Close()
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(c.DeviceID)
	}
	c.mu.Lock()
	c.port = port
	c.seq = 0
	c.mu.Unlock()
	return nil
}

func (c *Cyton) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.streaming = false
	if c.port == nil {
		return nil
	}
	c.port.Write([]byte{cytonCmdStopStream})
	err := c.port.Close()
	c.port = nil
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(c.DeviceID)
	}
	return nil
}

func (c *Cyton) Describe() DeviceInfo {
	channels := make([]types.Channel, cytonChannels)
	for i := range channels {
		channels[i] = types.Channel{
			ID:    i,
			Label: fmt.Sprintf("CH%d", i+1),
			Kind:  types.ChannelKindSignal,
			Unit:  "uV",
		}
	}
	return DeviceInfo{
		DeviceType:             "cyton",
		DataType:               types.DataTypeEEG,
		Channels:               channels,
		SamplingRate:           cytonRate,
		SupportsImpedanceCheck: false,
		SupportsBattery:        false,
	}
}

// parseCytonSample decodes one 33-byte packet into per-channel microvolts.
// The second return is the board's rolling sample counter.
func parseCytonSample(pkt []byte) ([cytonChannels]float32, byte, error) {
	var out [cytonChannels]float32
	if len(pkt) != cytonPacketLen {
		return out, 0, fmt.Errorf("packet length %d", len(pkt))
	}
	if pkt[0] != cytonHeader {
		return out, 0, fmt.Errorf("bad header byte 0x%02X", pkt[0])
	}
	if pkt[cytonPacketLen-1]&0xF0 != cytonFooterBase {
		return out, 0, fmt.Errorf("bad footer byte 0x%02X", pkt[cytonPacketLen-1])
	}
	for ch := 0; ch < cytonChannels; ch++ {
		off := 2 + ch*3
		raw := int32(pkt[off])<<16 | int32(pkt[off+1])<<8 | int32(pkt[off+2])
		if raw&0x800000 != 0 { // sign-extend 24-bit
			raw |= ^int32(0xFFFFFF)
		}
		out[ch] = float32(float64(raw) * cytonScale)
	}
	return out, pkt[1], nil
}

func (c *Cyton) StartStream(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	if c.port == nil {
		c.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol, "not connected").WithDevice(c.DeviceID)
	}
	if c.streaming {
		c.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeAlreadyStreaming, "stream already active").WithDevice(c.DeviceID)
	}
	port := c.port
	streamCtx, cancel := context.WithCancel(ctx)
	c.streaming = true
	c.cancel = cancel
	c.mu.Unlock()

	if _, err := port.Write([]byte{cytonCmdStartStream}); err != nil {
		cancel()
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(c.DeviceID)
	}

	go c.readLoop(streamCtx, port, sink)
	return nil
}

// readLoop resynchronizes on the 0xA0..footer framing and batches samples
// into chunks.
func (c *Cyton) readLoop(ctx context.Context, port io.Reader, sink Sink) {
	info := c.Describe()
	var (
		buf     []byte
		batch   [][]float32
		batchTs int64
		rdbuf   = make([]byte, 4096)
	)
	resetBatch := func() {
		batch = make([][]float32, cytonChannels)
		for i := range batch {
			batch[i] = make([]float32, 0, cytonChunkSamples)
		}
		batchTs = time.Now().UnixNano()
	}
	resetBatch()

	for ctx.Err() == nil {
		n, err := port.Read(rdbuf)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				log.Warnf("cyton %s: serial read: %v", c.DeviceID, err)
			}
			return
		}
		buf = append(buf, rdbuf[:n]...)

		for len(buf) >= cytonPacketLen {
			if buf[0] != cytonHeader {
				buf = buf[1:] // slide to the next frame boundary
				continue
			}
			pkt := buf[:cytonPacketLen]
			values, _, err := parseCytonSample(pkt)
			if err != nil {
				buf = buf[1:]
				continue
			}
			buf = buf[cytonPacketLen:]
			if len(batch[0]) == 0 {
				batchTs = time.Now().UnixNano()
			}
			for ch := 0; ch < cytonChannels; ch++ {
				batch[ch] = append(batch[ch], values[ch])
			}
			if len(batch[0]) >= cytonChunkSamples {
				c.mu.Lock()
				c.seq++
				seq := c.seq
				c.mu.Unlock()
				sink(&types.SampleChunk{
					DeviceID:       c.DeviceID,
					DataType:       types.DataTypeEEG,
					SamplingRateHz: cytonRate,
					Channels:       info.Channels,
					Samples:        batch,
					ChunkSeq:       seq,
					DeviceTsNs:     batchTs,
				})
				resetBatch()
			}
		}
	}
}

func (c *Cyton) StopStream(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.streaming && c.port != nil {
		if _, err := c.port.Write([]byte{cytonCmdStopStream}); err != nil {
			c.streaming = false
			return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(c.DeviceID)
		}
	}
	c.streaming = false
	return nil
}

func (c *Cyton) CheckImpedance(_ context.Context) (map[string]float64, error) {
	return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
		"cyton firmware does not expose impedance readout").WithDevice(c.DeviceID)
}

func (c *Cyton) ProbeQuality(ctx context.Context, d time.Duration) (*types.QualityReport, error) {
	return probeQualityViaStream(ctx, c, c.DeviceID, d)
}

// probeQualityViaStream collects d worth of samples through a temporary
// stream and scores them. Shared by drivers without a native quality probe.
func probeQualityViaStream(ctx context.Context, drv Driver, deviceID string, d time.Duration) (*types.QualityReport, error) {
	var (
		mu       sync.Mutex
		channels [][]float32
	)
	sink := func(chunk *types.SampleChunk) {
		mu.Lock()
		defer mu.Unlock()
		if channels == nil {
			channels = make([][]float32, chunk.NumChannels())
		}
		for i := range chunk.Samples {
			if i < len(channels) {
				channels[i] = append(channels[i], chunk.Samples[i]...)
			}
		}
	}
	if err := drv.StartStream(ctx, sink); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		drv.StopStream(context.Background())
		return nil, ctx.Err()
	case <-time.After(d):
	}
	if err := drv.StopStream(ctx); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(channels) == 0 || len(channels[0]) == 0 {
		return nil, errcode.Newf(errcode.Transient, errcode.CodeHardware,
			"no samples received during %s probe", d).WithDevice(deviceID)
	}
	fs := drv.Describe().SamplingRate
	report := dsp.Quality(channels, fs, dsp.DefaultQualityWeights)
	report.DeviceID = deviceID
	report.TsNs = time.Now().UnixNano()
	return report, nil
}
