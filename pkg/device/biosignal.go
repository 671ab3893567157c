// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// BoardID selects a board profile in the biosignal driver.
type BoardID string

// Supported biosignal boards.
const (
	BoardGanglion BoardID = "ganglion"
	BoardMuse2    BoardID = "muse2"
)

// boardSpec is the static profile of a board.
type boardSpec struct {
	deviceType string
	channels   int
	rate       uint32
	// scale converts one raw ADC count to microvolts.
	scale             float64
	supportsImpedance bool
	supportsBattery   bool
}

// Ganglion uses a 24-bit ADC with 1.2 V reference; Muse 2 delivers 12-bit
// samples centered on 2048.
var boardTable = map[BoardID]boardSpec{
	BoardGanglion: {
		deviceType:        "ganglion",
		channels:          4,
		rate:              200,
		scale:             1.2 / 8388607.0 * 1e6,
		supportsImpedance: true,
	},
	BoardMuse2: {
		deviceType:      "muse2",
		channels:        4,
		rate:            256,
		scale:           0.48828125,
		supportsBattery: true,
	},
}

// sampleFrame is one multiplexed sample across all board channels, in raw
// ADC counts.
type sampleFrame struct {
	counts []int32
}

// BoardLink is the transport under a biosignal board. Open returns a frame
// stream that closes when the link drops or ctx is done.
type BoardLink interface {
	Open(ctx context.Context, endpoint string) (<-chan sampleFrame, error)
	Close() error
}

// Biosignal drives SDK-class boards (Ganglion, Muse) through a BoardLink.
type Biosignal struct {
	DeviceID string
	Board    BoardID
	link     BoardLink

	mu        sync.Mutex
	frames    <-chan sampleFrame
	streaming bool
	cancel    context.CancelFunc
	seq       uint64
}

// NewBiosignal builds a driver for the given board over BLE.
func NewBiosignal(deviceID string, board BoardID) (*Biosignal, error) {
	spec, ok := boardTable[board]
	if !ok {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeInvalidConfig,
			"unknown biosignal board %q", board)
	}
	return &Biosignal{DeviceID: deviceID, Board: board, link: newBLELink(board, spec)}, nil
}

// newBiosignalWithLink is the test seam.
func newBiosignalWithLink(deviceID string, board BoardID, link BoardLink) *Biosignal {
	return &Biosignal{DeviceID: deviceID, Board: board, link: link}
}

func (b *Biosignal) spec() boardSpec { return boardTable[b.Board] }

func (b *Biosignal) Connect(ctx context.Context, params ConnectParams) error {
	frames, err := b.link.Open(ctx, params.Endpoint)
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(b.DeviceID)
	}
	b.mu.Lock()
	b.frames = frames
	b.seq = 0
	b.mu.Unlock()
	return nil
}

func (b *Biosignal) Disconnect(_ context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.streaming = false
	b.frames = nil
	b.mu.Unlock()
	if err := b.link.Close(); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeHardware, err).WithDevice(b.DeviceID)
	}
	return nil
}

func (b *Biosignal) Describe() DeviceInfo {
	spec := b.spec()
	channels := make([]types.Channel, spec.channels)
	for i := range channels {
		channels[i] = types.Channel{
			ID:    i,
			Label: fmt.Sprintf("%s-%d", spec.deviceType, i+1),
			Kind:  types.ChannelKindSignal,
			Unit:  "uV",
		}
	}
	return DeviceInfo{
		DeviceType:             spec.deviceType,
		DataType:               types.DataTypeEEG,
		Channels:               channels,
		SamplingRate:           float64(spec.rate),
		SupportsImpedanceCheck: spec.supportsImpedance,
		SupportsBattery:        spec.supportsBattery,
	}
}

func (b *Biosignal) StartStream(ctx context.Context, sink Sink) error {
	b.mu.Lock()
	if b.frames == nil {
		b.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol, "not connected").WithDevice(b.DeviceID)
	}
	if b.streaming {
		b.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeAlreadyStreaming, "stream already active").WithDevice(b.DeviceID)
	}
	frames := b.frames
	streamCtx, cancel := context.WithCancel(ctx)
	b.streaming = true
	b.cancel = cancel
	b.mu.Unlock()

	go b.batchLoop(streamCtx, frames, sink)
	return nil
}

// batchLoop groups frames into 50 ms chunks.
func (b *Biosignal) batchLoop(ctx context.Context, frames <-chan sampleFrame, sink Sink) {
	spec := b.spec()
	info := b.Describe()
	chunkSamples := int(spec.rate / 20)
	if chunkSamples < 1 {
		chunkSamples = 1
	}

	batch := make([][]float32, spec.channels)
	var batchTs int64
	reset := func() {
		for i := range batch {
			batch[i] = make([]float32, 0, chunkSamples)
		}
	}
	reset()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if len(frame.counts) < spec.channels {
				continue
			}
			if len(batch[0]) == 0 {
				batchTs = time.Now().UnixNano()
			}
			for ch := 0; ch < spec.channels; ch++ {
				batch[ch] = append(batch[ch], float32(float64(frame.counts[ch])*spec.scale))
			}
			if len(batch[0]) >= chunkSamples {
				b.mu.Lock()
				b.seq++
				seq := b.seq
				b.mu.Unlock()
				sink(&types.SampleChunk{
					DeviceID:       b.DeviceID,
					DataType:       types.DataTypeEEG,
					SamplingRateHz: spec.rate,
					Channels:       info.Channels,
					Samples:        batch,
					ChunkSeq:       seq,
					DeviceTsNs:     batchTs,
				})
				batch = make([][]float32, spec.channels)
				reset()
			}
		}
	}
}

func (b *Biosignal) StopStream(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.streaming = false
	return nil
}

func (b *Biosignal) CheckImpedance(_ context.Context) (map[string]float64, error) {
	if !b.spec().supportsImpedance {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
			"board %s does not report impedance", b.Board).WithDevice(b.DeviceID)
	}
	// Ganglion reports impedance through the same frame stream while in
	// impedance mode; the link surfaces the latest readings.
	if ir, ok := b.link.(impedanceReader); ok {
		return ir.Impedance()
	}
	return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
		"link does not support impedance readout").WithDevice(b.DeviceID)
}

type impedanceReader interface {
	Impedance() (map[string]float64, error)
}

func (b *Biosignal) ProbeQuality(ctx context.Context, d time.Duration) (*types.QualityReport, error) {
	return probeQualityViaStream(ctx, b, b.DeviceID, d)
}

// decodeGanglionRaw unpacks a type-0 (uncompressed) Ganglion packet: byte 0
// is the packet id, then four 24-bit big-endian two's complement counts.
func decodeGanglionRaw(pkt []byte) (sampleFrame, bool) {
	if len(pkt) < 13 || pkt[0] != 0 {
		return sampleFrame{}, false
	}
	counts := make([]int32, 4)
	for ch := 0; ch < 4; ch++ {
		off := 1 + ch*3
		raw := int32(pkt[off])<<16 | int32(pkt[off+1])<<8 | int32(pkt[off+2])
		if raw&0x800000 != 0 {
			raw |= ^int32(0xFFFFFF)
		}
		counts[ch] = raw
	}
	return sampleFrame{counts: counts}, true
}

// decodeMuseChannel unpacks one Muse EEG characteristic packet: a 16-bit
// packet index followed by twelve 12-bit samples, offset-binary around 2048.
func decodeMuseChannel(pkt []byte) (index uint16, counts []int32, ok bool) {
	if len(pkt) != 20 {
		return 0, nil, false
	}
	index = uint16(pkt[0])<<8 | uint16(pkt[1])
	counts = make([]int32, 12)
	bits := pkt[2:]
	for i := 0; i < 12; i++ {
		var v int32
		if i%2 == 0 {
			off := i / 2 * 3
			v = int32(bits[off])<<4 | int32(bits[off+1])>>4
		} else {
			off := i / 2 * 3
			v = (int32(bits[off+1])&0x0F)<<8 | int32(bits[off+2])
		}
		counts[i] = v - 2048
	}
	return index, counts, true
}

// Muse GATT identifiers.
var (
	museServiceUUID = mustUUID("0000fe8d-0000-1000-8000-00805f9b34fb")
	museEEGChars    = []string{
		"273e0003-4c4d-454d-96be-f03bac821358", // TP9
		"273e0004-4c4d-454d-96be-f03bac821358", // AF7
		"273e0005-4c4d-454d-96be-f03bac821358", // AF8
		"273e0006-4c4d-454d-96be-f03bac821358", // TP10
	}
)

// Ganglion (Simblee) GATT identifiers.
var (
	ganglionServiceUUID = mustUUID("fe84")
	ganglionRecvChar    = "2d30c082-f39f-4ce6-923f-3484ea480596"
	ganglionSendChar    = "2d30c083-f39f-4ce6-923f-3484ea480596"
)

func mustUUID(s string) bluetooth.UUID {
	if len(s) == 4 {
		var short uint16
		fmt.Sscanf(s, "%04x", &short)
		return bluetooth.New16BitUUID(short)
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// bleLink connects to a board over BLE and turns GATT notifications into
// sample frames.
type bleLink struct {
	board BoardID
	spec  boardSpec

	mu     sync.Mutex
	device bluetooth.Device
	open   bool
	out    chan sampleFrame

	// per-channel staging for boards that notify one channel at a time
	staged [][]int32
}

func newBLELink(board BoardID, spec boardSpec) *bleLink {
	return &bleLink{board: board, spec: spec}
}

func (l *bleLink) Open(ctx context.Context, endpoint string) (<-chan sampleFrame, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bluetooth adapter: %w", err)
	}

	addr, err := scanForAddress(ctx, adapter, endpoint)
	if err != nil {
		return nil, err
	}
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble connect %s: %w", endpoint, err)
	}

	l.mu.Lock()
	l.device = device
	l.open = true
	l.out = make(chan sampleFrame, 256)
	l.staged = make([][]int32, l.spec.channels)
	l.mu.Unlock()

	switch l.board {
	case BoardMuse2:
		err = l.subscribeMuse(device)
	case BoardGanglion:
		err = l.subscribeGanglion(device)
	default:
		err = fmt.Errorf("no BLE profile for board %s", l.board)
	}
	if err != nil {
		device.Disconnect()
		return nil, err
	}
	return l.out, nil
}

// scanForAddress resolves a MAC or advertised name to a connectable address.
func scanForAddress(ctx context.Context, adapter *bluetooth.Adapter, endpoint string) (bluetooth.Address, error) {
	var (
		found bluetooth.Address
		done  = make(chan struct{})
		once  sync.Once
	)
	go func() {
		<-ctx.Done()
		adapter.StopScan()
	}()
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == endpoint || result.LocalName() == endpoint {
			found = result.Address
			once.Do(func() { close(done) })
			a.StopScan()
		}
	})
	if err != nil {
		return found, fmt.Errorf("ble scan: %w", err)
	}
	select {
	case <-done:
		return found, nil
	case <-ctx.Done():
		return found, ctx.Err()
	}
}

func (l *bleLink) subscribeMuse(device bluetooth.Device) error {
	services, err := device.DiscoverServices([]bluetooth.UUID{museServiceUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("muse service discovery: %v", err)
	}
	var uuids []bluetooth.UUID
	for _, s := range museEEGChars {
		uuids = append(uuids, mustUUID(s))
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return fmt.Errorf("muse characteristic discovery: %w", err)
	}
	for i := range chars {
		ch := i
		if err := chars[i].EnableNotifications(func(buf []byte) {
			_, counts, ok := decodeMuseChannel(buf)
			if !ok {
				return
			}
			l.stageChannel(ch, counts)
		}); err != nil {
			return fmt.Errorf("muse notifications ch %d: %w", i, err)
		}
	}
	return nil
}

func (l *bleLink) subscribeGanglion(device bluetooth.Device) error {
	services, err := device.DiscoverServices([]bluetooth.UUID{ganglionServiceUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("ganglion service discovery: %v", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		mustUUID(ganglionRecvChar), mustUUID(ganglionSendChar),
	})
	if err != nil || len(chars) < 2 {
		return fmt.Errorf("ganglion characteristic discovery: %v", err)
	}
	if err := chars[0].EnableNotifications(func(buf []byte) {
		frame, ok := decodeGanglionRaw(buf)
		if !ok {
			return
		}
		l.emit(frame)
	}); err != nil {
		return fmt.Errorf("ganglion notifications: %w", err)
	}
	// 'b' starts streaming in raw (uncompressed) mode
	if _, err := chars[1].WriteWithoutResponse([]byte{'b'}); err != nil {
		return fmt.Errorf("ganglion start command: %w", err)
	}
	return nil
}

// stageChannel zips per-channel notification packets into multiplexed
// frames once every channel has data.
func (l *bleLink) stageChannel(ch int, counts []int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch >= len(l.staged) {
		return
	}
	l.staged[ch] = append(l.staged[ch], counts...)
	for {
		for _, s := range l.staged {
			if len(s) == 0 {
				return
			}
		}
		frame := sampleFrame{counts: make([]int32, len(l.staged))}
		for i := range l.staged {
			frame.counts[i] = l.staged[i][0]
			l.staged[i] = l.staged[i][1:]
		}
		l.emitLocked(frame)
	}
}

func (l *bleLink) emit(frame sampleFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(frame)
}

func (l *bleLink) emitLocked(frame sampleFrame) {
	if !l.open {
		return
	}
	select {
	case l.out <- frame:
	default:
		log.Tracef("biosignal %s: frame buffer full, frame dropped", l.board)
	}
}

func (l *bleLink) Impedance() (map[string]float64, error) {
	return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
		"impedance mode not enabled on this link")
}

func (l *bleLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}
	l.open = false
	close(l.out)
	return l.device.Disconnect()
}
