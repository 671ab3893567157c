// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package devicemanager owns the attached-device registry, the single
// current session, device health monitoring and the per-device telemetry
// pipeline.
package devicemanager

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/device"
	"github.com/neurascale/neural-engine/pkg/discovery"
	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// ChunkSink receives session-stamped chunks from streaming devices.
type ChunkSink func(ctx context.Context, chunk *types.SampleChunk)

// Ledger is the subset of the ledger the manager appends through.
type Ledger interface {
	Append(ctx context.Context, in ledger.Intent) (uuid.UUID, error)
}

// SessionStore persists closed sessions past the life of the process.
// Sessions are never destroyed by default; retention policy lives in the
// store, not here.
type SessionStore interface {
	Save(ctx context.Context, session *types.Session) error
	Get(ctx context.Context, id string) (*types.Session, error)
}

// managedDevice is one registry entry.
type managedDevice struct {
	handle *device.Handle
	info   device.DeviceInfo
	params device.ConnectParams

	mu          sync.Mutex
	snapshot    types.HealthSnapshot
	degraded    int // consecutive degraded-or-worse intervals
	samplesSeen uint64
	bytesSeen   uint64
	chunksSeen  uint64
	lastSamples uint64 // monitor-tick baseline
	lastBytes   uint64
	lastQuality float64
}

// Manager is the device control plane.
type Manager struct {
	cfg     *config.Config
	ledger  Ledger
	scanner *discovery.Scanner
	sink    ChunkSink
	ring    *TelemetryRing
	clk     clock.Clock

	// OnAlert is invoked for every raised health alert. Optional.
	OnAlert func(alert types.HealthAlert)
	// Store receives closed sessions. Optional; without it closed sessions
	// survive only in process memory.
	Store SessionStore

	mu      sync.Mutex
	devices map[string]*managedDevice
	session *types.Session
	closed  map[string]*types.Session
}

// New wires a manager. sink may be nil until streaming is used.
func New(cfg *config.Config, lg Ledger, scanner *discovery.Scanner, ring *TelemetryRing, sink ChunkSink, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:     cfg,
		ledger:  lg,
		scanner: scanner,
		sink:    sink,
		ring:    ring,
		clk:     clk,
		devices: make(map[string]*managedDevice),
		closed:  make(map[string]*types.Session),
	}
}

func (m *Manager) ledgerEvent(ctx context.Context, eventType ledger.EventType, deviceID string, metadata map[string]interface{}) {
	if m.ledger == nil {
		return
	}
	var sessionID string
	m.mu.Lock()
	if m.session != nil {
		sessionID = m.session.ID
	}
	m.mu.Unlock()
	if _, err := m.ledger.Append(ctx, ledger.NewIntent(eventType, sessionID, deviceID, "", metadata)); err != nil {
		log.Warnf("device manager: ledger append %s: %v", eventType, err)
	}
}

func (m *Manager) record(deviceID, kind string, fields map[string]interface{}) {
	if m.ring == nil {
		return
	}
	m.ring.Record(TelemetryEvent{
		TsNs:     m.clk.Now().UnixNano(),
		DeviceID: deviceID,
		Kind:     kind,
		Fields:   fields,
	})
}

func (m *Manager) get(deviceID string) (*managedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.devices[deviceID]
	if !ok {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeDeviceNotFound,
			"device %s not registered", deviceID).WithDevice(deviceID)
	}
	return md, nil
}

// AddDevice registers a driver under the given id. Re-adding an existing id
// is a no-op.
func (m *Manager) AddDevice(ctx context.Context, deviceID string, drv device.Driver, params device.ConnectParams) error {
	m.mu.Lock()
	if _, exists := m.devices[deviceID]; !exists {
		md := &managedDevice{
			params: params,
			info:   drv.Describe(),
		}
		md.handle = device.NewHandle(deviceID, drv, m.onTransition)
		md.snapshot = types.HealthSnapshot{DeviceID: deviceID, Status: types.HealthHealthy}
		m.devices[deviceID] = md
	}
	m.mu.Unlock()

	m.ledgerEvent(ctx, ledger.EventDeviceConnected, deviceID,
		map[string]interface{}{"op": "add_device", "device_type": drv.Describe().DeviceType})
	return nil
}

// RemoveDevice disconnects and drops the device. Unknown ids are a no-op.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	md, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()
	if ok {
		if err := md.handle.Disconnect(ctx); err != nil {
			log.Warnf("device manager: disconnect during removal of %s: %v", deviceID, err)
		}
	}
	m.ledgerEvent(ctx, ledger.EventDeviceDisconnected, deviceID,
		map[string]interface{}{"op": "remove_device"})
	return nil
}

// Connect drives the device to Connected. Already-connected devices
// succeed without effect.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	md, err := m.get(deviceID)
	if err != nil {
		return err
	}
	err = md.handle.Connect(ctx, md.params)
	m.ledgerEvent(ctx, ledger.EventDeviceConnected, deviceID,
		map[string]interface{}{"op": "connect", "state": md.handle.State().String()})
	if err != nil {
		m.record(deviceID, TelemetryError, map[string]interface{}{"op": "connect", "error": err.Error()})
		return err
	}
	m.record(deviceID, TelemetryConnection, map[string]interface{}{"state": "connected"})
	return nil
}

// Disconnect drives the device to Closed. Idempotent.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	md, err := m.get(deviceID)
	if err != nil {
		return err
	}
	err = md.handle.Disconnect(ctx)
	m.ledgerEvent(ctx, ledger.EventDeviceDisconnected, deviceID,
		map[string]interface{}{"op": "disconnect", "state": md.handle.State().String()})
	if err != nil {
		return err
	}
	m.record(deviceID, TelemetryConnection, map[string]interface{}{"state": "closed"})
	return nil
}

// StartStreaming attaches the device's stream to the chunk sink under the
// given session.
func (m *Manager) StartStreaming(ctx context.Context, deviceID, sessionID string) error {
	md, err := m.get(deviceID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil || session.ID != sessionID {
		return errcode.Newf(errcode.Validation, errcode.CodeUnknownSession,
			"session %s is not the active session", sessionID).WithDevice(deviceID).WithSession(sessionID)
	}

	// The stream outlives the request that started it: only StopStreaming
	// or EndSession may end it. Ledger appends from the stream run on the
	// detached context too.
	streamCtx := context.WithoutCancel(ctx)
	sink := func(chunk *types.SampleChunk) {
		chunk.SessionID = sessionID
		md.mu.Lock()
		md.chunksSeen++
		md.samplesSeen += uint64(chunk.NumSamples())
		md.bytesSeen += uint64(chunk.NumSamples() * chunk.NumChannels() * 4)
		md.mu.Unlock()
		if m.sink != nil {
			m.sink(streamCtx, chunk)
		}
	}
	onGap := func(devID string, fromSeq, toSeq uint64, gapNs int64) {
		m.record(devID, TelemetryDataFlow, map[string]interface{}{
			"gap_from_seq": fromSeq, "gap_to_seq": toSeq, "gap_ns": gapNs,
		})
		m.ledgerEvent(streamCtx, ledger.EventAnomalyDetected, devID, map[string]interface{}{
			"reason": "gap_sample", "from_seq": fromSeq, "to_seq": toSeq, "length_ns": gapNs,
		})
	}
	if err := md.handle.StartStreaming(streamCtx, sink, onGap); err != nil {
		m.record(deviceID, TelemetryError, map[string]interface{}{"op": "start_streaming", "error": err.Error()})
		return err
	}
	m.record(deviceID, TelemetryDataFlow, map[string]interface{}{"state": "streaming", "session_id": sessionID})
	return nil
}

// StopStreaming halts the device's stream. Idempotent.
func (m *Manager) StopStreaming(ctx context.Context, deviceID string) error {
	md, err := m.get(deviceID)
	if err != nil {
		return err
	}
	if err := md.handle.StopStreaming(ctx); err != nil {
		return err
	}
	m.record(deviceID, TelemetryDataFlow, map[string]interface{}{"state": "stopped"})
	return nil
}

// SessionMeta is the caller-supplied session descriptor.
type SessionMeta struct {
	SubjectID      string         `json:"subject_id"`
	Paradigm       string         `json:"paradigm,omitempty"`
	DataType       types.DataType `json:"data_type"`
	SamplingRateHz uint32         `json:"sampling_rate_hz"`
	NumChannels    int            `json:"num_channels"`
	DeviceIDs      []string       `json:"device_ids,omitempty"`
}

// StartSession opens the current session. A second concurrent session is a
// conflict.
func (m *Manager) StartSession(ctx context.Context, meta SessionMeta) (*types.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	m.mu.Lock()
	if m.session != nil {
		active := m.session.ID
		m.mu.Unlock()
		return nil, errcode.Newf(errcode.Validation, errcode.CodeSessionConflict,
			"session %s is already active", active).WithSession(active)
	}
	session := &types.Session{
		ID:             id.String(),
		SubjectID:      meta.SubjectID,
		DeviceIDs:      meta.DeviceIDs,
		Paradigm:       meta.Paradigm,
		DataType:       meta.DataType,
		SamplingRateHz: meta.SamplingRateHz,
		NumChannels:    meta.NumChannels,
		StartTsNs:      m.clk.Now().UnixNano(),
		Status:         types.SessionActive,
		Version:        1,
	}
	m.session = session
	m.mu.Unlock()

	m.ledgerEvent(ctx, ledger.EventSessionCreated, "", map[string]interface{}{
		"session_id": session.ID,
		"paradigm":   session.Paradigm,
		"data_type":  session.DataType.String(),
	})
	log.Infof("session %s started (%s, %d ch @ %d Hz)",
		session.ID, session.DataType, session.NumChannels, session.SamplingRateHz)
	snapshot := *session
	return &snapshot, nil
}

// EndSession closes the current session and stops all streaming devices.
// Ending with no active session is a no-op.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	var streaming []*managedDevice
	for _, md := range m.devices {
		if md.handle.State() == device.StateStreaming {
			streaming = append(streaming, md)
		}
	}
	m.mu.Unlock()
	if session == nil {
		return nil
	}

	for _, md := range streaming {
		if err := md.handle.StopStreaming(ctx); err != nil {
			log.Warnf("device manager: stop streaming %s on session end: %v", md.handle.ID, err)
		}
	}
	session.Status = types.SessionClosed
	session.EndTsNs = m.clk.Now().UnixNano()

	// Closed sessions stay retrievable; the default retention is never.
	snapshot := *session
	m.mu.Lock()
	m.closed[session.ID] = &snapshot
	m.mu.Unlock()
	if m.Store != nil {
		if err := m.Store.Save(ctx, &snapshot); err != nil {
			log.Warnf("device manager: persist closed session %s: %v", session.ID, err)
		}
	}

	m.ledgerEvent(ctx, ledger.EventSessionClosed, "", map[string]interface{}{
		"session_id":  session.ID,
		"duration_ns": session.EndTsNs - session.StartTsNs,
	})
	log.Infof("session %s ended", session.ID)
	return nil
}

// Lookup returns the session with the given id, active or closed.
func (m *Manager) Lookup(ctx context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	if m.session != nil && m.session.ID == id {
		snapshot := *m.session
		m.mu.Unlock()
		return &snapshot, nil
	}
	if session, ok := m.closed[id]; ok {
		snapshot := *session
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()

	if m.Store != nil {
		session, err := m.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
	}
	return nil, errcode.Newf(errcode.Validation, errcode.CodeUnknownSession,
		"session %s not found", id).WithSession(id)
}

// Session returns a copy of the active session, or nil.
func (m *Manager) Session() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	snapshot := *m.session
	return &snapshot
}

// CheckImpedance proxies to the driver.
func (m *Manager) CheckImpedance(ctx context.Context, deviceID string) (map[string]float64, error) {
	md, err := m.get(deviceID)
	if err != nil {
		return nil, err
	}
	values, err := md.handle.Driver.CheckImpedance(ctx)
	if err != nil {
		return nil, err
	}
	m.record(deviceID, TelemetrySignalQuality, map[string]interface{}{"impedance_channels": len(values)})
	return values, nil
}

// GetSignalQuality probes the device's signal for the given duration.
func (m *Manager) GetSignalQuality(ctx context.Context, deviceID string, d time.Duration) (*types.QualityReport, error) {
	md, err := m.get(deviceID)
	if err != nil {
		return nil, err
	}
	report, err := md.handle.Driver.ProbeQuality(ctx, d)
	if err != nil {
		m.record(deviceID, TelemetryError, map[string]interface{}{"op": "probe_quality", "error": err.Error()})
		return nil, err
	}
	md.mu.Lock()
	md.lastQuality = report.Overall
	md.mu.Unlock()
	m.record(deviceID, TelemetrySignalQuality, map[string]interface{}{"overall": report.Overall})
	return report, nil
}

// ListDiscovered runs a one-shot scan.
func (m *Manager) ListDiscovered(ctx context.Context, timeout time.Duration) discovery.Result {
	if m.scanner == nil {
		return discovery.Result{}
	}
	return m.scanner.QuickScan(ctx, timeout)
}

// CreateFromDiscovery instantiates the right driver for a discovery entry
// and registers it. The registered device id is the discovery id, so
// repeated creation of the same entry is idempotent.
func (m *Manager) CreateFromDiscovery(ctx context.Context, d types.DiscoveredDevice) (string, error) {
	deviceID := d.DiscoveryID
	var drv device.Driver
	switch d.Protocol {
	case types.ProtocolSerial:
		drv = device.NewCyton(deviceID)
	case types.ProtocolBluetooth:
		board := device.BoardID(d.DeviceType)
		b, err := device.NewBiosignal(deviceID, board)
		if err != nil {
			return "", err
		}
		drv = b
	case types.ProtocolLSL:
		drv = device.NewLSL(deviceID, d.FriendlyName)
	case types.ProtocolSynthetic:
		drv = device.NewSynthetic(device.SyntheticConfig{DeviceID: deviceID, Seed: 0x1234})
	default:
		return "", errcode.Newf(errcode.Validation, errcode.CodeDeviceUnsupported,
			"no driver for protocol %s", d.Protocol)
	}
	err := m.AddDevice(ctx, deviceID, drv, device.ConnectParams{Endpoint: d.Endpoint})
	return deviceID, err
}

// Devices returns the registry view: device id to lifecycle state.
func (m *Manager) Devices() map[string]device.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]device.State, len(m.devices))
	for id, md := range m.devices {
		out[id] = md.handle.State()
	}
	return out
}

// Info returns the device descriptor.
func (m *Manager) Info(deviceID string) (device.DeviceInfo, error) {
	md, err := m.get(deviceID)
	if err != nil {
		return device.DeviceInfo{}, err
	}
	return md.info, nil
}

// onTransition records lifecycle changes in the telemetry ring.
func (m *Manager) onTransition(deviceID string, from, to device.State, cause error) {
	fields := map[string]interface{}{"from": from.String(), "to": to.String()}
	kind := TelemetryConnection
	if to == device.StateErrored {
		kind = TelemetryError
		if cause != nil {
			fields["error"] = cause.Error()
		}
	}
	m.record(deviceID, kind, fields)
}
