// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package device defines the driver capability contract and the lifecycle
// state machine shared by every acquisition device the engine talks to.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/telemetry"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Sink receives sample chunks from a streaming driver. Implementations must
// not block; slow consumers buffer on their side.
type Sink func(chunk *types.SampleChunk)

// DeviceInfo describes a connected device's capabilities.
type DeviceInfo struct {
	DeviceType   string          `json:"device_type"`
	DataType     types.DataType  `json:"data_type"`
	Channels     []types.Channel `json:"channels"`
	SamplingRate float64         `json:"sampling_rate"`

	SupportsImpedanceCheck bool `json:"supports_impedance_check"`
	SupportsBattery        bool `json:"supports_battery"`
}

// ConnectParams carries the endpoint and driver-specific options.
type ConnectParams struct {
	Endpoint string
	Options  map[string]string
}

// Option returns a connect option with a fallback.
func (p ConnectParams) Option(key, fallback string) string {
	if v, ok := p.Options[key]; ok {
		return v
	}
	return fallback
}

// Driver is the capability set every device implementation provides.
type Driver interface {
	Connect(ctx context.Context, params ConnectParams) error
	Disconnect(ctx context.Context) error
	Describe() DeviceInfo
	// StartStream begins asynchronous delivery of chunks to sink. It
	// fails with ErrAlreadyStreaming when a stream is active.
	StartStream(ctx context.Context, sink Sink) error
	StopStream(ctx context.Context) error
	// CheckImpedance returns per-channel electrode impedance in ohms, or
	// ErrUnsupported.
	CheckImpedance(ctx context.Context) (map[string]float64, error)
	// ProbeQuality samples the signal for the given duration and scores it.
	ProbeQuality(ctx context.Context, d time.Duration) (*types.QualityReport, error)
}

// State is a device lifecycle state.
type State int32

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StatePaused
	StateDisconnecting
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// validNext enumerates the lifecycle edges. Errored is reachable from
// anywhere and is therefore not listed.
var validNext = map[State][]State{
	StateDiscovered:    {StateConnecting, StateClosed},
	StateConnecting:    {StateConnected, StateDisconnecting, StateClosed},
	StateConnected:     {StateStreaming, StateDisconnecting},
	StateStreaming:     {StatePaused, StateConnected, StateDisconnecting},
	StatePaused:        {StateStreaming, StateConnected, StateDisconnecting},
	StateDisconnecting: {StateClosed, StateConnecting},
	StateErrored:       {StateConnecting, StateDisconnecting, StateClosed},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	if to == StateErrored {
		return true
	}
	if from == to {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes handle state changes.
type TransitionFunc func(deviceID string, from, to State, cause error)

// Handle pairs a driver with its lifecycle state and reconnect policy.
type Handle struct {
	ID     string
	Driver Driver

	mu      sync.Mutex
	state   State
	lastErr error
	params  ConnectParams

	onTransition TransitionFunc
	retry        *backoff.ExponentialBackOff

	stream struct {
		cancel context.CancelFunc
		gaps   *GapDetector
	}
}

// NewHandle wraps a driver starting in Discovered.
func NewHandle(id string, drv Driver, onTransition TransitionFunc) *Handle {
	return &Handle{
		ID:           id,
		Driver:       drv,
		state:        StateDiscovered,
		onTransition: onTransition,
		retry:        newReconnectBackoff(),
	}
}

// newReconnectBackoff builds the reconnect policy: exponential from 1 s,
// capped at 30 s, jittered ±20%.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the error that caused the last Errored transition.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// transitionLocked moves the FSM, rejecting illegal edges. h.mu held.
func (h *Handle) transitionLocked(to State, cause error) error {
	from := h.state
	if !CanTransition(from, to) {
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol,
			"illegal device state transition %s -> %s", from, to).WithDevice(h.ID)
	}
	if from == to {
		return nil
	}
	h.state = to
	if to == StateErrored {
		h.lastErr = cause
	}
	if h.onTransition != nil {
		h.onTransition(h.ID, from, to, cause)
	}
	log.Debugf("device %s: %s -> %s", h.ID, from, to)
	return nil
}

// Connect drives Discovered/Errored/Disconnecting → Connected. Connecting
// again while connected is a no-op. A successful connect resets the
// reconnect backoff.
func (h *Handle) Connect(ctx context.Context, params ConnectParams) error {
	h.mu.Lock()
	switch h.state {
	case StateConnected, StateStreaming, StatePaused:
		h.mu.Unlock()
		return nil
	}
	if err := h.transitionLocked(StateConnecting, nil); err != nil {
		h.mu.Unlock()
		return err
	}
	h.params = params
	h.mu.Unlock()

	err := h.Driver.Connect(ctx, params)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.transitionLocked(StateErrored, err)
		return err
	}
	h.retry.Reset()
	return h.transitionLocked(StateConnected, nil)
}

// NextRetryIn returns how long to wait before the next reconnect attempt.
func (h *Handle) NextRetryIn() time.Duration {
	return h.retry.NextBackOff()
}

// StartStreaming begins delivery into sink, with sequence-gap detection
// layered between the driver and the consumer.
func (h *Handle) StartStreaming(ctx context.Context, sink Sink, onGap GapFunc) error {
	h.mu.Lock()
	if h.state == StateStreaming {
		h.mu.Unlock()
		return nil
	}
	if h.state != StateConnected && h.state != StatePaused {
		h.mu.Unlock()
		return errcode.Newf(errcode.Validation, errcode.CodeProtocol,
			"cannot stream from state %s", h.state).WithDevice(h.ID)
	}
	h.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	gaps := NewGapDetector(h.ID, onGap)
	wrapped := func(chunk *types.SampleChunk) {
		gaps.Observe(chunk)
		sink(chunk)
	}
	if err := h.Driver.StartStream(streamCtx, wrapped); err != nil {
		cancel()
		h.mu.Lock()
		h.transitionLocked(StateErrored, err)
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stream.cancel = cancel
	h.stream.gaps = gaps
	return h.transitionLocked(StateStreaming, nil)
}

// StopStreaming halts delivery and returns to Connected.
func (h *Handle) StopStreaming(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateStreaming && h.state != StatePaused {
		h.mu.Unlock()
		return nil
	}
	cancel := h.stream.cancel
	h.stream.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := h.Driver.StopStream(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.transitionLocked(StateErrored, err)
		return err
	}
	return h.transitionLocked(StateConnected, nil)
}

// Disconnect tears the device down to Closed.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	cancel := h.stream.cancel
	h.stream.cancel = nil
	h.transitionLocked(StateDisconnecting, nil)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := h.Driver.Disconnect(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.transitionLocked(StateErrored, err)
		return err
	}
	return h.transitionLocked(StateClosed, nil)
}

// GapFunc is notified when a sequence gap is observed on a stream.
type GapFunc func(deviceID string, fromSeq, toSeq uint64, gapNs int64)

// GapDetector watches chunk sequence numbers and event-time continuity.
// Drivers never silently drop: every hole becomes a gap notification.
type GapDetector struct {
	deviceID string
	onGap    GapFunc

	mu        sync.Mutex
	lastSeq   uint64
	lastEndNs int64
	primed    bool
}

// NewGapDetector builds a detector for one stream.
func NewGapDetector(deviceID string, onGap GapFunc) *GapDetector {
	return &GapDetector{deviceID: deviceID, onGap: onGap}
}

// Observe inspects one chunk in arrival order.
func (g *GapDetector) Observe(chunk *types.SampleChunk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.primed && chunk.ChunkSeq > g.lastSeq+1 {
		gapNs := chunk.DeviceTsNs - g.lastEndNs
		if gapNs < 0 {
			gapNs = 0
		}
		telemetry.GapEvents.Inc()
		log.Warnf("device %s: sequence gap %d -> %d (%.1f ms)",
			g.deviceID, g.lastSeq, chunk.ChunkSeq, float64(gapNs)/1e6)
		if g.onGap != nil {
			g.onGap(g.deviceID, g.lastSeq, chunk.ChunkSeq, gapNs)
		}
	}
	g.primed = true
	g.lastSeq = chunk.ChunkSeq
	g.lastEndNs = chunk.EndTsNs()
}
