// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package discovery finds acquisition devices across the protocol buses.
// Each protocol is probed independently; a failing bus never hides results
// from the others.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// ID derives the stable discovery id of a physical endpoint. The same
// endpoint yields the same id on every scan.
func ID(protocol types.Protocol, endpoint string) string {
	sum := sha1.Sum([]byte(string(protocol) + "|" + endpoint))
	return hex.EncodeToString(sum[:8])
}

// Probe inspects one protocol bus.
type Probe interface {
	Protocol() types.Protocol
	// Probe returns the devices visible on the bus right now. Probes are
	// non-destructive: they must not disturb devices already streaming.
	Probe(ctx context.Context) ([]types.DiscoveredDevice, error)
}

// Result is the outcome of one scan pass.
type Result struct {
	Devices []types.DiscoveredDevice `json:"devices"`
	// Errors collects per-protocol failures. A protocol missing from the
	// map probed cleanly.
	Errors map[types.Protocol]string `json:"errors,omitempty"`
}

// Event is sent to subscribers when the visible device set changes.
type Event struct {
	Appeared    []types.DiscoveredDevice `json:"appeared,omitempty"`
	Disappeared []types.DiscoveredDevice `json:"disappeared,omitempty"`
}

// Scanner multiplexes the configured probes.
type Scanner struct {
	probes []Probe
	clk    clock.Clock
	health *health.Catalog

	mu      sync.Mutex
	known   map[string]types.DiscoveredDevice
	subs    []chan Event
	running bool
}

// NewScanner builds a scanner over the given probes.
func NewScanner(clk clock.Clock, hc *health.Catalog, probes ...Probe) *Scanner {
	if clk == nil {
		clk = clock.New()
	}
	return &Scanner{
		probes: probes,
		clk:    clk,
		health: hc,
		known:  make(map[string]types.DiscoveredDevice),
	}
}

// QuickScan probes every bus once, bounded by timeout. Partial failures are
// reported per protocol, never as a scan failure.
func (s *Scanner) QuickScan(ctx context.Context, timeout time.Duration) Result {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type probeOut struct {
		protocol types.Protocol
		devices  []types.DiscoveredDevice
		err      error
	}
	outs := make(chan probeOut, len(s.probes))
	for _, p := range s.probes {
		p := p
		go func() {
			devices, err := p.Probe(scanCtx)
			outs <- probeOut{protocol: p.Protocol(), devices: devices, err: err}
		}()
	}

	result := Result{Errors: make(map[types.Protocol]string)}
	for range s.probes {
		out := <-outs
		if out.err != nil {
			log.Debugf("discovery: %s probe failed: %v", out.protocol, out.err)
			result.Errors[out.protocol] = out.err.Error()
			continue
		}
		result.Devices = append(result.Devices, out.devices...)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	sort.Slice(result.Devices, func(i, j int) bool {
		return result.Devices[i].DiscoveryID < result.Devices[j].DiscoveryID
	})
	return result
}

// Subscribe returns a channel of appearance/disappearance events and starts
// the periodic scan loop on first use. The channel closes when ctx is done.
func (s *Scanner) Subscribe(ctx context.Context, interval, timeout time.Duration) <-chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.loop(ctx, interval, timeout)
	}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Scanner) loop(ctx context.Context, interval, timeout time.Duration) {
	var ping health.ID
	if s.health != nil {
		ping = s.health.RegisterWithCustomTimeout("discovery-scanner", 3*interval)
		defer s.health.Deregister(ping)
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ping != "" {
				s.health.Ping(ping)
			}
			s.diff(s.QuickScan(ctx, timeout))
		}
	}
}

// diff compares a scan pass against the known set and notifies subscribers.
func (s *Scanner) diff(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]types.DiscoveredDevice, len(result.Devices))
	var ev Event
	for _, d := range result.Devices {
		seen[d.DiscoveryID] = d
		if _, known := s.known[d.DiscoveryID]; !known {
			ev.Appeared = append(ev.Appeared, d)
		}
	}
	for id, d := range s.known {
		if _, still := seen[id]; !still {
			ev.Disappeared = append(ev.Disappeared, d)
		}
	}
	s.known = seen

	if len(ev.Appeared) == 0 && len(ev.Disappeared) == 0 {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			// a stalled subscriber misses this event; the next diff
			// reflects the current set anyway
		}
	}
}

// Known returns the most recent stable view of discovered devices.
func (s *Scanner) Known() []types.DiscoveredDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DiscoveredDevice, 0, len(s.known))
	for _, d := range s.known {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveryID < out[j].DiscoveryID })
	return out
}
