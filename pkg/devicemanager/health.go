// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package devicemanager

import (
	"context"
	"time"

	"github.com/neurascale/neural-engine/pkg/device"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/telemetry"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// RunHealthMonitor updates device health snapshots every
// cfg.HealthCheckInterval and raises an alert after
// cfg.HealthAlertThreshold consecutive degraded-or-worse intervals.
func (m *Manager) RunHealthMonitor(ctx context.Context, hc *health.Catalog) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	threshold := m.cfg.HealthAlertThreshold
	if threshold <= 0 {
		threshold = 3
	}

	var ping health.ID
	if hc != nil {
		ping = hc.RegisterWithCustomTimeout("device-health-monitor", 5*interval)
		defer hc.Deregister(ping)
	}
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ping != "" {
				hc.Ping(ping)
			}
			m.healthTick(ctx, interval, threshold)
		}
	}
}

func (m *Manager) healthTick(ctx context.Context, interval time.Duration, threshold int) {
	m.mu.Lock()
	devices := make(map[string]*managedDevice, len(m.devices))
	for id, md := range m.devices {
		devices[id] = md
	}
	m.mu.Unlock()
	now := m.clk.Now().UnixNano()
	for id, md := range devices {
		snapshot := m.assess(id, md, interval.Seconds(), now)
		alert := false
		md.mu.Lock()
		md.snapshot = snapshot
		if snapshot.Status.Severity() >= types.HealthDegraded.Severity() {
			md.degraded++
			alert = md.degraded == threshold
		} else {
			md.degraded = 0
		}
		intervals := md.degraded
		md.mu.Unlock()

		if !alert {
			continue
		}
		a := types.HealthAlert{
			DeviceID:  id,
			Status:    snapshot.Status,
			Reasons:   snapshot.Reasons,
			Intervals: intervals,
			TsNs:      now,
		}
		telemetry.HealthAlerts.WithLabelValues(string(a.Status)).Inc()
		m.record(id, TelemetryPerformance, map[string]interface{}{
			"alert": string(a.Status), "reasons": a.Reasons,
		})
		m.ledgerEvent(ctx, ledger.EventAnomalyDetected, id, map[string]interface{}{
			"reason": "health", "status": string(a.Status), "intervals": intervals,
		})
		log.Warnf("device %s health alert: %s after %d intervals (%v)",
			id, a.Status, intervals, a.Reasons)
		if m.OnAlert != nil {
			m.OnAlert(a)
		}
	}
}

// assess computes one health snapshot from the device's counters and state.
func (m *Manager) assess(id string, md *managedDevice, intervalSec float64, nowNs int64) types.HealthSnapshot {
	state := md.handle.State()

	md.mu.Lock()
	samples := md.samplesSeen
	delta := samples - md.lastSamples
	md.lastSamples = samples
	bytes := md.bytesSeen
	byteDelta := bytes - md.lastBytes
	md.lastBytes = bytes
	md.mu.Unlock()

	rate := float64(delta) / intervalSec
	snapshot := types.HealthSnapshot{
		DeviceID:         id,
		TsNs:             nowNs,
		SamplesPerSecond: rate,
		BitsPerSecond:    float64(byteDelta) * 8 / intervalSec,
		Status:           types.HealthHealthy,
	}

	switch state {
	case device.StateErrored:
		snapshot.Status = types.HealthCritical
		snapshot.ConnectionStability = 0
		if err := md.handle.LastError(); err != nil {
			snapshot.Reasons = append(snapshot.Reasons, err.Error())
		}
	case device.StateClosed, device.StateDiscovered, device.StateDisconnecting:
		snapshot.Status = types.HealthUnhealthy
		snapshot.ConnectionStability = 0
		snapshot.Reasons = append(snapshot.Reasons, "not connected")
	case device.StateStreaming:
		snapshot.ConnectionStability = 1
		expected := md.info.SamplingRate
		switch {
		case rate == 0:
			snapshot.Status = types.HealthUnhealthy
			snapshot.Reasons = append(snapshot.Reasons, "streaming but no samples arriving")
		case expected > 0 && rate < 0.5*expected:
			snapshot.Status = types.HealthDegraded
			snapshot.Reasons = append(snapshot.Reasons, "sample rate below half of nominal")
		}
	default: // connected or paused
		snapshot.ConnectionStability = 1
	}
	return snapshot
}

// HealthSnapshots returns the latest snapshot per device.
func (m *Manager) HealthSnapshots() map[string]types.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.HealthSnapshot, len(m.devices))
	for id, md := range m.devices {
		md.mu.Lock()
		out[id] = md.snapshot
		md.mu.Unlock()
	}
	return out
}
