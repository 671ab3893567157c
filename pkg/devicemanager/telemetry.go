// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package devicemanager

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Telemetry event kinds.
const (
	TelemetryConnection    = "connection"
	TelemetryDataFlow      = "data_flow"
	TelemetrySignalQuality = "signal_quality"
	TelemetryPerformance   = "performance"
	TelemetryError         = "error"
)

// TelemetryEvent is one buffered per-device observation.
type TelemetryEvent struct {
	TsNs     int64                  `json:"ts_ns"`
	DeviceID string                 `json:"device_id"`
	Kind     string                 `json:"kind"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Exporter drains telemetry batches to an external sink.
type Exporter interface {
	Export(ctx context.Context, events []TelemetryEvent) error
	Close() error
}

// FileExporter appends events as JSON lines.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileExporter opens (or creates) the log at path.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileExporter{file: f}, nil
}

func (e *FileExporter) Export(_ context.Context, events []TelemetryEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.file)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}

// StatsdExporter forwards event counts to a statsd agent, tagged by device
// and kind.
type StatsdExporter struct {
	client statsd.ClientInterface
}

// NewStatsdExporter connects to the agent at addr.
func NewStatsdExporter(addr string) (*StatsdExporter, error) {
	client, err := statsd.New(addr, statsd.WithNamespace("neural_engine."))
	if err != nil {
		return nil, err
	}
	return &StatsdExporter{client: client}, nil
}

func (e *StatsdExporter) Export(_ context.Context, events []TelemetryEvent) error {
	var errs *multierror.Error
	for _, ev := range events {
		errs = multierror.Append(errs, e.client.Incr("device.telemetry",
			[]string{"device_id:" + ev.DeviceID, "kind:" + ev.Kind}, 1))
	}
	return errs.ErrorOrNil()
}

func (e *StatsdExporter) Close() error { return e.client.Close() }

// TelemetryRing buffers device events and flushes through the registered
// exporters when the buffer crosses the watermark or on a timer. The ring
// is bounded: under exporter outage the oldest events are overwritten.
type TelemetryRing struct {
	capacity  int
	watermark int
	interval  time.Duration
	clk       clock.Clock

	mu        sync.Mutex
	events    []TelemetryEvent
	dropped   uint64
	exporters []Exporter
}

// NewTelemetryRing builds a ring with the given capacity and flush policy.
func NewTelemetryRing(capacity int, watermark float64, interval time.Duration, clk clock.Clock, exporters ...Exporter) *TelemetryRing {
	if capacity <= 0 {
		capacity = 10000
	}
	if watermark <= 0 || watermark > 1 {
		watermark = 0.8
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TelemetryRing{
		capacity:  capacity,
		watermark: int(float64(capacity) * watermark),
		interval:  interval,
		clk:       clk,
		exporters: exporters,
	}
}

// Record buffers one event, flushing if the watermark is crossed.
func (r *TelemetryRing) Record(ev TelemetryEvent) {
	r.mu.Lock()
	if len(r.events) >= r.capacity {
		r.events = r.events[1:]
		r.dropped++
	}
	r.events = append(r.events, ev)
	trigger := len(r.events) >= r.watermark
	r.mu.Unlock()

	if trigger {
		r.Flush(context.Background())
	}
}

// Flush drains the buffer through every exporter.
func (r *TelemetryRing) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.events) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.events
	r.events = nil
	dropped := r.dropped
	r.dropped = 0
	r.mu.Unlock()

	if dropped > 0 {
		log.Warnf("device telemetry: ring overflowed, %d events lost", dropped)
	}
	for _, exp := range r.exporters {
		if err := exp.Export(ctx, batch); err != nil {
			log.Warnf("device telemetry: export failed: %v", err)
		}
	}
}

// Run flushes on the configured interval until ctx is done, then drains.
func (r *TelemetryRing) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.interval = 10 * time.Second
	}
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Len reports the buffered event count.
func (r *TelemetryRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Close closes all exporters.
func (r *TelemetryRing) Close() error {
	var errs *multierror.Error
	for _, exp := range r.exporters {
		errs = multierror.Append(errs, exp.Close())
	}
	return errs.ErrorOrNil()
}
