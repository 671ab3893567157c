// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package telemetry declares the engine's prometheus metrics. Metric names
// are part of the operational contract; alerting rules reference them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DroppedChunks counts chunks rejected or lost, by reason
	// (checksum, validation, shed, unknown_session, publish_failed).
	DroppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "dropped_chunks",
		Help:      "Chunks rejected or lost, by reason.",
	}, []string{"reason"})

	// IngestedChunks counts chunks admitted by the ingestion service.
	IngestedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "ingested_chunks",
		Help:      "Chunks accepted, validated and published.",
	}, []string{"data_type"})

	// LateChunks counts chunks that arrived behind the pipeline watermark.
	LateChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "late_chunks",
		Help:      "Chunks behind the event-time watermark.",
	})

	// ShedChunks counts chunks shed under backpressure, per device.
	ShedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "shed_chunks",
		Help:      "Chunks shed under backpressure, per device.",
	}, []string{"device_id"})

	// FeatureFrames counts emitted feature frames.
	FeatureFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "feature_frames_emitted",
		Help:      "Feature frames emitted downstream.",
	}, []string{"data_type"})

	// GapEvents counts detected chunk sequence gaps.
	GapEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "gap_events",
		Help:      "Chunk sequence gaps detected.",
	})

	// LedgerAppendDuration observes end-to-end ledger append latency.
	LedgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "neural_engine",
		Name:      "ledger_append_duration_seconds",
		Help:      "End-to-end ledger append latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// LedgerEvents counts appended ledger events by type.
	LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "ledger_events",
		Help:      "Ledger events appended, by event type.",
	}, []string{"event_type"})

	// LedgerAppendFailures counts audit appends that failed on the data
	// path. The chunk is still accepted with a nil ledger event id.
	LedgerAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "ledger_append_failures",
		Help:      "Failed ledger appends on the ingest path, by event type.",
	}, []string{"event_type"})

	// BufferOccupancy gauges the ingestion buffer fill fraction.
	BufferOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "neural_engine",
		Name:      "ingest_buffer_occupancy",
		Help:      "Ingestion buffer occupancy fraction.",
	})

	// AdmissionRate gauges the AIMD-controlled admission rate.
	AdmissionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "neural_engine",
		Name:      "ingest_admission_rate",
		Help:      "Current AIMD admission rate, chunks per second.",
	})

	// HealthAlerts counts device health alerts raised.
	HealthAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neural_engine",
		Name:      "health_alerts",
		Help:      "Device health alerts raised, by status.",
	}, []string{"status"})
)
