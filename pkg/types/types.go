// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package types holds the data model shared across the engine: sample
// chunks, sessions, feature frames, quality reports and device metadata.
// Values of these types are treated as immutable once they cross a
// component boundary.
package types

import (
	"fmt"
	"time"
)

// DataType identifies the kind of biosignal carried by a chunk.
type DataType uint8

// Supported signal kinds. The numeric values are part of the wire codec.
const (
	DataTypeEEG DataType = iota
	DataTypeECoG
	DataTypeSpikes
	DataTypeLFP
	DataTypeEMG
	DataTypeAccelerometer
)

var dataTypeNames = map[DataType]string{
	DataTypeEEG:           "eeg",
	DataTypeECoG:          "ecog",
	DataTypeSpikes:        "spikes",
	DataTypeLFP:           "lfp",
	DataTypeEMG:           "emg",
	DataTypeAccelerometer: "accelerometer",
}

func (d DataType) String() string {
	if n, ok := dataTypeNames[d]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(d))
}

// DataTypeFromString parses a signal kind name.
func DataTypeFromString(s string) (DataType, error) {
	for d, n := range dataTypeNames {
		if n == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// ChannelKind distinguishes recording channels from auxiliary ones.
type ChannelKind string

// Channel kinds.
const (
	ChannelKindSignal    ChannelKind = "signal"
	ChannelKindReference ChannelKind = "reference"
	ChannelKindAux       ChannelKind = "aux"
	ChannelKindMarker    ChannelKind = "marker"
)

// Position is an optional 3D electrode location in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Channel describes one row of the sample matrix.
type Channel struct {
	ID       int         `json:"id"`
	Label    string      `json:"label"`
	Kind     ChannelKind `json:"kind"`
	Unit     string      `json:"unit"`
	Position *Position   `json:"position,omitempty"`
}

// SampleChunk is the unit of data crossing component boundaries. Channel
// count, sampling rate and data type are fixed for the session lifetime.
type SampleChunk struct {
	SessionID      string    `json:"session_id"`
	DeviceID       string    `json:"device_id"`
	DataType       DataType  `json:"data_type"`
	SamplingRateHz uint32    `json:"sampling_rate_hz"`
	Channels       []Channel `json:"channels"`
	// Samples is channel-major: Samples[c][n] is sample n of channel c,
	// in canonical units (microvolts for neural signals, m/s^2 for
	// accelerometers).
	Samples [][]float32 `json:"-"`
	// ChunkSeq increases by one per chunk within a session; gaps mean
	// packet loss.
	ChunkSeq uint64 `json:"chunk_seq"`
	// DeviceTsNs is the device timestamp of the first sample.
	DeviceTsNs int64 `json:"device_ts_ns"`
	// IngestTsNs is stamped by the ingestion service on admission.
	IngestTsNs int64 `json:"ingest_ts_ns"`
}

// NumChannels returns C.
func (c *SampleChunk) NumChannels() int { return len(c.Channels) }

// NumSamples returns N, the per-channel chunk length.
func (c *SampleChunk) NumSamples() int {
	if len(c.Samples) == 0 {
		return 0
	}
	return len(c.Samples[0])
}

// Duration returns the time span covered by the chunk.
func (c *SampleChunk) Duration() time.Duration {
	if c.SamplingRateHz == 0 {
		return 0
	}
	return time.Duration(int64(c.NumSamples()) * int64(time.Second) / int64(c.SamplingRateHz))
}

// EndTsNs returns the device timestamp one sample past the chunk.
func (c *SampleChunk) EndTsNs() int64 {
	return c.DeviceTsNs + c.Duration().Nanoseconds()
}

// Validate checks the structural invariants of a chunk.
func (c *SampleChunk) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("missing device_id")
	}
	if c.SamplingRateHz == 0 {
		return fmt.Errorf("sampling_rate_hz must be positive")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels must be non-empty")
	}
	if len(c.Samples) != len(c.Channels) {
		return fmt.Errorf("sample matrix has %d rows for %d channels", len(c.Samples), len(c.Channels))
	}
	n := len(c.Samples[0])
	for i, row := range c.Samples {
		if len(row) != n {
			return fmt.Errorf("channel %d has %d samples, expected %d", i, len(row), n)
		}
	}
	return nil
}

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

// Session states.
const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session is the recording metadata. It is created by the control plane and
// mutated only by the ingestion service (counters, quality summary) and by
// closure.
type Session struct {
	ID string `json:"session_id"`
	// SubjectID is the anonymized subject identifier; raw user ids never
	// reach this struct.
	SubjectID      string        `json:"subject_id"`
	DeviceIDs      []string      `json:"device_ids"`
	Paradigm       string        `json:"paradigm,omitempty"`
	DataType       DataType      `json:"data_type"`
	SamplingRateHz uint32        `json:"sampling_rate_hz"`
	NumChannels    int           `json:"num_channels"`
	StartTsNs      int64         `json:"start_ts_ns"`
	EndTsNs        int64         `json:"end_ts_ns,omitempty"`
	Status         SessionStatus `json:"status"`
	SamplesSeen    uint64        `json:"samples_seen"`
	PacketsLost    uint64        `json:"packets_lost"`
	QualitySummary float64       `json:"quality_summary"`
	Version        uint64        `json:"version"`
}

// QualityLevel buckets a channel quality score.
type QualityLevel string

// Quality levels, best to worst.
const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityBad       QualityLevel = "bad"
)

// ArtifactFlags marks contamination detected on a channel.
type ArtifactFlags struct {
	Eye      bool `json:"eye"`
	Muscle   bool `json:"muscle"`
	Heart    bool `json:"heart"`
	Clip     bool `json:"clip"`
	Flatline bool `json:"flatline"`
}

// Any reports whether at least one artifact flag is raised.
func (a ArtifactFlags) Any() bool {
	return a.Eye || a.Muscle || a.Heart || a.Clip || a.Flatline
}

// ChannelQuality is the per-channel quality assessment.
type ChannelQuality struct {
	ChannelID      int           `json:"channel_id"`
	SNRdB          float64       `json:"snr_db"`
	LineNoiseRatio float64       `json:"line_noise_ratio"`
	Artifacts      ArtifactFlags `json:"artifacts"`
	Score          float64       `json:"score"`
	Level          QualityLevel  `json:"level"`
}

// QualityReport aggregates channel quality for one window or probe.
type QualityReport struct {
	DeviceID  string           `json:"device_id"`
	SessionID string           `json:"session_id,omitempty"`
	TsNs      int64            `json:"ts_ns"`
	Channels  []ChannelQuality `json:"channels"`
	// Overall is in [0,1].
	Overall float64 `json:"overall"`
}

// ChannelFeatures holds the per-channel features of one window. Nil maps
// mean the family was not computed for this data type.
type ChannelFeatures struct {
	ChannelID int                `json:"channel_id"`
	Temporal  map[string]float64 `json:"temporal,omitempty"`
	Spectral  map[string]float64 `json:"spectral,omitempty"`
	Wavelet   map[string]float64 `json:"wavelet,omitempty"`
	Spike     map[string]float64 `json:"spike,omitempty"`
}

// CrossChannelFeatures holds the connectivity measures computed once per
// window.
type CrossChannelFeatures struct {
	MeanAbsCorrelation float64 `json:"mean_abs_correlation"`
	MaxAbsCorrelation  float64 `json:"max_abs_correlation"`
	Coherence          float64 `json:"coherence"`
	PLV                float64 `json:"plv"`
	PLI                float64 `json:"pli"`
	NetworkDensity     float64 `json:"network_density"`
}

// ChunkRange identifies the contiguous chunk_seq interval a frame derives
// from.
type ChunkRange struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

// FeatureFrame is the immutable output of the windowed pipeline.
type FeatureFrame struct {
	SessionID       string                `json:"session_id"`
	WindowStartNs   int64                 `json:"window_start_ns"`
	WindowEndNs     int64                 `json:"window_end_ns"`
	DataType        DataType              `json:"data_type"`
	ChannelFeatures []ChannelFeatures     `json:"channel_features"`
	CrossChannel    *CrossChannelFeatures `json:"cross_channel_features,omitempty"`
	DerivedFrom     ChunkRange            `json:"derived_from_chunk_range"`
	Late            bool                  `json:"late,omitempty"`
}

// HealthStatus grades a device health snapshot.
type HealthStatus string

// Health statuses, best to worst.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// Severity ranks a health status for threshold comparisons.
func (h HealthStatus) Severity() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	case HealthCritical:
		return 3
	}
	return 3
}

// HealthSnapshot is the periodic per-device health assessment.
type HealthSnapshot struct {
	DeviceID            string       `json:"device_id"`
	TsNs                int64        `json:"ts_ns"`
	ConnectionStability float64      `json:"connection_stability"`
	SamplesPerSecond    float64      `json:"samples_per_second"`
	BitsPerSecond       float64      `json:"bits_per_second"`
	LatencyMs           float64      `json:"latency_ms"`
	BatteryPct          *float64     `json:"battery_pct,omitempty"`
	CPUPct              float64      `json:"cpu_pct"`
	Status              HealthStatus `json:"status"`
	Reasons             []string     `json:"reasons,omitempty"`
}

// HealthAlert is raised when a device stays degraded or worse for the
// configured number of consecutive monitor intervals.
type HealthAlert struct {
	DeviceID  string       `json:"device_id"`
	Status    HealthStatus `json:"status"`
	Reasons   []string     `json:"reasons"`
	Intervals int          `json:"consecutive_intervals"`
	TsNs      int64        `json:"ts_ns"`
}

// Protocol is the transport over which a device was discovered.
type Protocol string

// Discovery protocols.
const (
	ProtocolSerial    Protocol = "serial"
	ProtocolBluetooth Protocol = "bluetooth"
	ProtocolMDNS      Protocol = "mdns"
	ProtocolLSL       Protocol = "lsl"
	ProtocolSynthetic Protocol = "synthetic"
)

// DiscoveredDevice is one scan result. DiscoveryID is stable across scans
// for the same physical endpoint.
type DiscoveredDevice struct {
	DiscoveryID  string   `json:"discovery_id"`
	DeviceType   string   `json:"device_type"`
	Protocol     Protocol `json:"protocol"`
	Endpoint     string   `json:"endpoint"`
	RSSI         *int16   `json:"rssi,omitempty"`
	FriendlyName string   `json:"friendly_name"`
}
