// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package config loads the engine configuration. All options are declared
// here with their defaults and environment bindings; the rest of the engine
// consumes an immutable Config struct assembled once at process start.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine is the global configuration registry. Defaults and env bindings are
// installed by init; Build materializes the typed Config from it.
var Engine *viper.Viper

func init() {
	Engine = viper.New()
	Engine.SetConfigName("neural-engine")
	Engine.SetConfigType("yaml")
	Engine.SetEnvPrefix("NEURAL")
	Engine.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Engine.AutomaticEnv()
	initDefaults(Engine)
}

// bindEnvAndSetDefault sets a default for a key and binds it to the given
// extra environment variables on top of the NEURAL_ prefixed one.
func bindEnvAndSetDefault(v *viper.Viper, key string, val interface{}, env ...string) {
	v.SetDefault(key, val)
	args := append([]string{key}, env...)
	v.BindEnv(args...) //nolint:errcheck
}

func initDefaults(v *viper.Viper) {
	bindEnvAndSetDefault(v, "log_level", "info")
	bindEnvAndSetDefault(v, "log_file", "")

	bindEnvAndSetDefault(v, "api.bind_address", "127.0.0.1:8335")
	bindEnvAndSetDefault(v, "api.auth_tokens", map[string]string{})

	bindEnvAndSetDefault(v, "ingest.max_chunk_bytes", 1<<20, "INGEST_MAX_CHUNK_BYTES")
	bindEnvAndSetDefault(v, "ingest.buffer_size", 10000)
	bindEnvAndSetDefault(v, "ingest.buffer_high_wm", 0.8, "INGEST_BUFFER_HIGH_WM")
	bindEnvAndSetDefault(v, "ingest.partitions", 8)
	bindEnvAndSetDefault(v, "ingest.publish_timeout", 500*time.Millisecond)
	bindEnvAndSetDefault(v, "ingest.retry_initial", 10*time.Second)
	bindEnvAndSetDefault(v, "ingest.retry_max", 600*time.Second)
	bindEnvAndSetDefault(v, "ingest.retry_attempts", 5)
	bindEnvAndSetDefault(v, "ingest.auto_create_sessions", false)
	bindEnvAndSetDefault(v, "ingest.batch_dir", "/var/lib/neural-engine/batches")

	bindEnvAndSetDefault(v, "pipeline.window_ms", 50, "WINDOW_MS")
	bindEnvAndSetDefault(v, "pipeline.workers", runtime.NumCPU())
	bindEnvAndSetDefault(v, "pipeline.lateness_windows", 2)

	bindEnvAndSetDefault(v, "ledger.signing_key_id", "", "LEDGER_SIGNING_KEY_ID")
	bindEnvAndSetDefault(v, "ledger.shard_count", 1, "LEDGER_SHARD_COUNT")
	bindEnvAndSetDefault(v, "ledger.root_interval", time.Minute)
	bindEnvAndSetDefault(v, "ledger.append_timeout", 250*time.Millisecond)

	bindEnvAndSetDefault(v, "health.check_interval_ms", 1000, "HEALTH_CHECK_INTERVAL_MS")
	bindEnvAndSetDefault(v, "health.alert_threshold", 3)

	bindEnvAndSetDefault(v, "telemetry.buffer_size", 10000)
	bindEnvAndSetDefault(v, "telemetry.flush_watermark", 0.8)
	bindEnvAndSetDefault(v, "telemetry.flush_interval", 30*time.Second)
	bindEnvAndSetDefault(v, "telemetry.statsd_address", "")
	bindEnvAndSetDefault(v, "telemetry.file_path", "")

	bindEnvAndSetDefault(v, "discovery.mdns_enabled", true, "DISCOVERY_MDNS_ENABLED")
	bindEnvAndSetDefault(v, "discovery.bluetooth_enabled", false)
	bindEnvAndSetDefault(v, "discovery.serial_enabled", true)
	bindEnvAndSetDefault(v, "discovery.lsl_enabled", true)
	bindEnvAndSetDefault(v, "discovery.synthetic_enabled", false, "NEURAL_SYNTHETIC_DEVICE")
	bindEnvAndSetDefault(v, "discovery.probe_timeout", 5*time.Second)

	bindEnvAndSetDefault(v, "storage.redis_address", "", "STORAGE_REDIS_ADDRESS")
	bindEnvAndSetDefault(v, "storage.sqlite_path", "", "STORAGE_SQLITE_PATH")
	bindEnvAndSetDefault(v, "storage.analytical_dsn", "", "STORAGE_ANALYTICAL_DSN")

	bindEnvAndSetDefault(v, "anonymizer.salt", "")
}

// Config is the immutable typed view handed to components. It is assembled
// once by Build and never mutated afterwards.
type Config struct {
	LogLevel string
	LogFile  string

	APIBindAddress string
	// AuthTokens maps bearer token -> comma separated role list.
	AuthTokens map[string]string

	IngestMaxChunkBytes    int
	IngestBufferSize       int
	IngestBufferHighWM     float64
	IngestPartitions       int
	IngestPublishTimeout   time.Duration
	IngestRetryInitial     time.Duration
	IngestRetryMax         time.Duration
	IngestRetryAttempts    int
	IngestAutoCreate       bool
	IngestBatchDir         string
	PipelineWindow         time.Duration
	PipelineWorkers        int
	PipelineLatenessFactor int

	LedgerSigningKeyID  string
	LedgerShardCount    int
	LedgerRootInterval  time.Duration
	LedgerAppendTimeout time.Duration

	HealthCheckInterval  time.Duration
	HealthAlertThreshold int

	TelemetryBufferSize     int
	TelemetryFlushWatermark float64
	TelemetryFlushInterval  time.Duration
	TelemetryStatsdAddress  string
	TelemetryFilePath       string

	DiscoveryMDNSEnabled      bool
	DiscoveryBluetoothEnabled bool
	DiscoverySerialEnabled    bool
	DiscoveryLSLEnabled       bool
	DiscoverySynthetic        bool
	DiscoveryProbeTimeout     time.Duration

	StorageRedisAddress  string
	StorageSQLitePath    string
	StorageAnalyticalDSN string

	AnonymizerSalt string
}

// Build reads the optional config file, applies env overrides and returns
// the typed configuration. A malformed file is a hard failure: the engine
// fails closed rather than starting half-configured.
func Build(configPaths ...string) (*Config, error) {
	for _, p := range configPaths {
		Engine.AddConfigPath(p)
	}
	if len(configPaths) > 0 {
		if err := Engine.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("cannot read configuration: %v", err)
			}
		}
	}
	cfg := &Config{
		LogLevel: Engine.GetString("log_level"),
		LogFile:  Engine.GetString("log_file"),

		APIBindAddress: Engine.GetString("api.bind_address"),
		AuthTokens:     Engine.GetStringMapString("api.auth_tokens"),

		IngestMaxChunkBytes:    Engine.GetInt("ingest.max_chunk_bytes"),
		IngestBufferSize:       Engine.GetInt("ingest.buffer_size"),
		IngestBufferHighWM:     Engine.GetFloat64("ingest.buffer_high_wm"),
		IngestPartitions:       Engine.GetInt("ingest.partitions"),
		IngestPublishTimeout:   Engine.GetDuration("ingest.publish_timeout"),
		IngestRetryInitial:     Engine.GetDuration("ingest.retry_initial"),
		IngestRetryMax:         Engine.GetDuration("ingest.retry_max"),
		IngestRetryAttempts:    Engine.GetInt("ingest.retry_attempts"),
		IngestAutoCreate:       Engine.GetBool("ingest.auto_create_sessions"),
		IngestBatchDir:         Engine.GetString("ingest.batch_dir"),
		PipelineWindow:         time.Duration(Engine.GetInt("pipeline.window_ms")) * time.Millisecond,
		PipelineWorkers:        Engine.GetInt("pipeline.workers"),
		PipelineLatenessFactor: Engine.GetInt("pipeline.lateness_windows"),

		LedgerSigningKeyID:  Engine.GetString("ledger.signing_key_id"),
		LedgerShardCount:    Engine.GetInt("ledger.shard_count"),
		LedgerRootInterval:  Engine.GetDuration("ledger.root_interval"),
		LedgerAppendTimeout: Engine.GetDuration("ledger.append_timeout"),

		HealthCheckInterval:  time.Duration(Engine.GetInt("health.check_interval_ms")) * time.Millisecond,
		HealthAlertThreshold: Engine.GetInt("health.alert_threshold"),

		TelemetryBufferSize:     Engine.GetInt("telemetry.buffer_size"),
		TelemetryFlushWatermark: Engine.GetFloat64("telemetry.flush_watermark"),
		TelemetryFlushInterval:  Engine.GetDuration("telemetry.flush_interval"),
		TelemetryStatsdAddress:  Engine.GetString("telemetry.statsd_address"),
		TelemetryFilePath:       Engine.GetString("telemetry.file_path"),

		DiscoveryMDNSEnabled:      Engine.GetBool("discovery.mdns_enabled"),
		DiscoveryBluetoothEnabled: Engine.GetBool("discovery.bluetooth_enabled"),
		DiscoverySerialEnabled:    Engine.GetBool("discovery.serial_enabled"),
		DiscoveryLSLEnabled:       Engine.GetBool("discovery.lsl_enabled"),
		DiscoverySynthetic:        Engine.GetBool("discovery.synthetic_enabled"),
		DiscoveryProbeTimeout:     Engine.GetDuration("discovery.probe_timeout"),

		StorageRedisAddress:  Engine.GetString("storage.redis_address"),
		StorageSQLitePath:    Engine.GetString("storage.sqlite_path"),
		StorageAnalyticalDSN: Engine.GetString("storage.analytical_dsn"),

		AnonymizerSalt: Engine.GetString("anonymizer.salt"),
	}
	return cfg, cfg.validate()
}

// Default returns a Config with compiled-in defaults only, used by tests.
func Default() *Config {
	cfg, err := Build()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) validate() error {
	if c.IngestMaxChunkBytes <= 0 {
		return fmt.Errorf("ingest.max_chunk_bytes must be positive, got %d", c.IngestMaxChunkBytes)
	}
	if c.IngestBufferHighWM <= 0 || c.IngestBufferHighWM > 1 {
		return fmt.Errorf("ingest.buffer_high_wm must be in (0,1], got %f", c.IngestBufferHighWM)
	}
	if c.PipelineWindow <= 0 {
		return fmt.Errorf("pipeline.window_ms must be positive")
	}
	if c.LedgerShardCount < 1 {
		return fmt.Errorf("ledger.shard_count must be at least 1, got %d", c.LedgerShardCount)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health.check_interval_ms must be positive")
	}
	if c.HealthAlertThreshold < 1 {
		return fmt.Errorf("health.alert_threshold must be at least 1")
	}
	return nil
}
