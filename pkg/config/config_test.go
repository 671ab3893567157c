// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	cfg, err := Build()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8335", cfg.APIBindAddress)
	assert.Equal(t, 1<<20, cfg.IngestMaxChunkBytes)
	assert.Equal(t, 0.8, cfg.IngestBufferHighWM)
	assert.Equal(t, 50*time.Millisecond, cfg.PipelineWindow)
	assert.Equal(t, time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 3, cfg.HealthAlertThreshold)
	assert.Equal(t, 1, cfg.LedgerShardCount)
}

func TestMillisecondEnvAliases(t *testing.T) {
	// The *_MS variables carry integer milliseconds, not duration strings.
	t.Setenv("HEALTH_CHECK_INTERVAL_MS", "250")
	t.Setenv("WINDOW_MS", "100")

	cfg, err := Build()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.HealthCheckInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PipelineWindow)
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("NEURAL_INGEST_MAX_CHUNK_BYTES", "2048")
	t.Setenv("NEURAL_LEDGER_SHARD_COUNT", "4")

	cfg, err := Build()
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.IngestMaxChunkBytes)
	assert.Equal(t, 4, cfg.LedgerShardCount)
}

func TestValidateFailsClosed(t *testing.T) {
	t.Setenv("INGEST_BUFFER_HIGH_WM", "1.5")
	_, err := Build()
	require.Error(t, err)

	t.Setenv("INGEST_BUFFER_HIGH_WM", "0.8")
	t.Setenv("HEALTH_CHECK_INTERVAL_MS", "0")
	_, err = Build()
	require.Error(t, err)
}
