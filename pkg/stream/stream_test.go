// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Record, n int) []Record {
	t.Helper()
	out := make([]Record, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-ch:
			require.True(t, ok, "channel closed after %d records", len(out))
			out = append(out, rec)
		case <-timeout:
			t.Fatalf("timed out after %d of %d records", len(out), n)
		}
	}
	return out
}

func TestMemoryBrokerOrderAndReplay(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "topic-a", "dev-1", []byte(fmt.Sprintf("v%d", i)), nil))
	}

	// late subscriber replays from the beginning
	ch, err := b.Subscribe(ctx, "topic-a")
	require.NoError(t, err)
	recs := collect(t, ch, 10)
	for i, rec := range recs {
		assert.Equal(t, uint64(i), rec.Offset)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(rec.Value))
		assert.Equal(t, "dev-1", rec.Key)
	}

	// records published after subscription are delivered too
	require.NoError(t, b.Publish(ctx, "topic-a", "dev-1", []byte("tail"), nil))
	tail := collect(t, ch, 1)
	assert.Equal(t, "tail", string(tail[0].Value))
}

func TestMemoryBrokerLag(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "lagged")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "lagged", "k", []byte{byte(i)}, nil))
	}
	assert.GreaterOrEqual(t, b.Lag("lagged"), 4)

	collect(t, ch, 5)
	assert.Eventually(t, func() bool { return b.Lag("lagged") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestMemoryBrokerHeaders(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("v"), map[string]string{"codec": "1"}))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := b.Subscribe(sctx, "t")
	require.NoError(t, err)
	rec := collect(t, ch, 1)[0]
	assert.Equal(t, "1", rec.Headers["codec"])
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	b := NewRedisBroker(srv.Addr())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "raw/eeg", "dev-2:0", []byte(fmt.Sprintf("c%d", i)),
			map[string]string{"codec_version": "1"}))
	}

	ch, err := b.Subscribe(ctx, "raw/eeg")
	require.NoError(t, err)
	recs := collect(t, ch, 5)
	for i, rec := range recs {
		assert.Equal(t, fmt.Sprintf("c%d", i), string(rec.Value))
		assert.Equal(t, "dev-2:0", rec.Key)
		assert.Equal(t, "1", rec.Headers["codec_version"])
	}
}
