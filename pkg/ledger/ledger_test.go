// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/stream"
)

func testLedger(t *testing.T, opts Options) (*Ledger, context.Context) {
	t.Helper()
	if opts.Chain == nil {
		opts.Chain = NewMemoryChainStore()
	}
	l, err := New(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, l.Start(ctx))
	return l, ctx
}

func TestChainLinkageAndVerify(t *testing.T) {
	analytical := NewMemoryAnalyticalStore()
	l, ctx := testLedger(t, Options{
		Shards:     1,
		Analytical: analytical,
		Index:      NewMemoryDocumentIndex(),
	})

	var prev [HashSize]byte
	for i := 0; i < 10; i++ {
		ev, err := l.AppendSync(ctx, NewIntent(EventDataIngested, "sess-1", "dev-1", "anon-1",
			map[string]interface{}{"chunk_seq": i}))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, prev, ev.PrevHash)
		prev = ev.EventHash
	}

	v, err := l.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = l.Verify(ctx, 0, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, l.Lockdown().Engaged())
}

func TestTamperedReplicaIsDetected(t *testing.T) {
	analytical := NewMemoryAnalyticalStore()
	l, ctx := testLedger(t, Options{Shards: 1, Analytical: analytical})

	for i := 0; i < 1000; i++ {
		_, err := l.AppendSync(ctx, NewIntent(EventDataIngested, "sess-1", "dev-1", "",
			map[string]interface{}{"chunk_seq": i}))
		require.NoError(t, err)
	}

	require.True(t, analytical.Mutate(0, 500, func(ev *Event) {
		ev.Metadata["chunk_seq"] = 999999
	}))

	v, err := l.Verify(ctx, 0, 1, 1000)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, uint64(500), v.FirstBadSeq)
	assert.Equal(t, 0, v.Shard)
	assert.True(t, l.Lockdown().Engaged())

	// the latch rejects further writes
	_, err = l.AppendSync(ctx, NewIntent(EventSessionCreated, "sess-2", "", "", nil))
	require.Error(t, err)
	assert.Equal(t, errcode.CodeLockdown, errcode.CodeOf(err))
	_, err = l.Append(ctx, NewIntent(EventSessionCreated, "sess-2", "", "", nil))
	require.Error(t, err)
}

func TestIntentReplayIsIdempotent(t *testing.T) {
	l, ctx := testLedger(t, Options{Shards: 2})

	in := NewIntent(EventSessionCreated, "sess-1", "dev-1", "anon-1", nil)
	first, err := l.AppendSync(ctx, in)
	require.NoError(t, err)
	second, err := l.AppendSync(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.EventHash, second.EventHash)

	n, err := l.opts.Chain.Count(ctx, in.Shard(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestShardRouting(t *testing.T) {
	in1 := NewIntent(EventDataIngested, "session-a", "", "", nil)
	in2 := NewIntent(EventDataIngested, "session-a", "", "", nil)
	assert.Equal(t, in1.Shard(8), in2.Shard(8), "same session must map to the same shard")
	assert.Equal(t, 0, in1.Shard(1))
	assert.Equal(t, 0, in1.Shard(0))
}

func TestCanonicalBytesStable(t *testing.T) {
	in := NewIntent(EventFeaturesComputed, "s", "d", "u", map[string]interface{}{
		"b": 2, "a": 1, "nested": map[string]interface{}{"y": true, "x": "v"},
	})
	ev := &Event{
		EventID:   in.EventID,
		TsNs:      in.TsNs,
		EventType: in.EventType,
		SessionID: in.SessionID,
		DeviceID:  in.DeviceID,
		UserID:    in.UserID,
		Metadata:  in.Metadata,
	}
	b1, err := ev.CanonicalBytes()
	require.NoError(t, err)
	b2, err := ev.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	// touching any field changes the hash
	h1, err := ev.ComputeHash()
	require.NoError(t, err)
	ev.Metadata["a"] = 2
	h2, err := ev.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestLocalSignerRotation(t *testing.T) {
	s, err := NewLocalSigner("test")
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("event"))
	sig, keyID, err := s.Sign(digest)
	require.NoError(t, err)
	assert.Equal(t, "test-v1", keyID)
	require.NoError(t, s.Verify(digest, sig, keyID))

	newID, err := s.Rotate()
	require.NoError(t, err)
	assert.Equal(t, "test-v2", newID)
	assert.Equal(t, newID, s.ActiveKeyID())

	// signatures made before rotation stay verifiable
	require.NoError(t, s.Verify(digest, sig, keyID))

	other := sha256.Sum256([]byte("other"))
	assert.Error(t, s.Verify(other, sig, keyID))
	assert.Error(t, s.Verify(digest, sig, "test-v99"))
}

func TestSignedChainVerifies(t *testing.T) {
	signer, err := NewLocalSigner("ledger")
	require.NoError(t, err)
	l, ctx := testLedger(t, Options{Shards: 1, Signer: signer})

	for i := 0; i < 5; i++ {
		ev, err := l.AppendSync(ctx, NewIntent(EventDeviceConnected, "", fmt.Sprintf("dev-%d", i), "", nil))
		require.NoError(t, err)
		assert.NotEmpty(t, ev.Signature)
		assert.Equal(t, "ledger-v1", ev.SigningKeyID)
	}
	v, err := l.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLiteChainStore(t *testing.T) {
	store, err := NewSQLiteChainStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	var prev [HashSize]byte
	for i := 1; i <= 5; i++ {
		in := NewIntent(EventDataIngested, "s", "d", "", map[string]interface{}{"i": i})
		ev := &Event{
			Seq: uint64(i), Shard: 0, EventID: in.EventID, TsNs: in.TsNs,
			EventType: in.EventType, SessionID: in.SessionID, DeviceID: in.DeviceID,
			Metadata: in.Metadata, PrevHash: prev,
		}
		ev.EventHash, err = ev.ComputeHash()
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, ev))
		prev = ev.EventHash
	}

	tip, err := store.Tip(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, uint64(5), tip.Seq)
	ok, err := tip.Recompute()
	require.NoError(t, err)
	assert.True(t, ok, "event must survive a JSON round trip unchanged")

	got, err := store.Get(ctx, 0, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.Seq)

	events, err := store.Range(ctx, 0, 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Nil(t, verifyEvents(events, nil, events[0].PrevHash, 2))

	n, err := store.Count(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	// appending out of order forks the chain and must be refused
	bad := *tip
	bad.Seq = 9
	err = store.Append(ctx, &bad)
	require.Error(t, err)
	assert.Equal(t, errcode.Integrity, errcode.KindOf(err))
}

func TestSQLAnalyticalStore(t *testing.T) {
	store, err := NewSQLAnalyticalStore("sqlite3", ":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UnixNano()
	for i := 1; i <= 4; i++ {
		in := NewIntent(EventFeaturesComputed, "sess-q", "dev-q", "", nil)
		ev := &Event{
			Seq: uint64(i), Shard: 1, EventID: in.EventID,
			TsNs: base + int64(i)*int64(time.Second), EventType: in.EventType,
			SessionID: in.SessionID, DeviceID: in.DeviceID,
		}
		ev.EventHash, err = ev.ComputeHash()
		require.NoError(t, err)
		require.NoError(t, store.Insert(ctx, ev))
		// duplicate replication is a no-op
		require.NoError(t, store.Insert(ctx, ev))
	}

	max, err := store.MaxSeq(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), max)

	events, err := store.Range(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	recent, err := store.QueryTime(ctx, base, base+int64(10*time.Second), EventFeaturesComputed, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(4), recent[0].Seq, "newest first")

	none, err := store.QueryTime(ctx, base, base+int64(10*time.Second), EventPurgeExecuted, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisDocumentIndex(t *testing.T) {
	srv := miniredis.RunT(t)
	idx := NewRedisDocumentIndex(srv.Addr())
	defer idx.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		in := NewIntent(EventDataIngested, "sess-r", "dev-r", "anon-r", nil)
		ev := &Event{
			Seq: uint64(i + 1), EventID: in.EventID, TsNs: int64(1000 + i),
			EventType: in.EventType, SessionID: in.SessionID, UserID: in.UserID,
		}
		require.NoError(t, idx.Index(ctx, ev))
	}

	bySession, err := idx.BySession(ctx, "sess-r", 10)
	require.NoError(t, err)
	require.Len(t, bySession, 3)
	assert.Equal(t, int64(1002), bySession[0].TsNs, "newest first")

	byUser, err := idx.ByUser(ctx, "anon-r", 2)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	empty, err := idx.BySession(ctx, "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIntentsFlowThroughBroker(t *testing.T) {
	broker := stream.NewMemoryBroker()
	analytical := NewMemoryAnalyticalStore()
	l, ctx := testLedger(t, Options{
		Shards:     2,
		Analytical: analytical,
		Index:      NewMemoryDocumentIndex(),
		Broker:     broker,
	})

	in := NewIntent(EventSessionCreated, "sess-b", "", "anon-b", nil)
	id, err := l.Append(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in.EventID, id)

	shard := in.Shard(2)
	assert.Eventually(t, func() bool {
		n, err := l.opts.Chain.Count(ctx, shard)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the appended notification is published downstream
	assert.Eventually(t, func() bool {
		return broker.Len(stream.TopicLedgerOut) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRootAnchorCoversShardTips(t *testing.T) {
	l, ctx := testLedger(t, Options{Shards: 2})

	_, err := l.AppendSync(ctx, NewIntent(EventSessionCreated, "sess-x", "", "", nil))
	require.NoError(t, err)
	_, err = l.AppendSync(ctx, NewIntent(EventSessionCreated, "sess-y", "", "", nil))
	require.NoError(t, err)

	require.NoError(t, l.anchorRoot(ctx))

	root, err := l.Tip(ctx, l.RootShard())
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, EventRootAnchor, root.EventType)
	tips, ok := root.Metadata["tips"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, tips)

	v, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReconcileRepairsReplica(t *testing.T) {
	chain := NewMemoryChainStore()
	l, ctx := testLedger(t, Options{Shards: 1, Chain: chain})
	for i := 0; i < 3; i++ {
		_, err := l.AppendSync(ctx, NewIntent(EventDataIngested, "sess-z", "", "", nil))
		require.NoError(t, err)
	}

	// a second node comes up with an empty replica over the same chain
	replica := NewMemoryAnalyticalStore()
	l2, err := New(Options{Shards: 1, Chain: chain, Analytical: replica})
	require.NoError(t, err)
	require.NoError(t, l2.reconcileShard(ctx, 0))

	max, err := replica.MaxSeq(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), max)
}
