// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/neurascale/neural-engine/pkg/errcode"
)

// ChainStore is the authoritative event store. Appends must be atomic and
// must extend the shard tip; everything else in the ledger is derived from
// it and can be rebuilt.
type ChainStore interface {
	// Append persists the event. It fails if ev.Seq is not exactly one
	// past the current tip of ev.Shard.
	Append(ctx context.Context, ev *Event) error
	// Tip returns the highest-seq event of the shard, or nil when empty.
	Tip(ctx context.Context, shard int) (*Event, error)
	// Get returns the event at (shard, seq), or nil when absent.
	Get(ctx context.Context, shard int, seq uint64) (*Event, error)
	// Range returns events with from <= seq <= to in ascending order.
	Range(ctx context.Context, shard int, from, to uint64) ([]*Event, error)
	// Count returns the number of events in the shard.
	Count(ctx context.Context, shard int) (uint64, error)
	Close() error
}

// AnalyticalStore holds a queryable replica of the chain. It is
// non-authoritative: divergence from the chain store is repaired by
// reconciliation, never the other way around.
type AnalyticalStore interface {
	Insert(ctx context.Context, ev *Event) error
	// Range mirrors ChainStore.Range over the replica.
	Range(ctx context.Context, shard int, from, to uint64) ([]*Event, error)
	// QueryTime returns events within [fromNs, toNs), optionally filtered
	// by type, newest first, capped at limit.
	QueryTime(ctx context.Context, fromNs, toNs int64, eventType EventType, limit int) ([]*Event, error)
	// MaxSeq returns the highest replicated seq for the shard, 0 when empty.
	MaxSeq(ctx context.Context, shard int) (uint64, error)
	Close() error
}

// DocumentIndex answers point lookups by session and user without scanning
// the chain.
type DocumentIndex interface {
	Index(ctx context.Context, ev *Event) error
	// BySession returns events of a session, newest first, capped at limit.
	BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error)
	// ByUser returns events of an anonymized user, newest first.
	ByUser(ctx context.Context, userID string, limit int) ([]*Event, error)
	Close() error
}

// DocKey is the storage key of an event. The reverse-padded seq makes a
// lexicographic ascending scan return newest events first.
func DocKey(shard int, seq uint64) string {
	return fmt.Sprintf("ledger/%d/%020d", shard, math.MaxUint64-seq)
}

// cloneEvent copies an event deeply enough that callers mutating the
// returned metadata or signature cannot reach the stored original.
func cloneEvent(ev *Event) *Event {
	cp := *ev
	if ev.Metadata != nil {
		m := make(map[string]interface{}, len(ev.Metadata))
		for k, v := range ev.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	if ev.Signature != nil {
		cp.Signature = append([]byte(nil), ev.Signature...)
	}
	return &cp
}

// MemoryChainStore keeps chains in process memory.
type MemoryChainStore struct {
	mu     sync.RWMutex
	shards map[int][]*Event
}

// NewMemoryChainStore builds an empty store.
func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{shards: make(map[int][]*Event)}
}

func (s *MemoryChainStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.shards[ev.Shard]
	if want := uint64(len(chain)) + 1; ev.Seq != want {
		return errcode.Newf(errcode.Integrity, errcode.CodeStoreDivergence,
			"shard %d append seq %d, tip is %d", ev.Shard, ev.Seq, len(chain))
	}
	s.shards[ev.Shard] = append(chain, cloneEvent(ev))
	return nil
}

func (s *MemoryChainStore) Tip(_ context.Context, shard int) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.shards[shard]
	if len(chain) == 0 {
		return nil, nil
	}
	return cloneEvent(chain[len(chain)-1]), nil
}

func (s *MemoryChainStore) Get(_ context.Context, shard int, seq uint64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.shards[shard]
	if seq == 0 || seq > uint64(len(chain)) {
		return nil, nil
	}
	return cloneEvent(chain[seq-1]), nil
}

func (s *MemoryChainStore) Range(_ context.Context, shard int, from, to uint64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.shards[shard]
	if from == 0 {
		from = 1
	}
	if to > uint64(len(chain)) {
		to = uint64(len(chain))
	}
	if from > to {
		return nil, nil
	}
	out := make([]*Event, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		out = append(out, cloneEvent(chain[seq-1]))
	}
	return out, nil
}

func (s *MemoryChainStore) Count(_ context.Context, shard int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.shards[shard])), nil
}

func (s *MemoryChainStore) Close() error { return nil }

// MemoryAnalyticalStore is the in-process replica used by tests and
// single-node runs.
type MemoryAnalyticalStore struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[uuid.UUID]*Event
}

// NewMemoryAnalyticalStore builds an empty replica.
func NewMemoryAnalyticalStore() *MemoryAnalyticalStore {
	return &MemoryAnalyticalStore{byID: make(map[uuid.UUID]*Event)}
}

func (s *MemoryAnalyticalStore) Insert(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[ev.EventID]; dup {
		return nil
	}
	cp := cloneEvent(ev)
	s.events = append(s.events, cp)
	s.byID[ev.EventID] = cp
	return nil
}

func (s *MemoryAnalyticalStore) Range(_ context.Context, shard int, from, to uint64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.Shard == shard && ev.Seq >= from && ev.Seq <= to {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryAnalyticalStore) QueryTime(_ context.Context, fromNs, toNs int64, eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.TsNs < fromNs || ev.TsNs >= toNs {
			continue
		}
		if eventType != "" && ev.EventType != eventType {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsNs > out[j].TsNs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAnalyticalStore) MaxSeq(_ context.Context, shard int) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, ev := range s.events {
		if ev.Shard == shard && ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}

func (s *MemoryAnalyticalStore) Close() error { return nil }

// Mutate rewrites the stored copy of an event in place. Only tests use it,
// to simulate out-of-band tampering with the replica.
func (s *MemoryAnalyticalStore) Mutate(shard int, seq uint64, fn func(*Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Shard == shard && ev.Seq == seq {
			fn(ev)
			return true
		}
	}
	return false
}

// MemoryDocumentIndex is the in-process session/user index.
type MemoryDocumentIndex struct {
	mu        sync.RWMutex
	bySession map[string][]*Event
	byUser    map[string][]*Event
}

// NewMemoryDocumentIndex builds an empty index.
func NewMemoryDocumentIndex() *MemoryDocumentIndex {
	return &MemoryDocumentIndex{
		bySession: make(map[string][]*Event),
		byUser:    make(map[string][]*Event),
	}
}

func (s *MemoryDocumentIndex) Index(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneEvent(ev)
	if ev.SessionID != "" {
		s.bySession[ev.SessionID] = append(s.bySession[ev.SessionID], cp)
	}
	if ev.UserID != "" {
		s.byUser[ev.UserID] = append(s.byUser[ev.UserID], cp)
	}
	return nil
}

func newestFirst(events []*Event, limit int) []*Event {
	out := make([]*Event, 0, len(events))
	for _, ev := range events {
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsNs > out[j].TsNs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryDocumentIndex) BySession(_ context.Context, sessionID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.bySession[sessionID], limit), nil
}

func (s *MemoryDocumentIndex) ByUser(_ context.Context, userID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.byUser[userID], limit), nil
}

func (s *MemoryDocumentIndex) Close() error { return nil }
