// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/neurascale/neural-engine/pkg/errcode"
)

// RedisDocumentIndex keeps per-session and per-user sorted sets in Redis,
// scored by event time, with event bodies in a side hash. It serves the
// control-plane lookups that would otherwise scan the analytical store.
type RedisDocumentIndex struct {
	client *redis.Client
}

// NewRedisDocumentIndex connects to the given address.
func NewRedisDocumentIndex(addr string) *RedisDocumentIndex {
	return &RedisDocumentIndex{client: redis.NewClient(&redis.Options{Addr: addr})}
}

const (
	idxEventsKey  = "ne:ledger:events"
	idxSessionKey = "ne:ledger:session:"
	idxUserKey    = "ne:ledger:user:"
)

func (s *RedisDocumentIndex) Index(ctx context.Context, ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidRequest, err)
	}
	id := ev.EventID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, idxEventsKey, id, raw)
	member := redis.Z{Score: float64(ev.TsNs), Member: id}
	if ev.SessionID != "" {
		pipe.ZAdd(ctx, idxSessionKey+ev.SessionID, member)
	}
	if ev.UserID != "" {
		pipe.ZAdd(ctx, idxUserKey+ev.UserID, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return nil
}

func (s *RedisDocumentIndex) fetch(ctx context.Context, setKey string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, setKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := s.client.HMGet(ctx, idxEventsKey, ids...).Result()
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	out := make([]*Event, 0, len(bodies))
	for _, b := range bodies {
		raw, ok := b.(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, errcode.New(errcode.Integrity, errcode.CodeStoreDivergence, err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *RedisDocumentIndex) BySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	return s.fetch(ctx, idxSessionKey+sessionID, limit)
}

func (s *RedisDocumentIndex) ByUser(ctx context.Context, userID string, limit int) ([]*Event, error) {
	return s.fetch(ctx, idxUserKey+userID, limit)
}

func (s *RedisDocumentIndex) Close() error { return s.client.Close() }
