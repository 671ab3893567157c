// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
)

// MemoryFrameSink is the in-process derived store. Duplicate
// (session, window) emissions from log replays are absorbed silently.
type MemoryFrameSink struct {
	mu     sync.Mutex
	frames map[string][]*types.FeatureFrame
	seen   map[string]map[int64]bool
}

func NewMemoryFrameSink() *MemoryFrameSink {
	return &MemoryFrameSink{
		frames: make(map[string][]*types.FeatureFrame),
		seen:   make(map[string]map[int64]bool),
	}
}

func (s *MemoryFrameSink) Emit(_ context.Context, frame *types.FeatureFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	windows, ok := s.seen[frame.SessionID]
	if !ok {
		windows = make(map[int64]bool)
		s.seen[frame.SessionID] = windows
	}
	if windows[frame.WindowStartNs] {
		return nil
	}
	windows[frame.WindowStartNs] = true
	s.frames[frame.SessionID] = append(s.frames[frame.SessionID], frame)
	return nil
}

// Frames returns a session's frames in window order.
func (s *MemoryFrameSink) Frames(sessionID string) []*types.FeatureFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*types.FeatureFrame(nil), s.frames[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStartNs < out[j].WindowStartNs })
	return out
}

const sqlFrameSchema = `
CREATE TABLE IF NOT EXISTS feature_frames (
	session_id      TEXT   NOT NULL,
	window_start_ns BIGINT NOT NULL,
	window_end_ns   BIGINT NOT NULL,
	data_type       TEXT   NOT NULL,
	frame_json      TEXT   NOT NULL,
	PRIMARY KEY (session_id, window_start_ns)
);
CREATE INDEX IF NOT EXISTS idx_feature_frames_session ON feature_frames (session_id, window_start_ns);
`

// SQLFrameSink persists frames into the derived relational store. The
// primary key on (session_id, window_start_ns) makes emission idempotent.
type SQLFrameSink struct {
	db *sqlx.DB
}

// NewSQLFrameSink opens the sink. driverName is "pgx" for PostgreSQL or
// "sqlite3" for embedded runs.
func NewSQLFrameSink(driverName, dsn string) (*SQLFrameSink, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqlFrameSchema); err != nil {
		db.Close()
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	return &SQLFrameSink{db: db}, nil
}

func (s *SQLFrameSink) Emit(ctx context.Context, frame *types.FeatureFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidRequest, err)
	}
	q := s.db.Rebind(`INSERT INTO feature_frames
		(session_id, window_start_ns, window_end_ns, data_type, frame_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, window_start_ns) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q,
		frame.SessionID, frame.WindowStartNs, frame.WindowEndNs,
		frame.DataType.String(), string(raw)); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return nil
}

// Frames returns a session's stored frames in window order.
func (s *SQLFrameSink) Frames(ctx context.Context, sessionID string) ([]*types.FeatureFrame, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT frame_json FROM feature_frames
			WHERE session_id = ? ORDER BY window_start_ns`), sessionID)
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	defer rows.Close()
	var out []*types.FeatureFrame
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
		}
		var frame types.FeatureFrame
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			return nil, errcode.New(errcode.Integrity, errcode.CodeStoreDivergence, err)
		}
		out = append(out, &frame)
	}
	return out, rows.Err()
}

func (s *SQLFrameSink) Close() error { return s.db.Close() }
