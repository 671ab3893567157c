// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/neurascale/neural-engine/pkg/errcode"
)

const sqlAnalyticalSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	event_id   TEXT    NOT NULL PRIMARY KEY,
	shard      INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	ts_ns      BIGINT  NOT NULL,
	day        TEXT    NOT NULL,
	event_type TEXT    NOT NULL,
	session_id TEXT    NOT NULL,
	device_id  TEXT    NOT NULL,
	user_id    TEXT    NOT NULL,
	event_json TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_shard_seq ON ledger_events (shard, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_events_day_type ON ledger_events (day, event_type);
CREATE INDEX IF NOT EXISTS idx_ledger_events_ts ON ledger_events (ts_ns);
`

// SQLAnalyticalStore replicates events into a relational database for ad-hoc
// queries. The day column drives time partitioning and retention jobs.
type SQLAnalyticalStore struct {
	db *sqlx.DB
}

// NewSQLAnalyticalStore opens the store. driverName is "pgx" for PostgreSQL
// or "sqlite3" for embedded runs.
func NewSQLAnalyticalStore(driverName, dsn string) (*SQLAnalyticalStore, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqlAnalyticalSchema); err != nil {
		db.Close()
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	return &SQLAnalyticalStore{db: db}, nil
}

func dayOf(tsNs int64) string {
	return time.Unix(0, tsNs).UTC().Format("2006-01-02")
}

func (s *SQLAnalyticalStore) Insert(ctx context.Context, ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidRequest, err)
	}
	// Conflicts on event_id are replays of an already replicated event.
	q := s.db.Rebind(`INSERT INTO ledger_events
		(event_id, shard, seq, ts_ns, day, event_type, session_id, device_id, user_id, event_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q,
		ev.EventID.String(), ev.Shard, ev.Seq, ev.TsNs, dayOf(ev.TsNs),
		string(ev.EventType), ev.SessionID, ev.DeviceID, ev.UserID, string(raw)); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return nil
}

func (s *SQLAnalyticalStore) Range(ctx context.Context, shard int, from, to uint64) ([]*Event, error) {
	q := s.db.Rebind(`SELECT event_json FROM ledger_events
		WHERE shard = ? AND seq BETWEEN ? AND ? ORDER BY seq ASC`)
	rows, err := s.db.QueryxContext(ctx, q, shard, from, to)
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return scanEvents(rows)
}

func (s *SQLAnalyticalStore) QueryTime(ctx context.Context, fromNs, toNs int64, eventType EventType, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sqlx.Rows
		err  error
	)
	if eventType != "" {
		q := s.db.Rebind(`SELECT event_json FROM ledger_events
			WHERE ts_ns >= ? AND ts_ns < ? AND event_type = ? ORDER BY ts_ns DESC LIMIT ?`)
		rows, err = s.db.QueryxContext(ctx, q, fromNs, toNs, string(eventType), limit)
	} else {
		q := s.db.Rebind(`SELECT event_json FROM ledger_events
			WHERE ts_ns >= ? AND ts_ns < ? ORDER BY ts_ns DESC LIMIT ?`)
		rows, err = s.db.QueryxContext(ctx, q, fromNs, toNs, limit)
	}
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return scanEvents(rows)
}

func (s *SQLAnalyticalStore) MaxSeq(ctx context.Context, shard int) (uint64, error) {
	var max sql.NullInt64
	q := s.db.Rebind(`SELECT MAX(seq) FROM ledger_events WHERE shard = ?`)
	if err := s.db.GetContext(ctx, &max, q, shard); err != nil {
		return 0, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return uint64(max.Int64), nil
}

func (s *SQLAnalyticalStore) Close() error { return s.db.Close() }
