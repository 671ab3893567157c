// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/neurascale/neural-engine/pkg/errcode"
)

const sqliteChainSchema = `
CREATE TABLE IF NOT EXISTS ledger_chain (
	shard      INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	doc_key    TEXT    NOT NULL,
	event_id   TEXT    NOT NULL,
	event_json TEXT    NOT NULL,
	PRIMARY KEY (shard, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_chain_doc_key ON ledger_chain (doc_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_chain_event_id ON ledger_chain (event_id);
`

// SQLiteChainStore persists chains in a local SQLite file. The (shard, seq)
// primary key makes concurrent duplicate appends fail instead of forking the
// chain.
type SQLiteChainStore struct {
	db *sqlx.DB
}

// NewSQLiteChainStore opens (and if needed initializes) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteChainStore(path string) (*SQLiteChainStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	// SQLite handles one writer at a time; a single pooled conn avoids
	// SQLITE_BUSY churn under the per-shard writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteChainSchema); err != nil {
		db.Close()
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	return &SQLiteChainStore{db: db}, nil
}

func (s *SQLiteChainStore) Append(ctx context.Context, ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidRequest, err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	defer tx.Rollback()

	var tip sql.NullInt64
	if err := tx.GetContext(ctx, &tip,
		`SELECT MAX(seq) FROM ledger_chain WHERE shard = ?`, ev.Shard); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	if want := uint64(tip.Int64) + 1; ev.Seq != want {
		return errcode.Newf(errcode.Integrity, errcode.CodeStoreDivergence,
			"shard %d append seq %d, tip is %d", ev.Shard, ev.Seq, tip.Int64)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_chain (shard, seq, doc_key, event_id, event_json) VALUES (?, ?, ?, ?, ?)`,
		ev.Shard, ev.Seq, DocKey(ev.Shard, ev.Seq), ev.EventID.String(), string(raw)); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return nil
}

func scanEvents(rows *sqlx.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, errcode.New(errcode.Integrity, errcode.CodeStoreDivergence, err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteChainStore) Tip(ctx context.Context, shard int) (*Event, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT event_json FROM ledger_chain WHERE shard = ? ORDER BY seq DESC LIMIT 1`, shard)
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *SQLiteChainStore) Get(ctx context.Context, shard int, seq uint64) (*Event, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT event_json FROM ledger_chain WHERE shard = ? AND seq = ?`, shard, seq)
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *SQLiteChainStore) Range(ctx context.Context, shard int, from, to uint64) ([]*Event, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT event_json FROM ledger_chain WHERE shard = ? AND seq BETWEEN ? AND ? ORDER BY seq ASC`,
		shard, from, to)
	if err != nil {
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return scanEvents(rows)
}

func (s *SQLiteChainStore) Count(ctx context.Context, shard int) (uint64, error) {
	var n uint64
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ledger_chain WHERE shard = ?`, shard); err != nil {
		return 0, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteChainStore) Close() error { return s.db.Close() }
