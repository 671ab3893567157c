// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package devicemanager

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
)

const sqlSessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT   NOT NULL PRIMARY KEY,
	end_ts_ns    BIGINT NOT NULL,
	session_json TEXT   NOT NULL
);
`

// SQLSessionStore keeps closed sessions in the relational store, next to
// the feature frames. Saving the same session twice overwrites the row, so
// replays of a session close are harmless.
type SQLSessionStore struct {
	db *sqlx.DB
}

// NewSQLSessionStore opens the store. driverName is "pgx" for PostgreSQL or
// "sqlite3" for embedded runs.
func NewSQLSessionStore(driverName, dsn string) (*SQLSessionStore, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqlSessionSchema); err != nil {
		db.Close()
		return nil, errcode.New(errcode.Configuration, errcode.CodeStoreUnavailable, err)
	}
	return &SQLSessionStore{db: db}, nil
}

func (s *SQLSessionStore) Save(ctx context.Context, session *types.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidRequest, err)
	}
	q := s.db.Rebind(`INSERT INTO sessions (session_id, end_ts_ns, session_json)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			end_ts_ns = excluded.end_ts_ns,
			session_json = excluded.session_json`)
	if _, err := s.db.ExecContext(ctx, q, session.ID, session.EndTsNs, string(raw)); err != nil {
		return errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	return nil
}

// Get returns the stored session, or nil when absent.
func (s *SQLSessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	var raw string
	q := s.db.Rebind(`SELECT session_json FROM sessions WHERE session_id = ?`)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errcode.New(errcode.Transient, errcode.CodeStoreUnavailable, err)
	}
	var session types.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, errcode.New(errcode.Integrity, errcode.CodeStoreDivergence, err)
	}
	return &session, nil
}

func (s *SQLSessionStore) Close() error { return s.db.Close() }
