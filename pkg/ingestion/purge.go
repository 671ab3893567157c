// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/ledger"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// PurgeStats summarizes one purge pass over the raw batch prefix.
type PurgeStats struct {
	UserID         string    `json:"user_id_anon"`
	Sessions       []string  `json:"sessions"`
	ChunksRemoved  int       `json:"chunks_removed"`
	FilesRewritten int       `json:"files_rewritten"`
	FilesDeleted   int       `json:"files_deleted"`
	LedgerEventID  uuid.UUID `json:"ledger_event_id"`
}

// Purge removes a user's raw chunk data. Batch files under the batch
// prefix are rewritten without records belonging to the given sessions;
// files left empty are deleted. Ledger rows are never touched, the purge
// itself is appended as purge_executed with the user scope.
func (s *Service) Purge(ctx context.Context, userIDAnon string, sessions map[string]bool) (*PurgeStats, error) {
	if userIDAnon == "" {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeInvalidRequest,
			"purge requires the anonymized user id")
	}
	stats := &PurgeStats{UserID: userIDAnon}
	for id := range sessions {
		stats.Sessions = append(stats.Sessions, id)
	}
	sort.Strings(stats.Sessions)

	if dir := s.cfg.IngestBatchDir; dir != "" && len(sessions) > 0 {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != batchExt {
				continue
			}
			removed, kept, err := s.purgeBatchFile(filepath.Join(dir, entry.Name()), sessions)
			if err != nil {
				return nil, err
			}
			stats.ChunksRemoved += removed
			if removed == 0 {
				continue
			}
			if kept == 0 {
				stats.FilesDeleted++
			} else {
				stats.FilesRewritten++
			}
		}
	}

	stats.LedgerEventID = s.ledgerEvent(ctx, ledger.NewIntent(ledger.EventPurgeExecuted,
		"", "", userIDAnon, map[string]interface{}{
			"scope":          "user:" + userIDAnon,
			"sessions":       stats.Sessions,
			"chunks_removed": stats.ChunksRemoved,
		}))
	log.Infof("purge for user %s: %d chunks removed across %d sessions",
		userIDAnon, stats.ChunksRemoved, len(stats.Sessions))
	return stats, nil
}

// purgeBatchFile rewrites one batch file without the purged sessions'
// records and reports how many were removed and kept. Records that fail to
// decode are preserved as-is. The rewrite goes through a temp file so a
// crash mid-purge leaves the original intact.
func (s *Service) purgeBatchFile(path string, sessions map[string]bool) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
	}
	var keep bytes.Buffer
	removed, kept := 0, 0
	r := bufio.NewReader(f)
	for {
		raw, err := ReadBatchRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return 0, 0, errcode.New(errcode.Validation, errcode.CodeBatchRejected, err)
		}
		if chunk, derr := s.codec.Decode(raw); derr == nil && sessions[chunk.SessionID] {
			removed++
			continue
		}
		if err := WriteBatchRecord(&keep, raw); err != nil {
			f.Close()
			return 0, 0, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
		}
		kept++
	}
	f.Close()

	if removed == 0 {
		return 0, kept, nil
	}
	if kept == 0 {
		if err := os.Remove(path); err != nil {
			return 0, 0, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
		}
		return removed, 0, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, keep.Bytes(), 0o644); err != nil {
		return 0, 0, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, 0, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
	}
	return removed, kept, nil
}
