// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ingestion

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/ledger"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Batch files are a sequence of length-prefixed wire-format chunks:
// uint32 LE record length followed by the codec bytes.
const batchExt = ".neb"

// BatchResult identifies an accepted upload.
type BatchResult struct {
	BatchID       string    `json:"batch_id"`
	Path          string    `json:"path"`
	LedgerEventID uuid.UUID `json:"ledger_event_id"`
}

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// UploadBatch stores the raw upload under the batch prefix, appends a
// batch_uploaded ledger event and enqueues the processing job. The chunks
// re-enter ingestion through the same validation path as live traffic.
func (s *Service) UploadBatch(ctx context.Context, r io.Reader) (*BatchResult, error) {
	dir := s.cfg.IngestBatchDir
	if dir == "" {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeInvalidConfig,
			"batch uploads require ingest.batch_dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	path := filepath.Join(dir, id.String()+batchExt)
	f, err := os.Create(path)
	if err != nil {
		return nil, errcode.New(errcode.Resource, errcode.CodeStoreUnavailable, err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, errcode.New(errcode.Resource, errcode.CodeBatchRejected, err)
	}

	eventID := s.ledgerEvent(ctx, ledger.NewIntent(ledger.EventBatchUploaded, "", "", "",
		map[string]interface{}{"batch_id": id.String(), "bytes": size}))

	select {
	case s.batchJobs <- path:
	default:
		log.Warnf("ingestion: batch job queue full, %s awaits manual replay", path)
	}
	return &BatchResult{BatchID: id.String(), Path: path, LedgerEventID: eventID}, nil
}

// ReplayBatch feeds a stored batch file through the live ingestion path
// chunk by chunk. Rejected chunks are counted and skipped, they do not
// abort the batch.
func (s *Service) ReplayBatch(ctx context.Context, path string) (*ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errcode.New(errcode.Validation, errcode.CodeBatchRejected, err)
	}
	defer f.Close()

	stats := &ReplayStats{}
	r := bufio.NewReader(f)
	for {
		raw, err := ReadBatchRecord(r)
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, errcode.New(errcode.Validation, errcode.CodeBatchRejected, err)
		}
		if _, err := s.IngestEncoded(ctx, raw); err != nil {
			stats.Rejected++
			log.Warnf("ingestion: batch %s: chunk rejected: %v", filepath.Base(path), err)
			continue
		}
		stats.Accepted++
	}
}

// batchLoop drains queued processing jobs.
func (s *Service) batchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-s.batchJobs:
			stats, err := s.ReplayBatch(ctx, path)
			if err != nil {
				log.Errorf("ingestion: batch %s failed: %v", filepath.Base(path), err)
				continue
			}
			log.Infof("ingestion: batch %s processed, %d accepted, %d rejected",
				filepath.Base(path), stats.Accepted, stats.Rejected)
		}
	}
}

// WriteBatchRecord appends one wire-format chunk to a batch stream.
func WriteBatchRecord(w io.Writer, encoded []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(encoded)
	return err
}

// ReadBatchRecord reads the next chunk, or io.EOF at a clean end.
func ReadBatchRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return raw, nil
}
