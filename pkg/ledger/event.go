// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package ledger implements the tamper-evident audit chain. Every
// data-affecting action in the engine is recorded as a hash-chained event,
// materialized across a chain store (authoritative), an analytical store and
// a document index.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType tags a ledger event.
type EventType string

// Event types recorded by the engine.
const (
	EventSessionCreated     EventType = "session_created"
	EventSessionClosed      EventType = "session_closed"
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventDataIngested       EventType = "data_ingested"
	EventFeaturesComputed   EventType = "features_computed"
	EventAnomalyDetected    EventType = "anomaly_detected"
	EventAccessGranted      EventType = "access_granted"
	EventAccessDenied       EventType = "access_denied"
	EventKeyRotated         EventType = "key_rotated"
	EventBatchUploaded      EventType = "batch_uploaded"
	EventPurgeExecuted      EventType = "purge_executed"
	EventRootAnchor         EventType = "root_anchor"
)

// HashSize is the size of chain hashes.
const HashSize = sha256.Size

// ZeroHash is the genesis prev_hash.
var ZeroHash [HashSize]byte

// Event is one immutable ledger record. Once persisted it is append-only;
// any mutation is detectable by Verify.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Shard     int                    `json:"shard"`
	EventID   uuid.UUID              `json:"event_id"`
	TsNs      int64                  `json:"ts_ns"`
	EventType EventType              `json:"event_type"`
	SessionID string                 `json:"session_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"` // anonymized, never raw
	DataHash  [HashSize]byte         `json:"data_hash"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PrevHash  [HashSize]byte         `json:"prev_hash"`
	EventHash [HashSize]byte         `json:"event_hash"`
	Signature []byte                 `json:"signature,omitempty"`
	// SigningKeyID records the KMS key version that produced Signature.
	SigningKeyID string `json:"signing_key_id,omitempty"`
}

// CanonicalBytes serializes the event fields in the fixed order hashed into
// the chain: event_id, ts_ns, event_type, session_id, device_id,
// user_id_anon, data_hash, canonical metadata JSON, prev_hash. String and
// metadata fields are uvarint length prefixed so the encoding is
// unambiguous; metadata keys are sorted by the JSON encoder.
func (e *Event) CanonicalBytes() ([]byte, error) {
	buf := make([]byte, 0, 128+len(e.SessionID)+len(e.DeviceID)+len(e.UserID))
	buf = append(buf, e.EventID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TsNs))
	buf = appendLenPrefixed(buf, []byte(e.EventType))
	buf = appendLenPrefixed(buf, []byte(e.SessionID))
	buf = appendLenPrefixed(buf, []byte(e.DeviceID))
	buf = appendLenPrefixed(buf, []byte(e.UserID))
	buf = append(buf, e.DataHash[:]...)

	meta, err := canonicalJSON(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata not canonicalizable: %v", err)
	}
	buf = appendLenPrefixed(buf, meta)
	buf = append(buf, e.PrevHash[:]...)
	return buf, nil
}

// ComputeHash returns SHA-256 over the canonical bytes. PrevHash must be set
// before calling.
func (e *Event) ComputeHash() ([HashSize]byte, error) {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return ZeroHash, err
	}
	return sha256.Sum256(canonical), nil
}

// Recompute reports whether the stored EventHash matches the canonical
// content.
func (e *Event) Recompute() (bool, error) {
	h, err := e.ComputeHash()
	if err != nil {
		return false, err
	}
	return h == e.EventHash, nil
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// canonicalJSON marshals metadata deterministically. encoding/json sorts map
// keys; a nil map canonicalizes to the empty object so presence and absence
// hash identically.
func canonicalJSON(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	// Round-trip through the encoder normalizes numeric types that may
	// differ between the producing component and a replayed decode.
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var norm map[string]interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}
