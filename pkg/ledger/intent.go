// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Intent is a request to append an event. Producers publish intents to the
// durable log; the shard writer turns each into exactly one Event. The
// intent's EventID doubles as the idempotence key, so at-least-once intent
// delivery still yields an append-exactly-once chain.
type Intent struct {
	EventID   uuid.UUID              `json:"event_id"`
	TsNs      int64                  `json:"ts_ns"`
	EventType EventType              `json:"event_type"`
	SessionID string                 `json:"session_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	DataHash  [HashSize]byte         `json:"data_hash"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewIntent stamps a fresh intent with a time-ordered id and the wall clock.
func NewIntent(eventType EventType, sessionID, deviceID, userID string, metadata map[string]interface{}) Intent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Intent{
		EventID:   id,
		TsNs:      time.Now().UnixNano(),
		EventType: eventType,
		SessionID: sessionID,
		DeviceID:  deviceID,
		UserID:    userID,
		Metadata:  metadata,
	}
}

// WithDataHash attaches the content hash of the data the event refers to.
func (in Intent) WithDataHash(h [HashSize]byte) Intent {
	in.DataHash = h
	return in
}

// Shard maps the intent onto one of n chains. Events of a session always
// land on the same shard so the chain preserves per-session causality.
func (in Intent) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	switch {
	case in.SessionID != "":
		h.Write([]byte(in.SessionID))
	case in.DeviceID != "":
		h.Write([]byte(in.DeviceID))
	default:
		h.Write(in.EventID[:])
	}
	return int(h.Sum32() % uint32(n))
}

// Marshal encodes the intent for broker transit.
func (in Intent) Marshal() ([]byte, error) {
	return json.Marshal(in)
}

// UnmarshalIntent decodes a broker record value.
func UnmarshalIntent(b []byte) (Intent, error) {
	var in Intent
	err := json.Unmarshal(b, &in)
	return in, err
}
