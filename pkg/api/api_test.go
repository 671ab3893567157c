// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/codec"
	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/device"
	"github.com/neurascale/neural-engine/pkg/devicemanager"
	"github.com/neurascale/neural-engine/pkg/ingestion"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/stream"
	"github.com/neurascale/neural-engine/pkg/types"
)

type fakeLedger struct {
	mu        sync.Mutex
	intents   []ledger.Intent
	violation *ledger.Violation
}

func (f *fakeLedger) Append(_ context.Context, in ledger.Intent) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	return in.EventID, nil
}

func (f *fakeLedger) Verify(context.Context, int, uint64, uint64) (*ledger.Violation, error) {
	return f.violation, nil
}

func (f *fakeLedger) VerifyAll(context.Context) (*ledger.Violation, error) {
	return f.violation, nil
}

func (f *fakeLedger) EventsBySession(_ context.Context, sessionID string, limit int) ([]*ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Event
	for _, in := range f.intents {
		if in.SessionID != sessionID || len(out) >= limit {
			continue
		}
		out = append(out, &ledger.Event{
			EventID:   in.EventID,
			EventType: in.EventType,
			SessionID: in.SessionID,
			Metadata:  in.Metadata,
		})
	}
	return out, nil
}

func (f *fakeLedger) EventsByUser(_ context.Context, userID string, limit int) ([]*ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Event
	for _, in := range f.intents {
		if in.UserID != userID || len(out) >= limit {
			continue
		}
		out = append(out, &ledger.Event{
			EventID:   in.EventID,
			EventType: in.EventType,
			SessionID: in.SessionID,
			UserID:    in.UserID,
			Metadata:  in.Metadata,
		})
	}
	return out, nil
}

func (f *fakeLedger) EventsByTime(context.Context, int64, int64, ledger.EventType, int) ([]*ledger.Event, error) {
	return nil, nil
}

func (f *fakeLedger) Shards() int { return 1 }

func (f *fakeLedger) byType(eventType ledger.EventType) []ledger.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Intent
	for _, in := range f.intents {
		if in.EventType == eventType {
			out = append(out, in)
		}
	}
	return out
}

func testServer(t *testing.T) (*Server, *fakeLedger, *devicemanager.Manager) {
	t.Helper()
	cfg := &config.Config{
		AuthTokens: map[string]string{
			"writer-token": "write:neural_data",
			"reader-token": "read:sessions,read:features",
			"ops-token":    "execute:analysis",
			"admin-token":  "admin:*",
		},
		IngestMaxChunkBytes:  1 << 20,
		IngestBufferSize:     100,
		IngestBufferHighWM:   0.8,
		IngestPartitions:     1,
		HealthCheckInterval:  time.Second,
		HealthAlertThreshold: 3,
	}
	lg := &fakeLedger{}
	mgr := devicemanager.New(cfg, lg, nil, nil, nil, nil)
	broker := stream.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	ing := ingestion.New(cfg, broker, lg, mgr, nil)
	hc := health.NewCatalog(nil)
	srv := New(cfg, mgr, ing, lg, &ledger.Lockdown{}, nil, hc)
	return srv, lg, mgr
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsAndLedgersDenials(t *testing.T) {
	srv, lg, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/session/start", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/session/start", "reader-token",
		map[string]string{"subject_id": "s"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	denials := lg.byType(ledger.EventAccessDenied)
	require.Len(t, denials, 2)
	assert.Equal(t, "/v1/session/start", denials[0].Metadata["path"])
	assert.Equal(t, PermWriteNeuralData, denials[1].Metadata["permission"])

	rec = doJSON(t, h, http.MethodGet, "/v1/devices", "reader-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/devices", "admin-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "admin:* implies every permission")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/session/start", "writer-token",
		map[string]interface{}{"subject_id": "subj", "data_type": "eeg", "sampling_rate_hz": 1000, "num_channels": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	sessionID := started["session_id"]
	require.NotEmpty(t, sessionID)

	rec = doJSON(t, h, http.MethodPost, "/v1/session/start", "writer-token",
		map[string]string{"subject_id": "other"})
	assert.Equal(t, http.StatusConflict, rec.Code, "second concurrent session conflicts")

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+sessionID, "reader-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, types.SessionActive, session.Status)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/not-a-session", "reader-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/session/end", "writer-token",
		map[string]string{"session_id": sessionID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/session/end", "writer-token",
		map[string]string{"session_id": sessionID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "ended session is no longer active")

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+sessionID, "reader-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, "closed sessions stay readable")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, types.SessionClosed, session.Status)
	assert.NotZero(t, session.EndTsNs)
}

func encodedChunk(t *testing.T, sessionID string) string {
	t.Helper()
	samples := make([][]float32, 2)
	for ch := range samples {
		samples[ch] = make([]float32, 50)
		for i := range samples[ch] {
			samples[ch][i] = 10 * float32(math.Sin(2*math.Pi*10*float64(i)/1000))
		}
	}
	chunk := &types.SampleChunk{
		SessionID:      sessionID,
		DeviceID:       "dev-1",
		DataType:       types.DataTypeEEG,
		SamplingRateHz: 1000,
		Channels:       []types.Channel{{ID: 0, Label: "ch0"}, {ID: 1, Label: "ch1"}},
		Samples:        samples,
		ChunkSeq:       1,
		DeviceTsNs:     1_000_000,
	}
	raw, err := codec.New(1 << 20).Encode(chunk)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestIngestEndpoint(t *testing.T) {
	srv, lg, mgr := testServer(t)
	h := srv.Handler()

	session, err := mgr.StartSession(context.Background(), devicemanager.SessionMeta{
		SubjectID: "subj", DataType: types.DataTypeEEG, SamplingRateHz: 1000, NumChannels: 2,
	})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/v1/ingest/neural-data", "writer-token",
		ingestRequest{Codec: "v1", Data: encodedChunk(t, session.ID)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ingestion.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, session.ID, result.SessionID)
	assert.Equal(t, 50, result.SamplesProcessed)
	require.Len(t, lg.byType(ledger.EventDataIngested), 1)

	rec = doJSON(t, h, http.MethodPost, "/v1/ingest/neural-data", "writer-token",
		ingestRequest{Codec: "v1", Data: "!!not-base64!!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/ingest/neural-data", "writer-token",
		ingestRequest{Codec: "v9", Data: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurgeEndpoint(t *testing.T) {
	srv, lg, _ := testServer(t)
	h := srv.Handler()
	srv.cfg.IngestBatchDir = t.TempDir()

	// Seed an audit row tying the user to a session, and a raw batch file
	// holding that session's chunks.
	_, err := lg.Append(context.Background(), ledger.NewIntent(
		ledger.EventDataIngested, "sess-p", "dev-1", "anon-3", nil))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encodedChunk(t, "sess-p"))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, ingestion.WriteBatchRecord(&buf, raw))
	batchPath := filepath.Join(srv.cfg.IngestBatchDir, "batch.neb")
	require.NoError(t, os.WriteFile(batchPath, buf.Bytes(), 0o644))

	rec := doJSON(t, h, http.MethodPost, "/v1/purge", "writer-token",
		map[string]string{"user_id_anon": "anon-3"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "purge is an admin verb")

	rec = doJSON(t, h, http.MethodPost, "/v1/purge", "admin-token",
		map[string]string{"user_id_anon": "anon-3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats ingestion.PurgeStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "anon-3", stats.UserID)
	assert.Equal(t, []string{"sess-p"}, stats.Sessions)
	assert.Equal(t, 1, stats.ChunksRemoved)

	_, statErr := os.Stat(batchPath)
	assert.True(t, os.IsNotExist(statErr), "emptied batch file is removed")

	purges := lg.byType(ledger.EventPurgeExecuted)
	require.Len(t, purges, 1)
	assert.Equal(t, "user:anon-3", purges[0].Metadata["scope"])
	assert.Len(t, lg.byType(ledger.EventDataIngested), 1, "audit rows survive the purge")

	rec = doJSON(t, h, http.MethodPost, "/v1/purge", "admin-token", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockdownBlocksMutatingRoutes(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()
	srv.lockdown.Engage(0, "tamper detected in shard 0")

	rec := doJSON(t, h, http.MethodPost, "/v1/session/start", "writer-token",
		map[string]string{"subject_id": "s"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/devices", "reader-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay available in lockdown")
}

func TestLedgerVerifyEndpoint(t *testing.T) {
	srv, lg, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/ledger/verify", "ops-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)

	lg.violation = &ledger.Violation{Shard: 0, FirstBadSeq: 500, Reason: "event hash mismatch"}
	rec = doJSON(t, h, http.MethodGet, "/v1/ledger/verify?from=1&to=1000", "ops-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Violation)
	assert.Equal(t, uint64(500), resp.Violation.FirstBadSeq)

	rec = doJSON(t, h, http.MethodGet, "/v1/ledger/verify", "reader-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	srv, _, mgr := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/devices", "writer-token", types.DiscoveredDevice{
		DiscoveryID: "abcdef0123456789",
		DeviceType:  "synthetic",
		Protocol:    types.ProtocolSynthetic,
		Endpoint:    "synthetic-0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	deviceID := created["device_id"]

	rec = doJSON(t, h, http.MethodPost, "/v1/devices/"+deviceID+"/connect", "writer-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view deviceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, device.StateConnected.String(), view.State)

	rec = doJSON(t, h, http.MethodGet, "/v1/devices/"+deviceID+"/impedance", "reader-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var impedance map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &impedance))
	assert.NotEmpty(t, impedance)

	rec = doJSON(t, h, http.MethodGet, "/v1/devices/unknown/impedance", "reader-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/devices/health", "reader-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.RecordAlert(types.HealthAlert{DeviceID: deviceID, Status: types.HealthDegraded})
	rec = doJSON(t, h, http.MethodGet, "/v1/devices/health/alerts", "reader-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []types.HealthAlert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, deviceID, alerts[0].DeviceID)

	require.NoError(t, mgr.Disconnect(context.Background(), deviceID))
}

func TestHealthAndTelemetryEndpoints(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "no registered runners means nothing unhealthy")

	req = httptest.NewRequest(http.MethodGet, "/telemetry", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "neural_engine")
}
