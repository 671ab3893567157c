// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/neurascale/neural-engine/pkg/devicemanager"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/types"
)

// ingestRequest carries one chunk over the HTTP boundary: the wire-format
// codec bytes, base64 encoded, plus the codec version they claim.
type ingestRequest struct {
	Codec string `json:"codec"`
	Data  string `json:"data"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	if req.Codec != "" && req.Codec != "v1" {
		writeError(w, http.StatusBadRequest, "ErrUnsupportedCodecVersion",
			"unsupported codec "+req.Codec)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "data is not valid base64")
		return
	}
	result, err := s.ingest.IngestEncoded(r.Context(), raw)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "multipart field 'file' required")
		return
	}
	defer file.Close()
	result, err := s.ingest.UploadBatch(r.Context(), file)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// sessionStartRequest mirrors the session descriptor, with the data type
// by name.
type sessionStartRequest struct {
	SubjectID      string   `json:"subject_id"`
	Paradigm       string   `json:"paradigm,omitempty"`
	DataType       string   `json:"data_type"`
	SamplingRateHz uint32   `json:"sampling_rate_hz"`
	NumChannels    int      `json:"num_channels"`
	Devices        []string `json:"devices,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	dataType := types.DataTypeEEG
	if req.DataType != "" {
		dt, err := types.DataTypeFromString(req.DataType)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ErrInvalidRequest", err.Error())
			return
		}
		dataType = dt
	}
	session, err := s.manager.StartSession(r.Context(), devicemanager.SessionMeta{
		SubjectID:      req.SubjectID,
		Paradigm:       req.Paradigm,
		DataType:       dataType,
		SamplingRateHz: req.SamplingRateHz,
		NumChannels:    req.NumChannels,
		DeviceIDs:      req.Devices,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	session := s.manager.Session()
	if session == nil || session.ID != req.SessionID {
		writeError(w, http.StatusBadRequest, "ErrUnknownSession",
			fmt.Sprintf("session %q is not active", req.SessionID))
		return
	}
	if err := s.manager.EndSession(r.Context()); err != nil {
		fail(w, err)
		return
	}
	session.Status = types.SessionClosed
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// purgeRequest names the anonymized user whose raw data is removed. Raw
// identifiers are never accepted here.
type purgeRequest struct {
	UserIDAnon string `json:"user_id_anon"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	if req.UserIDAnon == "" {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "user_id_anon is required")
		return
	}
	events, err := s.ledger.EventsByUser(r.Context(), req.UserIDAnon, 10000)
	if err != nil {
		fail(w, err)
		return
	}
	sessions := make(map[string]bool)
	for _, ev := range events {
		if ev.SessionID != "" {
			sessions[ev.SessionID] = true
		}
	}
	stats, err := s.ingest.Purge(r.Context(), req.UserIDAnon, sessions)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessionFeatures(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeError(w, http.StatusInternalServerError, "ErrStoreUnavailable", "no feature store configured")
		return
	}
	frames, err := s.frames.Frames(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	events, err := s.ledger.EventsBySession(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// deviceView is the list representation of one registered device.
type deviceView struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	states := s.manager.Devices()
	out := make([]deviceView, 0, len(states))
	for id, state := range states {
		out = append(out, deviceView{DeviceID: id, State: state.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var entry types.DiscoveredDevice
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	id, err := s.manager.CreateFromDiscovery(r.Context(), entry)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": id})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	timeout := 3 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil && ns > 0 {
			timeout = time.Duration(ns)
		} else if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}
	writeJSON(w, http.StatusOK, s.manager.ListDiscovered(r.Context(), timeout))
}

func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := s.manager.HealthSnapshots()
	out := make([]types.HealthSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthAlerts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]types.HealthAlert(nil), s.alerts...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Connect(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{DeviceID: id, State: s.manager.Devices()[id].String()})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ErrInvalidRequest", "malformed JSON body")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.manager.StartStreaming(r.Context(), id, req.SessionID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{DeviceID: id, State: s.manager.Devices()[id].String()})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.StopStreaming(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView{DeviceID: id, State: s.manager.Devices()[id].String()})
}

func (s *Server) handleImpedance(w http.ResponseWriter, r *http.Request) {
	values, err := s.manager.CheckImpedance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleSignalQuality(w http.ResponseWriter, r *http.Request) {
	probe := 2 * time.Second
	if raw := r.URL.Query().Get("duration"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			probe = d
		}
	}
	report, err := s.manager.GetSignalQuality(r.Context(), mux.Vars(r)["id"], probe)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// verifyResponse is OK or the first violation found.
type verifyResponse struct {
	OK        bool              `json:"ok"`
	Violation *ledger.Violation `json:"violation,omitempty"`
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		violation *ledger.Violation
		err       error
	)
	if q.Get("from") == "" && q.Get("to") == "" {
		violation, err = s.ledger.VerifyAll(r.Context())
	} else {
		from := uintQuery(r, "from", 1)
		to := uintQuery(r, "to", 0)
		shard := intQuery(r, "shard", 0)
		violation, err = s.ledger.Verify(r.Context(), shard, from, to)
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{OK: violation == nil, Violation: violation})
}

func (s *Server) handleLedgerDump(w http.ResponseWriter, r *http.Request) {
	if session := r.URL.Query().Get("session"); session != "" {
		events, err := s.ledger.EventsBySession(r.Context(), session, intQuery(r, "limit", 1000))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}
	from := int64(uintQuery(r, "from_ns", 0))
	to := int64(uintQuery(r, "to_ns", uint64(time.Now().UnixNano())))
	events, err := s.ledger.EventsByTime(r.Context(), from, to, "", intQuery(r, "limit", 1000))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"healthy": []string{}, "unhealthy": []string{}})
		return
	}
	status := s.health.GetStatus()
	code := http.StatusOK
	if len(status.Unhealthy) > 0 {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func intQuery(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func uintQuery(r *http.Request, key string, fallback uint64) uint64 {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}
