// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package api is the control-plane REST surface: ingestion, session and
// device management, ledger verification, health and metrics. Every
// request is authorized against the bearer-token role map before any
// component is touched; mutating routes additionally consult the chain
// integrity lockdown latch.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/devicemanager"
	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/ingestion"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// maxAlerts bounds the in-memory alert history served by the API.
const maxAlerts = 100

// Ledger is the control-plane view of the event ledger.
type Ledger interface {
	Append(ctx context.Context, in ledger.Intent) (uuid.UUID, error)
	Verify(ctx context.Context, shard int, from, to uint64) (*ledger.Violation, error)
	VerifyAll(ctx context.Context) (*ledger.Violation, error)
	EventsBySession(ctx context.Context, sessionID string, limit int) ([]*ledger.Event, error)
	EventsByUser(ctx context.Context, userID string, limit int) ([]*ledger.Event, error)
	EventsByTime(ctx context.Context, fromNs, toNs int64, eventType ledger.EventType, limit int) ([]*ledger.Event, error)
	Shards() int
}

// FrameSource reads back stored feature frames.
type FrameSource interface {
	Frames(ctx context.Context, sessionID string) ([]*types.FeatureFrame, error)
}

// Server is the HTTP control plane.
type Server struct {
	cfg      *config.Config
	manager  *devicemanager.Manager
	ingest   *ingestion.Service
	ledger   Ledger
	lockdown *ledger.Lockdown
	frames   FrameSource
	health   *health.Catalog

	router *mux.Router
	srv    *http.Server

	mu     sync.Mutex
	alerts []types.HealthAlert
}

// New assembles the server and its routes. frames and health may be nil.
func New(cfg *config.Config, mgr *devicemanager.Manager, ing *ingestion.Service,
	lg Ledger, lockdown *ledger.Lockdown, frames FrameSource, hc *health.Catalog) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  mgr,
		ingest:   ing,
		ledger:   lg,
		lockdown: lockdown,
		frames:   frames,
		health:   hc,
	}
	s.router = s.routes()
	if mgr != nil {
		mgr.OnAlert = s.RecordAlert
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/ingest/neural-data",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleIngest))).Methods(http.MethodPost)
	v1.HandleFunc("/ingest/batch-upload",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleBatchUpload))).Methods(http.MethodPost)

	v1.HandleFunc("/session/start",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleSessionStart))).Methods(http.MethodPost)
	v1.HandleFunc("/session/end",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleSessionEnd))).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}",
		s.requirePerm(PermReadSessions, s.handleGetSession)).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/features",
		s.requirePerm(PermReadFeatures, s.handleSessionFeatures)).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/events",
		s.requirePerm(PermReadSessions, s.handleSessionEvents)).Methods(http.MethodGet)

	v1.HandleFunc("/devices",
		s.requirePerm(PermReadSessions, s.handleListDevices)).Methods(http.MethodGet)
	v1.HandleFunc("/devices",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleCreateDevice))).Methods(http.MethodPost)
	v1.HandleFunc("/devices/discover",
		s.requirePerm(PermReadSessions, s.handleDiscover)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/health",
		s.requirePerm(PermReadSessions, s.handleDeviceHealth)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/health/alerts",
		s.requirePerm(PermReadSessions, s.handleHealthAlerts)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/connect",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleConnect))).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/stream/start",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleStreamStart))).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/stream/stop",
		s.requirePerm(PermWriteNeuralData, s.requireUnlocked(s.handleStreamStop))).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/impedance",
		s.requirePerm(PermReadSessions, s.handleImpedance)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/signal-quality",
		s.requirePerm(PermReadSessions, s.handleSignalQuality)).Methods(http.MethodGet)

	v1.HandleFunc("/purge",
		s.requirePerm(PermAdmin, s.requireUnlocked(s.handlePurge))).Methods(http.MethodPost)

	v1.HandleFunc("/ledger/verify",
		s.requirePerm(PermExecuteAnalysis, s.handleLedgerVerify)).Methods(http.MethodGet)
	v1.HandleFunc("/ledger/dump",
		s.requirePerm(PermAdmin, s.handleLedgerDump)).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/telemetry", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Handler exposes the wrapped route tree.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler()(handlers.CompressHandler(s.router))
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.APIBindAddress,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", s.cfg.APIBindAddress)
		errs <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}

// RecordAlert keeps the most recent health alerts for the API.
func (s *Server) RecordAlert(alert types.HealthAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxAlerts:]
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("api: response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// fail maps a component error onto the HTTP status table.
func fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), errcode.CodeOf(err), err.Error())
}

func statusFor(err error) int {
	if errcode.CodeOf(err) == errcode.CodeLockdown {
		return http.StatusServiceUnavailable
	}
	switch errcode.KindOf(err) {
	case errcode.Validation:
		if errcode.CodeOf(err) == errcode.CodeSessionConflict {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errcode.Resource:
		return http.StatusTooManyRequests
	case errcode.Permission:
		return http.StatusForbidden
	case errcode.Integrity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
