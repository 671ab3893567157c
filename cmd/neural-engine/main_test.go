// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitUserError, exitCode(pkgerrors.New("boom")))
	assert.Equal(t, exitIntegrity, exitCode(exitError{code: exitIntegrity, err: pkgerrors.New("violation")}))
	assert.Equal(t, exitUserError, exitCode(&apiError{Status: 400, Code: "ErrInvalidRequest"}))
	assert.Equal(t, exitUserError, exitCode(&apiError{Status: 403, Code: "ErrPermissionDenied"}))
	assert.Equal(t, exitUnavailable, exitCode(&apiError{Status: 503, Code: "ErrIntegrityLockdown"}))
}

func TestExitCodeUnreachableEngine(t *testing.T) {
	cli := &client{
		base: "http://127.0.0.1:1",
		http: &http.Client{Timeout: time.Second},
	}
	err := cli.get(context.Background(), "/v1/devices", nil, nil)
	require.Error(t, err)
	assert.Equal(t, exitUnavailable, exitCode(err))
}

func TestClientErrorBodyDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"ErrSessionConflict","error":"a session is already active"}`))
	}))
	defer srv.Close()

	cli := &client{base: srv.URL, token: "tok", http: srv.Client()}
	err := cli.post(context.Background(), "/v1/session/start", map[string]string{}, nil)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.Status)
	assert.Equal(t, "ErrSessionConflict", ae.Code)
	assert.Contains(t, ae.Error(), "already active")
}

func TestParseTimeRange(t *testing.T) {
	fromNs, toNs, err := parseTimeRange("100..200")
	require.NoError(t, err)
	assert.Equal(t, int64(100), fromNs)
	assert.Equal(t, int64(200), toNs)

	fromNs, toNs, err = parseTimeRange("..")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fromNs)
	assert.InDelta(t, time.Now().UnixNano(), toNs, float64(time.Minute))

	_, _, err = parseTimeRange("100")
	require.Error(t, err)
	_, _, err = parseTimeRange("x..y")
	require.Error(t, err)
}

func TestScrubAuthTokens(t *testing.T) {
	settings := map[string]interface{}{
		"api": map[string]interface{}{
			"bind_address": "127.0.0.1:8335",
			"auth_tokens":  map[string]interface{}{"secret-token": "admin:*"},
		},
	}
	scrubAuthTokens(settings)
	assert.Equal(t, "<redacted>", settings["api"].(map[string]interface{})["auth_tokens"])
}
