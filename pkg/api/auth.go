// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package api

import (
	"net/http"
	"strings"

	"github.com/neurascale/neural-engine/pkg/ledger"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Permissions. A token's role list comes from configuration; admin:* implies
// everything.
const (
	PermReadSessions    = "read:sessions"
	PermReadFeatures    = "read:features"
	PermWriteNeuralData = "write:neural_data"
	PermExecuteAnalysis = "execute:analysis"
	PermAdmin           = "admin:*"
)

// principal is the resolved identity of one request.
type principal struct {
	token string
	roles []string
}

func (p principal) allowed(perm string) bool {
	for _, role := range p.roles {
		if role == perm || role == PermAdmin {
			return true
		}
	}
	return false
}

// resolve maps the bearer token to its roles, or nil for unknown tokens.
func (s *Server) resolve(r *http.Request) *principal {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	roleList, ok := s.cfg.AuthTokens[token]
	if !ok {
		return nil
	}
	roles := strings.Split(roleList, ",")
	for i := range roles {
		roles[i] = strings.TrimSpace(roles[i])
	}
	return &principal{token: token, roles: roles}
}

// requirePerm wraps a handler with the permission check. Denials are
// ledgered as access_denied before the response is written.
func (s *Server) requirePerm(perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.resolve(r)
		if p == nil {
			s.denied(r, perm, "missing or unknown token")
			writeError(w, http.StatusUnauthorized, "ErrUnauthorized", "missing or unknown bearer token")
			return
		}
		if !p.allowed(perm) {
			s.denied(r, perm, "insufficient role")
			writeError(w, http.StatusForbidden, "ErrPermissionDenied", "token lacks "+perm)
			return
		}
		next(w, r)
	}
}

func (s *Server) denied(r *http.Request, perm, reason string) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(r.Context(), ledger.NewIntent(ledger.EventAccessDenied,
		"", "", "", map[string]interface{}{
			"path":       r.URL.Path,
			"method":     r.Method,
			"permission": perm,
			"reason":     reason,
		})); err != nil {
		log.Warnf("api: access_denied ledger append: %v", err)
	}
}

// requireUnlocked refuses mutating requests while the integrity lockdown
// latch is engaged.
func (s *Server) requireUnlocked(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.lockdown != nil && s.lockdown.Engaged() {
			writeError(w, http.StatusServiceUnavailable, "ErrIntegrityLockdown",
				"chain integrity lockdown: "+s.lockdown.Reason())
			return
		}
		next(w, r)
	}
}
