// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package errcode defines the engine error taxonomy. Every failure crossing
// a component boundary is one of a finite set of kinds, carries a stable
// machine-readable code, and embeds the ids (session, device, chunk) needed
// to associate it with the data that caused it.
package errcode

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how callers must react to them.
type Kind int

const (
	// Validation errors are final for the offending input and never retried.
	Validation Kind = iota
	// Transient errors are retried with capped backoff before dead-lettering.
	Transient
	// Integrity errors are fatal for the affected shard: chain hash
	// mismatch, signature failure, corrupted payload.
	Integrity
	// Resource errors signal shedding or quota exhaustion; callers see 429.
	Resource
	// Permission errors are surfaced as 403 and ledgered as access_denied.
	Permission
	// Configuration errors fail closed at startup.
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Integrity:
		return "integrity"
	case Resource:
		return "resource"
	case Permission:
		return "permission"
	case Configuration:
		return "configuration"
	}
	return "unknown"
}

// Stable machine-readable codes. These are part of the API contract.
const (
	CodeChecksum           = "ErrChecksum"
	CodeUnsupportedCodec   = "ErrUnsupportedCodecVersion"
	CodeChunkTooLarge      = "ErrChunkTooLarge"
	CodeUnknownSession     = "ErrUnknownSession"
	CodeSessionConflict    = "ErrSessionConflict"
	CodeBusy               = "ErrBusy"
	CodeShed               = "ErrShed"
	CodeHashMismatch       = "ErrHashMismatch"
	CodeSignatureInvalid   = "ErrSignatureInvalid"
	CodeLockdown           = "ErrIntegrityLockdown"
	CodePermissionDenied   = "ErrPermissionDenied"
	CodeDeviceNotFound     = "ErrDeviceNotFound"
	CodeDeviceInUse        = "ErrDeviceAlreadyInUse"
	CodeDeviceUnsupported  = "ErrUnsupported"
	CodeAlreadyStreaming   = "ErrAlreadyStreaming"
	CodeHardware           = "ErrHardware"
	CodeProtocol           = "ErrProtocol"
	CodePublishFailed      = "ErrPublishFailed"
	CodeStoreUnavailable   = "ErrStoreUnavailable"
	CodeInvalidChunk       = "ErrInvalidChunk"
	CodeInvalidRequest     = "ErrInvalidRequest"
	CodeInvalidConfig      = "ErrInvalidConfig"
	CodeDeadlineExceeded   = "ErrDeadlineExceeded"
	CodeDuplicateChunk     = "ErrDuplicateChunk"
	CodeBatchRejected      = "ErrBatchRejected"
	CodeDiscoveryFailed    = "ErrDiscoveryFailed"
	CodeLedgerIntentAbort  = "ErrLedgerIntentAborted"
	CodeStoreDivergence    = "ErrStoreDivergence"
	CodeSigningUnavailable = "ErrSigningUnavailable"
)

// Error is the structured failure type returned across component
// boundaries.
type Error struct {
	Kind      Kind
	Code      string
	SessionID string
	DeviceID  string
	ChunkSeq  uint64
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s", e.Kind, e.Code)
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.DeviceID != "" {
		msg += " device=" + e.DeviceID
	}
	if e.ChunkSeq != 0 {
		msg += fmt.Sprintf(" chunk_seq=%d", e.ChunkSeq)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches by kind and code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// New builds a bare taxonomy error.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Newf builds a taxonomy error from a format string.
func Newf(kind Kind, code string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

// WithSession attaches the session id.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithDevice attaches the device id.
func (e *Error) WithDevice(id string) *Error {
	e.DeviceID = id
	return e
}

// WithChunk attaches the chunk sequence number.
func (e *Error) WithChunk(seq uint64) *Error {
	e.ChunkSeq = seq
	return e
}

// KindOf extracts the taxonomy kind of err, defaulting to Transient for
// unclassified errors so they are retried rather than dropped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// CodeOf extracts the stable code of err, or empty for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the error should be retried locally.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
