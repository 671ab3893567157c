// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package errcode

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifiersThroughWrapping(t *testing.T) {
	base := Newf(Validation, CodeInvalidChunk, "channel count 0").
		WithSession("sess-1").WithDevice("dev-1").WithChunk(42)
	wrapped := fmt.Errorf("ingest: %w", base)

	assert.Equal(t, Validation, KindOf(wrapped))
	assert.Equal(t, CodeInvalidChunk, CodeOf(wrapped))
	assert.False(t, IsRetryable(wrapped))

	var e *Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, "dev-1", e.DeviceID)
	assert.Equal(t, uint64(42), e.ChunkSeq)
}

func TestUnclassifiedDefaultsToTransient(t *testing.T) {
	err := errors.New("connection reset")
	assert.Equal(t, Transient, KindOf(err))
	assert.Equal(t, "", CodeOf(err))
	assert.True(t, IsRetryable(err))
}

func TestIsMatchesKindAndCode(t *testing.T) {
	err := New(Resource, CodeShed, io.ErrShortWrite)

	assert.ErrorIs(t, err, &Error{Kind: Resource, Code: CodeShed})
	// Empty code matches any code of the same kind.
	assert.ErrorIs(t, err, &Error{Kind: Resource})
	assert.NotErrorIs(t, err, &Error{Kind: Resource, Code: CodeBusy})
	assert.NotErrorIs(t, err, &Error{Kind: Validation, Code: CodeShed})
	// The cause stays reachable.
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := Newf(Integrity, CodeHashMismatch, "prev_hash broken").
		WithSession("sess-9").WithChunk(7)
	msg := err.Error()
	assert.Contains(t, msg, "integrity/ErrHashMismatch")
	assert.Contains(t, msg, "session=sess-9")
	assert.Contains(t, msg, "chunk_seq=7")
	assert.Contains(t, msg, "prev_hash broken")
}
