// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/neurascale/neural-engine/pkg/errcode"
)

// Signer signs event hashes with the active key and verifies signatures made
// by any retained key version. Rotation keeps old public keys so historical
// events stay verifiable.
type Signer interface {
	// Sign signs the event hash and returns the signature and the id of
	// the key that produced it.
	Sign(digest [HashSize]byte) (sig []byte, keyID string, err error)
	// Verify checks a signature against the named key version.
	Verify(digest [HashSize]byte, sig []byte, keyID string) error
	// Rotate activates a new key version and returns its id.
	Rotate() (keyID string, err error)
	// ActiveKeyID returns the id signatures are currently made with.
	ActiveKeyID() string
}

const rsaKeyBits = 2048

// LocalSigner is an in-process RSA-PSS signer. It stands in for an external
// KMS in single-node deployments and tests.
type LocalSigner struct {
	mu      sync.RWMutex
	prefix  string
	version int
	keys    map[string]*rsa.PrivateKey
	active  string
}

// NewLocalSigner generates the first key version.
func NewLocalSigner(keyPrefix string) (*LocalSigner, error) {
	s := &LocalSigner{prefix: keyPrefix, keys: make(map[string]*rsa.PrivateKey)}
	if _, err := s.Rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Sign signs with the active key.
func (s *LocalSigner) Sign(digest [HashSize]byte) ([]byte, string, error) {
	s.mu.RLock()
	keyID := s.active
	key := s.keys[keyID]
	s.mu.RUnlock()
	if key == nil {
		return nil, "", errcode.New(errcode.Integrity, errcode.CodeSigningUnavailable,
			fmt.Errorf("no active signing key"))
	}
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, "", errcode.New(errcode.Integrity, errcode.CodeSigningUnavailable, err)
	}
	return sig, keyID, nil
}

// Verify checks the signature against the named key version.
func (s *LocalSigner) Verify(digest [HashSize]byte, sig []byte, keyID string) error {
	s.mu.RLock()
	key := s.keys[keyID]
	s.mu.RUnlock()
	if key == nil {
		return errcode.Newf(errcode.Integrity, errcode.CodeSignatureInvalid,
			"unknown signing key %q", keyID)
	}
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, nil); err != nil {
		return errcode.New(errcode.Integrity, errcode.CodeSignatureInvalid, err)
	}
	return nil
}

// Rotate generates and activates a new key version.
func (s *LocalSigner) Rotate() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", errcode.New(errcode.Integrity, errcode.CodeSigningUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	id := fmt.Sprintf("%s-v%d", s.prefix, s.version)
	s.keys[id] = key
	s.active = id
	return id, nil
}

// ActiveKeyID returns the current key version.
func (s *LocalSigner) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// NoopSigner disables signing. Chains remain hash-linked but unsigned;
// Verify still detects content tampering.
type NoopSigner struct{}

func (NoopSigner) Sign([HashSize]byte) ([]byte, string, error) { return nil, "", nil }
func (NoopSigner) Verify([HashSize]byte, []byte, string) error { return nil }
func (NoopSigner) Rotate() (string, error)                     { return "", nil }
func (NoopSigner) ActiveKeyID() string                         { return "" }
