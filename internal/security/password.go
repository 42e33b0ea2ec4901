// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements IA-5: PIN hashing and verification.
//
// PINs are stretched with PBKDF2-HMAC-SHA-256 (NIST SP 800-132). An optional
// process-wide pepper is appended to the PIN material before derivation; the
// pepper is never stored alongside the derived hash, so a database compromise
// alone is not enough for offline guessing.

package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// PBKDF2Iterations is the iteration count for PIN derivation.
	PBKDF2Iterations = 200_000

	// SaltSize is the random salt length in bytes.
	SaltSize = 16

	// DerivedKeySize is the derived hash length in bytes.
	DerivedKeySize = 32

	// PepperEnvVar is the environment variable holding the optional pepper.
	// Raw string, or base64 with a "base64:" prefix.
	PepperEnvVar = "CARDGATE_PASSWORD_PEPPER"

	// base64PepperPrefix marks a base64-encoded pepper value.
	base64PepperPrefix = "base64:"
)

// =============================================================================
// PEPPER LOADING
// =============================================================================

// ParsePepper decodes a pepper value as read from the environment.
// An empty value means no pepper. Supports raw strings and values with a
// "base64:" prefix.
func ParsePepper(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, base64PepperPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, base64PepperPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 pepper: %w", err)
		}
		return raw, nil
	}
	return []byte(v), nil
}

// =============================================================================
// PIN HASHER
// =============================================================================

// PINHasher derives and verifies PIN hashes. The pepper is fixed at
// construction time; hashing functions never consult ambient process state.
type PINHasher struct {
	pepper     []byte
	iterations int
}

// PINHasherOption is a functional option for configuring PINHasher.
type PINHasherOption func(*PINHasher)

// WithIterations overrides the PBKDF2 iteration count. Intended for tests;
// production callers should keep the default.
func WithIterations(n int) PINHasherOption {
	return func(h *PINHasher) {
		if n > 0 {
			h.iterations = n
		}
	}
}

// NewPINHasher creates a PINHasher with the given pepper (nil or empty for
// no pepper).
func NewPINHasher(pepper []byte, opts ...PINHasherOption) *PINHasher {
	h := &PINHasher{
		pepper:     pepper,
		iterations: PBKDF2Iterations,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HasPepper reports whether a pepper is configured.
func (h *PINHasher) HasPepper() bool {
	return len(h.pepper) > 0
}

// Hash derives a new (salt, hash) pair for the given PIN using a fresh
// random salt.
func (h *PINHasher) Hash(pin string) (salt, hash []byte, err error) {
	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, h.HashWithSalt(pin, salt), nil
}

// HashWithSalt derives the hash for the given PIN and salt, applying the
// configured pepper.
func (h *PINHasher) HashWithSalt(pin string, salt []byte) []byte {
	material := append([]byte(pin), h.pepper...)
	return pbkdf2.Key(material, salt, h.iterations, DerivedKeySize, sha256.New)
}

// Verify checks a PIN against a stored (salt, hash) pair in constant time.
//
// Backward compatibility: if a pepper is configured and the peppered
// derivation does not match, the check is retried without pepper so that
// users enrolled before the pepper was introduced are not locked out.
func (h *PINHasher) Verify(pin string, salt, expected []byte) bool {
	dk := h.HashWithSalt(pin, salt)
	if hmac.Equal(dk, expected) {
		return true
	}

	if len(h.pepper) > 0 {
		plain := pbkdf2.Key([]byte(pin), salt, h.iterations, DerivedKeySize, sha256.New)
		return hmac.Equal(plain, expected)
	}

	return false
}
