// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements IA-2(8): replay-resistant HMAC challenge-response.
//
// Each card carries a per-card secret key. A challenge binds the card UID,
// a single-use nonce, a monotonic counter, and a context string into one
// canonical message; the response is an HMAC-SHA-256 tag over that message,
// optionally truncated. All structural validation happens before any
// cryptographic operation runs.

package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// hmacVersionPrefix is the fixed version prefix of the canonical challenge
// message. Changing it invalidates all previously issued tags.
var hmacVersionPrefix = []byte("CP-AUTH-HMAC-V1\x00")

const (
	// MinNonceSize is the minimum nonce length in bytes.
	MinNonceSize = 12

	// DefaultNonceSize is the nonce length used when generating nonces.
	DefaultNonceSize = 16

	// MinCardKeySize is the minimum per-card key length in bytes.
	MinCardKeySize = 16

	// DefaultCardKeySize is the per-card key length used at enrollment.
	DefaultCardKeySize = 32

	// MaxTagSize is the full HMAC-SHA-256 tag length in bytes.
	MaxTagSize = sha256.Size

	// MinKeyIDSize is the minimum key identifier length in bytes.
	MinKeyIDSize = 4

	// DefaultKeyIDSize is the key identifier length in bytes (16 hex chars).
	DefaultKeyIDSize = 8

	// cardUIDSize is the card UID length in bytes (32 hex chars).
	cardUIDSize = 16
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNonceTooShort   = errors.New("nonce shorter than 12 bytes")
	ErrCardKeyTooShort = errors.New("card key shorter than 16 bytes")
	ErrKeyIDTooShort   = errors.New("key id shorter than 4 bytes")
	ErrInvalidTagLen   = errors.New("tag length out of range")
	ErrInvalidCardUID  = errors.New("card uid must be 16 bytes of hex")
)

// =============================================================================
// KEY AND NONCE GENERATION
// =============================================================================

// GenerateNonce returns a fresh random nonce of the given length.
func GenerateNonce(length int) ([]byte, error) {
	if length < MinNonceSize {
		return nil, ErrNonceTooShort
	}
	nonce := make([]byte, length)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// NewCardKey generates a fresh per-card secret key.
func NewCardKey(length int) ([]byte, error) {
	if length < MinCardKeySize {
		return nil, ErrCardKeyTooShort
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate card key: %w", err)
	}
	return key, nil
}

// KeyIDFromKey derives a public, non-secret key identifier from a per-card
// key: a truncated SHA-256, hex-encoded. It lets a verifier locate the key
// record without revealing the key.
func KeyIDFromKey(key []byte, length int) (string, error) {
	if length < MinKeyIDSize {
		return "", ErrKeyIDTooShort
	}
	digest := sha256.Sum256(key)
	if length > len(digest) {
		length = len(digest)
	}
	return hex.EncodeToString(digest[:length]), nil
}

// =============================================================================
// CHALLENGE MESSAGE
// =============================================================================

// BuildChallengeMessage builds the canonical challenge message:
//
//	prefix || card_uid(16B) || nonce || counter(4B big-endian) || context(utf-8)
func BuildChallengeMessage(cardUIDHex string, nonce []byte, counter uint32, context string) ([]byte, error) {
	if len(nonce) < MinNonceSize {
		return nil, ErrNonceTooShort
	}

	uidHex := strings.ToLower(strings.TrimSpace(cardUIDHex))
	if len(uidHex) != cardUIDSize*2 {
		return nil, ErrInvalidCardUID
	}
	uid, err := hex.DecodeString(uidHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCardUID, err)
	}

	var counterBE [4]byte
	binary.BigEndian.PutUint32(counterBE[:], counter)

	msg := make([]byte, 0, len(hmacVersionPrefix)+len(uid)+len(nonce)+4+len(context))
	msg = append(msg, hmacVersionPrefix...)
	msg = append(msg, uid...)
	msg = append(msg, nonce...)
	msg = append(msg, counterBE[:]...)
	msg = append(msg, context...)
	return msg, nil
}

// =============================================================================
// TAG COMPUTATION AND VERIFICATION
// =============================================================================

// ComputeTag computes the HMAC-SHA-256 tag over the message, truncated to
// tagLen bytes (1..32).
func ComputeTag(key, message []byte, tagLen int) ([]byte, error) {
	if len(key) < MinCardKeySize {
		return nil, ErrCardKeyTooShort
	}
	if tagLen <= 0 || tagLen > MaxTagSize {
		return nil, ErrInvalidTagLen
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)[:tagLen], nil
}

// VerifyTag verifies a (possibly truncated) tag in constant time. The
// expected tag is recomputed at the length of the presented tag; a
// zero-length tag is always rejected.
func VerifyTag(key, message, tag []byte) bool {
	if len(tag) == 0 {
		return false
	}
	expected, err := ComputeTag(key, message, len(tag))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, tag)
}
