// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists enrollment credentials, lockout state, and the
// append-only authentication log.
//
// # Security Relevance
//
//   - IA-5: salted password hashes only, never plaintext secrets.
//   - AC-7: lockout counters are mutated inside a single transaction so
//     concurrent failures cannot skip the threshold.
//   - AU-9: auth_logs is append-only; nothing in this package updates
//     or deletes log rows.
package store

import (
	"context"
	"time"
)

// =============================================================================
// RECORDS
// =============================================================================

// User is one enrolled identity bound to one physical card.
type User struct {
	// UserID is the stable operator-assigned identity.
	UserID string

	// CardID is the card's 16-byte UID, lowercase hex. Unique.
	CardID string

	// CardATR is the reader-reported answer-to-reset. Informational.
	CardATR string

	// PwdSalt and PwdHash hold the PBKDF2 salt and derived key.
	PwdSalt []byte
	PwdHash []byte
}

// BiometricRecord points at a user's enrolled template on disk together
// with its tamper-detection hash.
type BiometricRecord struct {
	UserID         string
	TemplatePath   string
	TemplateSHA256 string

	// Algo names the descriptor algorithm the template was built with.
	Algo string
}

// Credential is the joined view the decision engine consumes: the user
// row plus the biometric record, when one exists.
type Credential struct {
	User

	// Biometric is nil when the user has no enrolled template.
	Biometric *BiometricRecord
}

// AuthState tracks consecutive PIN failures and lockout for one user.
type AuthState struct {
	UserID    string
	FailCount int

	// LockedUntil is nil when the user has never been locked. A past
	// timestamp means the lockout has lapsed.
	LockedUntil *time.Time

	// LastFail is the time of the most recent PIN failure.
	LastFail *time.Time
}

// Locked reports whether the user is locked out at the given instant.
func (s AuthState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// AuthLogEntry is one append-only authentication decision record.
type AuthLogEntry struct {
	ID int64
	TS time.Time

	// CardID and CardATR identify the presented card; CardID may be a
	// fallback issuer-derived identity for unprovisioned cards.
	CardID  string
	CardATR string

	// UserID is empty when the card resolved to no enrollment.
	UserID string

	// PwdOK records whether the PIN check passed.
	PwdOK bool

	// BioScore is nil when no biometric comparison ran.
	BioScore *float64

	// Decision is "allow" or "deny"; Reason is the stable reason code,
	// optionally followed by "|ctx=" and the encoded audit context.
	Decision string
	Reason   string
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// CredentialStore is the persistence boundary consumed by the decision
// engine and the enrollment workflow. Implementations must be safe for
// concurrent use.
type CredentialStore interface {
	// UpsertUser inserts or fully replaces a user's card binding and
	// password material.
	UpsertUser(ctx context.Context, u User) error

	// UpdateUserPIN replaces only the password salt and hash.
	UpdateUserPIN(ctx context.Context, userID string, salt, hash []byte) error

	// UpsertBiometric inserts or replaces a user's template record.
	UpsertBiometric(ctx context.Context, b BiometricRecord) error

	// GetUserByCard resolves a card UID to its credential, or (nil, nil)
	// when the card is unknown.
	GetUserByCard(ctx context.Context, cardID string) (*Credential, error)

	// GetUserByID resolves a user ID, or (nil, nil) when unknown.
	GetUserByID(ctx context.Context, userID string) (*Credential, error)

	// EnsureAuthState creates the zero-failure state row if missing.
	EnsureAuthState(ctx context.Context, userID string) error

	// GetAuthState returns the user's lockout state, creating it first
	// if needed.
	GetAuthState(ctx context.Context, userID string) (AuthState, error)

	// RecordPINFailure increments the failure counter and applies the
	// lockout when the threshold is reached, all in one transaction.
	RecordPINFailure(ctx context.Context, userID string, now time.Time, maxAttempts int, lockout time.Duration) (AuthState, error)

	// ClearAuthState resets failures and lockout after a full success.
	ClearAuthState(ctx context.Context, userID string) error

	// AppendAuthLog records one decision. Append-only.
	AppendAuthLog(ctx context.Context, e AuthLogEntry) error

	// ListAuthLogs returns the most recent entries, newest first.
	ListAuthLogs(ctx context.Context, limit int) ([]AuthLogEntry, error)

	// Close releases the underlying database.
	Close() error
}
