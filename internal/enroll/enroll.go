// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enroll implements the operator-side credential lifecycle:
// first enrollment (template, card provisioning, PIN, per-card HMAC
// key), PIN change, and operator-gated PIN recovery.
package enroll

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/security"
	"github.com/jeranaias/cardgate/internal/store"
	"github.com/jeranaias/cardgate/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownUser means the user ID or card resolved to nothing.
	ErrUnknownUser = errors.New("unknown user")

	// ErrLockedOut refuses PIN changes while the account is locked.
	ErrLockedOut = errors.New("account locked out")

	// ErrBadPIN means the current PIN failed verification.
	ErrBadPIN = errors.New("current pin incorrect")

	// ErrEmptyPIN rejects empty or whitespace-only PINs.
	ErrEmptyPIN = errors.New("pin must not be empty")
)

// =============================================================================
// ENROLLER
// =============================================================================

// Enroller runs enrollment and PIN maintenance against one store.
type Enroller struct {
	st     store.CredentialStore
	hasher *security.PINHasher

	// keyDir receives per-card HMAC challenge-response keys, one file
	// per key ID.
	keyDir string

	// algo tags new biometric records.
	algo string

	maxPINAttempts  int
	lockoutDuration time.Duration
	now             func() time.Time
}

// Option configures an Enroller.
type Option func(*Enroller)

// WithAlgo overrides the biometric algorithm tag.
func WithAlgo(algo string) Option {
	return func(e *Enroller) { e.algo = algo }
}

// WithLockoutPolicy sets the failure threshold and lockout duration
// applied to PIN-change attempts.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) Option {
	return func(e *Enroller) {
		e.maxPINAttempts = maxAttempts
		e.lockoutDuration = duration
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enroller) { e.now = now }
}

// New builds an Enroller writing card keys under keyDir.
func New(st store.CredentialStore, hasher *security.PINHasher, keyDir string, opts ...Option) *Enroller {
	e := &Enroller{
		st:              st,
		hasher:          hasher,
		keyDir:          keyDir,
		algo:            "orb",
		maxPINAttempts:  5,
		lockoutDuration: 15 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports one completed enrollment.
type Result struct {
	// EnrollmentID uniquely identifies this enrollment run in the
	// audit trail.
	EnrollmentID string

	UserID         string
	CardID         string
	Outcome        card.ProvisionOutcome
	TemplateSHA256 string

	// KeyID locates the card's HMAC key; KeyPath is where the key
	// material was written.
	KeyID   string
	KeyPath string
}

// Enroll binds a user to a card and template: hashes the template file,
// provisions (or re-binds) the card, stores the credential, and writes
// a fresh per-card HMAC key. Re-running for the same user replaces the
// stored material, mirroring the card's rewrite-in-place semantics.
func (e *Enroller) Enroll(ctx context.Context, sess *card.Session, userID, pin, templatePath string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	if pin == "" {
		return nil, ErrEmptyPIN
	}

	tplSHA, err := security.SHA256File(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash template: %w", err)
	}

	cardID, outcome, err := sess.ProvisionOrLoad(ctx, userID, tplSHA)
	if err != nil {
		return nil, fmt.Errorf("card provisioning failed: %w", err)
	}

	salt, hash, err := e.hasher.Hash(pin)
	if err != nil {
		return nil, err
	}
	if err := e.st.UpsertUser(ctx, store.User{
		UserID:  userID,
		CardID:  cardID,
		CardATR: sess.ATRHex(),
		PwdSalt: salt,
		PwdHash: hash,
	}); err != nil {
		return nil, err
	}
	if err := e.st.UpsertBiometric(ctx, store.BiometricRecord{
		UserID:         userID,
		TemplatePath:   templatePath,
		TemplateSHA256: tplSHA,
		Algo:           e.algo,
	}); err != nil {
		return nil, err
	}
	if err := e.st.EnsureAuthState(ctx, userID); err != nil {
		return nil, err
	}

	keyID, keyPath, err := e.writeCardKey()
	if err != nil {
		return nil, err
	}

	res := &Result{
		EnrollmentID:   uuid.NewString(),
		UserID:         userID,
		CardID:         cardID,
		Outcome:        outcome,
		TemplateSHA256: tplSHA,
		KeyID:          keyID,
		KeyPath:        keyPath,
	}
	e.audit(ctx, "enrolled", cardID, userID, map[string]string{
		"enrollment_id": res.EnrollmentID,
		"outcome":       string(outcome),
		"key_id":        keyID,
	})
	return res, nil
}

// writeCardKey generates the card's HMAC challenge-response key and
// persists it crash-safe under the key directory.
func (e *Enroller) writeCardKey() (string, string, error) {
	key, err := security.NewCardKey(security.DefaultCardKeySize)
	if err != nil {
		return "", "", err
	}
	keyID, err := security.KeyIDFromKey(key, security.DefaultKeyIDSize)
	if err != nil {
		return "", "", err
	}
	path := filepath.Join(e.keyDir, keyID+".key")
	if err := util.AtomicWriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write card key: %w", err)
	}
	return keyID, path, nil
}

// LoadCardKey reads a previously written card key by its key ID.
func (e *Enroller) LoadCardKey(keyID string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(e.keyDir, keyID+".key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read card key %s: %w", keyID, err)
	}
	key, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt card key %s: %w", keyID, err)
	}
	return key, nil
}

// =============================================================================
// PIN CHANGE
// =============================================================================

// ChangePIN verifies the current PIN and replaces it. Failures count
// against the same lockout budget as authentication attempts.
func (e *Enroller) ChangePIN(ctx context.Context, userID, oldPIN, newPIN string) error {
	if newPIN == "" {
		return ErrEmptyPIN
	}
	cred, err := e.st.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrUnknownUser
	}

	now := e.now()
	st, err := e.st.GetAuthState(ctx, userID)
	if err != nil {
		return err
	}
	if st.Locked(now) {
		return ErrLockedOut
	}

	if !e.hasher.Verify(oldPIN, cred.PwdSalt, cred.PwdHash) {
		if _, err := e.st.RecordPINFailure(ctx, userID, now, e.maxPINAttempts, e.lockoutDuration); err != nil {
			return err
		}
		return ErrBadPIN
	}

	salt, hash, err := e.hasher.Hash(newPIN)
	if err != nil {
		return err
	}
	if err := e.st.UpdateUserPIN(ctx, userID, salt, hash); err != nil {
		return err
	}
	if err := e.st.ClearAuthState(ctx, userID); err != nil {
		return err
	}
	e.audit(ctx, "pin_changed", cred.CardID, userID, nil)
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (e *Enroller) audit(ctx context.Context, event, cardID, userID string, extra map[string]string) {
	actx := security.AuditContext{Device: security.DeviceIdentity(), Extra: extra}
	// Best effort: the operation already succeeded.
	_ = e.st.AppendAuthLog(ctx, store.AuthLogEntry{
		TS:       e.now(),
		CardID:   cardID,
		UserID:   userID,
		Decision: "audit",
		Reason:   security.CompactReason(event, actx.Encode(security.DefaultAuditContextMaxLen)),
	})
}
