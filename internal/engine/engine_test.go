// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cardgate/internal/bio"
	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/security"
	"github.com/jeranaias/cardgate/internal/store"
)

const (
	testCardID = "cafe0000000000000000000000000001"
	testPIN    = "314159"
)

type fixture struct {
	e       *Engine
	st      *store.SQLiteStore
	tplPath string
	tplSHA  string
	now     time.Time
}

func fixedScorer(score float64) bio.Scorer {
	return bio.ScorerFunc(func(ctx context.Context, captured, template []byte) (float64, error) {
		return score, nil
	})
}

// newFixture enrolls one user ("alice", card testCardID, PIN testPIN)
// with a real template file and builds an engine over a real store.
func newFixture(t *testing.T, cfg Config, scorer bio.Scorer) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "cardgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hasher := security.NewPINHasher(nil, security.WithIterations(1000))
	salt, hash, err := hasher.Hash(testPIN)
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(ctx, store.User{
		UserID:  "alice",
		CardID:  testCardID,
		CardATR: "3B 02 53 01",
		PwdSalt: salt,
		PwdHash: hash,
	}))

	tplPath := filepath.Join(t.TempDir(), "alice.npz")
	payload := []byte("orb descriptor payload")
	require.NoError(t, os.WriteFile(tplPath, payload, 0o600))
	sum := sha256.Sum256(payload)
	tplSHA := hex.EncodeToString(sum[:])
	require.NoError(t, st.UpsertBiometric(ctx, store.BiometricRecord{
		UserID:         "alice",
		TemplatePath:   tplPath,
		TemplateSHA256: tplSHA,
		Algo:           "orb",
	}))

	f := &fixture{st: st, tplPath: tplPath, tplSHA: tplSHA, now: time.Unix(1_700_000_000, 0)}
	f.e = New(st, hasher, scorer, cfg, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) attempt(pin string) Attempt {
	return Attempt{CardID: testCardID, CardATR: "3B 02 53 01", PIN: pin}
}

func (f *fixture) boundAttempt(t *testing.T, pin string) Attempt {
	t.Helper()
	a := f.attempt(pin)
	a.Record = &card.AppRecord{
		CardUID:   testCardID,
		UserHash8: card.UserHash8("alice"),
		TplHash8:  f.tplSHA[:16],
	}
	return a
}

func (f *fixture) lastLog(t *testing.T) store.AuthLogEntry {
	t.Helper()
	logs, err := f.st.ListAuthLogs(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs, "every branch must log")
	return logs[0]
}

func twoFactorConfig() Config {
	return Config{
		ScoreThreshold:  0.5,
		RequiredFactors: 2,
		MaxPINAttempts:  5,
		LockoutDuration: 15 * time.Minute,
	}
}

func threeFactorConfig() Config {
	cfg := twoFactorConfig()
	cfg.RequiredFactors = 3
	return cfg
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestUnknownCard(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)

	d, err := f.e.Authenticate(context.Background(), Attempt{CardID: "ffee000000000000000000000000dead"})
	require.NoError(t, err)
	require.Equal(t, Deny, d.Outcome)
	require.Equal(t, ReasonUnknownCard, d.Reason)
	require.Empty(t, d.UserID)

	log := f.lastLog(t)
	require.Equal(t, ReasonUnknownCard, log.Reason)
	require.Empty(t, log.UserID, "unknown card leaks no user context")
}

func TestCorrectPINTwoFactor(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)

	d, err := f.e.Authenticate(context.Background(), f.attempt(testPIN))
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, ReasonOK2FA, d.Reason)
	require.Equal(t, "alice", d.UserID)
	require.Nil(t, d.Score)

	log := f.lastLog(t)
	require.Equal(t, "ALLOW", log.Decision)
	require.True(t, log.PwdOK)
	require.Nil(t, log.BioScore)
}

func TestWrongPINsThenLockout(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)
	ctx := context.Background()

	// Four failures: all bad_pin, no lockout yet.
	for i := 0; i < 4; i++ {
		d, err := f.e.Authenticate(ctx, f.attempt("000000"))
		require.NoError(t, err)
		require.Equal(t, ReasonBadPIN, d.Reason)
	}
	st, err := f.st.GetAuthState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 4, st.FailCount)
	require.False(t, st.Locked(f.now))

	// Fifth failure crosses the threshold: the triggering attempt
	// itself reports locked_out, not bad_pin.
	d, err := f.e.Authenticate(ctx, f.attempt("000000"))
	require.NoError(t, err)
	require.Equal(t, ReasonLockedOut, d.Reason)

	st, err = f.st.GetAuthState(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, st.LockedUntil)
	require.Equal(t, f.now.Unix()+900, st.LockedUntil.Unix())

	// Even the correct PIN is refused while locked, and the audit
	// context carries the unlock timestamp.
	d, err = f.e.Authenticate(ctx, f.attempt(testPIN))
	require.NoError(t, err)
	require.Equal(t, ReasonLockedOut, d.Reason)

	log := f.lastLog(t)
	require.True(t, strings.HasPrefix(log.Reason, "locked_out|ctx="))
	require.Contains(t, log.Reason, "locked_until")
}

func TestSuccessClearsLockoutState(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.e.Authenticate(ctx, f.attempt("000000"))
		require.NoError(t, err)
	}

	d, err := f.e.Authenticate(ctx, f.attempt(testPIN))
	require.NoError(t, err)
	require.True(t, d.Allowed())

	st, err := f.st.GetAuthState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, st.FailCount)
	require.Nil(t, st.LockedUntil)
}

func TestThreeFactorAllow(t *testing.T) {
	f := newFixture(t, threeFactorConfig(), fixedScorer(0.62))

	d, err := f.e.Authenticate(context.Background(), f.attempt(testPIN))
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, ReasonOK, d.Reason)
	require.NotNil(t, d.Score)
	require.InDelta(t, 0.62, *d.Score, 1e-9)

	log := f.lastLog(t)
	require.NotNil(t, log.BioScore)
	require.InDelta(t, 0.62, *log.BioScore, 1e-9)
}

func TestThreeFactorBiometricMismatch(t *testing.T) {
	f := newFixture(t, threeFactorConfig(), fixedScorer(0.31))

	d, err := f.e.Authenticate(context.Background(), f.attempt(testPIN))
	require.NoError(t, err)
	require.Equal(t, Deny, d.Outcome)
	require.Equal(t, ReasonBiometricMismatch, d.Reason)
	require.NotNil(t, d.Score)

	// The PIN factor still passed and the log says so.
	log := f.lastLog(t)
	require.True(t, log.PwdOK)
}

func TestTemplateTamperedBeforePIN(t *testing.T) {
	cfg := threeFactorConfig()
	cfg.EnforceTemplateIntegrity = true
	f := newFixture(t, cfg, fixedScorer(0.9))
	ctx := context.Background()

	require.NoError(t, os.WriteFile(f.tplPath, []byte("swapped template"), 0o600))

	// Even a wrong PIN never reaches the PIN check.
	d, err := f.e.Authenticate(ctx, f.attempt("000000"))
	require.NoError(t, err)
	require.Equal(t, ReasonTemplateTampered, d.Reason)

	st, err := f.st.GetAuthState(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, st.FailCount, "tamper denial must not consume a PIN attempt")
}

func TestNoBiometricTemplateWhenIntegrityEnforced(t *testing.T) {
	cfg := twoFactorConfig()
	cfg.EnforceTemplateIntegrity = true
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	// A second user without any biometric enrollment.
	hasher := security.NewPINHasher(nil, security.WithIterations(1000))
	salt, hash, err := hasher.Hash(testPIN)
	require.NoError(t, err)
	require.NoError(t, f.st.UpsertUser(ctx, store.User{
		UserID: "bob", CardID: "beef0001", PwdSalt: salt, PwdHash: hash,
	}))

	d, err := f.e.Authenticate(ctx, Attempt{CardID: "beef0001", PIN: testPIN})
	require.NoError(t, err)
	require.Equal(t, ReasonNoBiometricTemplate, d.Reason)
}

func TestCardBindingChecks(t *testing.T) {
	cfg := twoFactorConfig()
	cfg.EnforceCardBinding = true
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		d, err := f.e.Authenticate(ctx, f.attempt(testPIN))
		require.NoError(t, err)
		require.Equal(t, ReasonCardBindingMissing, d.Reason)
	})

	t.Run("user mismatch", func(t *testing.T) {
		a := f.boundAttempt(t, testPIN)
		a.Record.UserHash8 = card.UserHash8("mallory")
		d, err := f.e.Authenticate(ctx, a)
		require.NoError(t, err)
		require.Equal(t, ReasonUserBindingMismatch, d.Reason)
	})

	t.Run("template mismatch", func(t *testing.T) {
		a := f.boundAttempt(t, testPIN)
		a.Record.TplHash8 = "0000000000000000"
		d, err := f.e.Authenticate(ctx, a)
		require.NoError(t, err)
		require.Equal(t, ReasonTplBindingMismatch, d.Reason)
	})

	t.Run("bound record passes", func(t *testing.T) {
		d, err := f.e.Authenticate(ctx, f.boundAttempt(t, testPIN))
		require.NoError(t, err)
		require.True(t, d.Allowed())
	})
}

func TestTemplateReadError(t *testing.T) {
	f := newFixture(t, threeFactorConfig(), fixedScorer(0.9))
	require.NoError(t, os.Remove(f.tplPath))

	d, err := f.e.Authenticate(context.Background(), f.attempt(testPIN))
	require.NoError(t, err)
	require.Equal(t, ReasonTemplateReadError, d.Reason)

	log := f.lastLog(t)
	require.True(t, log.PwdOK)
}

func TestLockoutExpires(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.e.Authenticate(ctx, f.attempt("000000"))
		require.NoError(t, err)
	}

	// Advance past the lockout window; the correct PIN works again.
	f.now = f.now.Add(16 * time.Minute)
	d, err := f.e.Authenticate(ctx, f.attempt(testPIN))
	require.NoError(t, err)
	require.True(t, d.Allowed())
}

func TestEveryBranchLogs(t *testing.T) {
	f := newFixture(t, twoFactorConfig(), nil)
	ctx := context.Background()

	_, err := f.e.Authenticate(ctx, Attempt{CardID: "unknown"})
	require.NoError(t, err)
	_, err = f.e.Authenticate(ctx, f.attempt("000000"))
	require.NoError(t, err)
	_, err = f.e.Authenticate(ctx, f.attempt(testPIN))
	require.NoError(t, err)

	logs, err := f.st.ListAuthLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
}
