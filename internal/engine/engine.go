// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the multi-factor authentication decision
// state machine: a strict short-circuit sequence over card binding,
// PIN with lockout, and biometric gating, with one terminal ALLOW and
// one terminal DENY per invocation.
//
// # Security Relevance
//
//   - IA-2(8): the decision order never reveals more than necessary; an
//     unknown card learns nothing about enrolled users.
//   - AC-7: PIN failures increment the lockout counter atomically; the
//     attempt that crosses the threshold already reports locked_out.
//   - AU-3: every branch writes an audit record before returning. No
//     silent denials.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jeranaias/cardgate/internal/bio"
	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/security"
	"github.com/jeranaias/cardgate/internal/store"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config is the policy surface of the decision engine. Values are
// loaded once and never mutated during operation.
type Config struct {
	// ScoreThreshold is the minimum biometric similarity for ALLOW.
	ScoreThreshold float64

	// RequiredFactors selects 2-factor (card+PIN) or 3-factor
	// (card+PIN+biometric) operation. Values <= 2 skip the biometric.
	RequiredFactors int

	// MaxPINAttempts is the consecutive-failure lockout threshold.
	// Zero disables lockout.
	MaxPINAttempts int

	// LockoutDuration is how long a lockout lasts once triggered.
	LockoutDuration time.Duration

	// EnforceCardBinding requires the on-card record hashes to match
	// the database-derived expectations.
	EnforceCardBinding bool

	// EnforceTemplateIntegrity requires the template file on disk to
	// match its enrolled SHA-256 before anything else is evaluated.
	EnforceTemplateIntegrity bool
}

// Attempt is one presented card+PIN(+capture) to authenticate.
type Attempt struct {
	// CardID is the card identity, lowercase hex: the record UID for a
	// provisioned card, or the issuer-derived fallback otherwise.
	CardID string

	// CardATR is the reader-reported ATR, informational.
	CardATR string

	// PIN is the user-entered secret. Never logged.
	PIN string

	// Record is the on-card application record; nil when absent.
	Record *card.AppRecord

	// Capture is the live biometric sample, 3-factor mode only.
	Capture []byte
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes the decision sequence. Safe for concurrent use as
// long as its store is.
type Engine struct {
	st     store.CredentialStore
	hasher *security.PINHasher
	scorer bio.Scorer
	cfg    Config

	now    func() time.Time
	device string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds a decision engine over the given store, hasher, and
// scorer. The scorer may be nil in 2-factor deployments.
func New(st store.CredentialStore, hasher *security.PINHasher, scorer bio.Scorer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		st:     st,
		hasher: hasher,
		scorer: scorer,
		cfg:    cfg,
		now:    time.Now,
		device: security.DeviceIdentity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// DECISION SEQUENCE
// =============================================================================

// Authenticate runs the full decision sequence for one attempt. Policy
// outcomes come back as a Decision; store and scorer faults come back
// as errors and never masquerade as denials.
func (e *Engine) Authenticate(ctx context.Context, a Attempt) (Decision, error) {
	now := e.now()

	// 1. Resolve the card to an enrollment.
	cred, err := e.st.GetUserByCard(ctx, a.CardID)
	if err != nil {
		return Decision{}, err
	}
	if cred == nil {
		return e.deny(ctx, a, "", nil, ReasonUnknownCard, nil)
	}
	userID := cred.UserID

	// 2. Lockout.
	st, err := e.st.GetAuthState(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if st.Locked(now) {
		return e.deny(ctx, a, userID, nil, ReasonLockedOut, e.lockoutCtx(st))
	}

	// 3. Template integrity.
	if e.cfg.EnforceTemplateIntegrity {
		if cred.Biometric == nil {
			return e.deny(ctx, a, userID, nil, ReasonNoBiometricTemplate, nil)
		}
		if !security.VerifyFileSHA256(cred.Biometric.TemplatePath, cred.Biometric.TemplateSHA256) {
			return e.deny(ctx, a, userID, nil, ReasonTemplateTampered, nil)
		}
	}

	// 4. Card binding. The on-card record must agree with the locally
	// recomputed hashes; the database alone is never trusted.
	if e.cfg.EnforceCardBinding {
		if a.Record == nil {
			return e.deny(ctx, a, userID, nil, ReasonCardBindingMissing, nil)
		}
		if !strings.EqualFold(a.Record.UserHash8, card.UserHash8(userID)) {
			return e.deny(ctx, a, userID, nil, ReasonUserBindingMismatch, nil)
		}
		if !e.templateBindingOK(cred, a.Record.TplHash8) {
			return e.deny(ctx, a, userID, nil, ReasonTplBindingMismatch, nil)
		}
	}

	// 5. PIN. A failure that crosses the threshold reports locked_out
	// for the triggering attempt itself.
	if !e.hasher.Verify(a.PIN, cred.PwdSalt, cred.PwdHash) {
		st, err := e.st.RecordPINFailure(ctx, userID, now, e.cfg.MaxPINAttempts, e.cfg.LockoutDuration)
		if err != nil {
			return Decision{}, err
		}
		if st.Locked(now) {
			return e.deny(ctx, a, userID, nil, ReasonLockedOut, e.lockoutCtx(st))
		}
		return e.deny(ctx, a, userID, nil, ReasonBadPIN, nil)
	}
	if err := e.st.ClearAuthState(ctx, userID); err != nil {
		return Decision{}, err
	}

	// 6. Factor gate.
	if e.cfg.RequiredFactors <= 2 {
		return e.allow(ctx, a, userID, nil, ReasonOK2FA)
	}

	// 7. Biometric.
	if cred.Biometric == nil {
		return e.denyPwdOK(ctx, a, userID, nil, ReasonNoBiometricTemplate)
	}
	template, err := os.ReadFile(cred.Biometric.TemplatePath)
	if err != nil {
		return e.denyPwdOK(ctx, a, userID, nil, ReasonTemplateReadError)
	}
	if e.scorer == nil {
		return Decision{}, fmt.Errorf("3-factor mode requires a scorer")
	}
	score, err := e.scorer.Score(ctx, a.Capture, template)
	if err != nil {
		return Decision{}, fmt.Errorf("biometric comparison failed: %w", err)
	}
	if score >= e.cfg.ScoreThreshold {
		return e.allow(ctx, a, userID, &score, ReasonOK)
	}
	return e.denyPwdOK(ctx, a, userID, &score, ReasonBiometricMismatch)
}

// templateBindingOK recomputes the expected on-card template hash from
// the enrolled template SHA-256. Without a biometric record there is
// nothing to bind against, which counts as a mismatch.
func (e *Engine) templateBindingOK(cred *store.Credential, tplHash8 string) bool {
	if cred.Biometric == nil {
		return false
	}
	want, err := card.TplHash8FromSHA256(cred.Biometric.TemplateSHA256)
	if err != nil {
		return false
	}
	return strings.EqualFold(tplHash8, want)
}

// lockoutCtx carries the unlock timestamp into the audit record.
func (e *Engine) lockoutCtx(st store.AuthState) *security.AuditContext {
	actx := &security.AuditContext{Device: e.device}
	if st.LockedUntil != nil {
		actx.Extra = map[string]string{
			"locked_until": st.LockedUntil.UTC().Format(time.RFC3339),
		}
	}
	return actx
}

// =============================================================================
// TERMINAL STATES
// =============================================================================

func (e *Engine) allow(ctx context.Context, a Attempt, userID string, score *float64, reason string) (Decision, error) {
	d := Decision{Outcome: Allow, Reason: reason, UserID: userID, Score: score}
	return d, e.log(ctx, a, userID, true, score, d.Outcome, reason, nil)
}

func (e *Engine) deny(ctx context.Context, a Attempt, userID string, score *float64, reason string, actx *security.AuditContext) (Decision, error) {
	d := Decision{Outcome: Deny, Reason: reason, UserID: userID, Score: score}
	return d, e.log(ctx, a, userID, false, score, d.Outcome, reason, actx)
}

// denyPwdOK records a denial that happened after a successful PIN
// check, so the log still credits the password factor.
func (e *Engine) denyPwdOK(ctx context.Context, a Attempt, userID string, score *float64, reason string) (Decision, error) {
	d := Decision{Outcome: Deny, Reason: reason, UserID: userID, Score: score}
	return d, e.log(ctx, a, userID, true, score, d.Outcome, reason, nil)
}

// log writes the audit record for one terminal branch. The reason is
// compacted with the encoded audit context when one is attached.
func (e *Engine) log(ctx context.Context, a Attempt, userID string, pwdOK bool, score *float64, outcome Outcome, reason string, actx *security.AuditContext) error {
	encoded := ""
	if actx != nil {
		encoded = actx.Encode(security.DefaultAuditContextMaxLen)
	}
	return e.st.AppendAuthLog(ctx, store.AuthLogEntry{
		TS:       e.now(),
		CardID:   a.CardID,
		CardATR:  a.CardATR,
		UserID:   userID,
		PwdOK:    pwdOK,
		BioScore: score,
		Decision: string(outcome),
		Reason:   security.CompactReason(reason, encoded),
	})
}
