// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

// =============================================================================
// DECISION
// =============================================================================

// Outcome is the terminal state of one authentication attempt.
type Outcome string

const (
	// Allow grants access.
	Allow Outcome = "ALLOW"

	// Deny refuses access with a stable reason code.
	Deny Outcome = "DENY"
)

// Denial reason codes. These are stable strings: they appear in the
// audit log and callers key behavior off them, so they are never
// renamed or reworded.
const (
	ReasonUnknownCard         = "unknown_card"
	ReasonLockedOut           = "locked_out"
	ReasonNoBiometricTemplate = "no_biometric_template"
	ReasonTemplateTampered    = "template_tampered"
	ReasonCardBindingMissing  = "card_binding_missing"
	ReasonUserBindingMismatch = "card_user_binding_mismatch"
	ReasonTplBindingMismatch  = "card_template_binding_mismatch"
	ReasonBadPIN              = "bad_pin"
	ReasonTemplateReadError   = "template_read_error"
	ReasonBiometricMismatch   = "biometric_mismatch"
)

// Allow reason codes.
const (
	ReasonOK    = "ok"
	ReasonOK2FA = "ok_2fa"
)

// Decision is the tagged result of one attempt. Policy denials live
// here; transport and storage faults travel on the error channel and
// never produce a Decision.
type Decision struct {
	Outcome Outcome

	// Reason is the stable reason code for this outcome.
	Reason string

	// UserID is set once the card resolved to an enrollment, including
	// on denials past that point.
	UserID string

	// Score is the biometric similarity, present only when a comparison
	// actually ran.
	Score *float64
}

// Allowed reports whether the attempt was granted.
func (d Decision) Allowed() bool { return d.Outcome == Allow }
