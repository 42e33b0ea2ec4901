// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package enroll

import (
	"context"
	"errors"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// =============================================================================
// PIN RECOVERY
// =============================================================================

// ErrOperatorDenied means the operator TOTP code was missing or wrong.
var ErrOperatorDenied = errors.New("operator authorization denied")

// RecoverPIN resets a user's PIN without the old one. The reset is
// gated on a valid TOTP code from the operator's enrolled secret, so a
// lost PIN requires a present operator rather than being self-service.
// Lockout state is cleared along with the reset.
func (e *Enroller) RecoverPIN(ctx context.Context, userID, newPIN, operatorSecret, totpCode string) error {
	if newPIN == "" {
		return ErrEmptyPIN
	}
	if operatorSecret == "" || !totp.Validate(totpCode, operatorSecret) {
		return ErrOperatorDenied
	}

	cred, err := e.st.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrUnknownUser
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
	e.audit(ctx, "pin_recovered", cred.CardID, userID, nil)
	return nil
}

// GenerateOperatorSecret creates a fresh operator TOTP enrollment for
// this terminal. The returned key carries both the base32 secret for
// the config file and the provisioning URL for an authenticator app.
func GenerateOperatorSecret(terminal string) (*otp.Key, error) {
	if terminal == "" {
		terminal = "cardgate"
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      "cardgate",
		AccountName: terminal,
	})
}
