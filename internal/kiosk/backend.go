// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kiosk

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/engine"
)

// cardPollInterval is how often the terminal retries the reader while
// no card is present.
const cardPollInterval = 500 * time.Millisecond

// CaptureFunc acquires one biometric probe. Nil means the terminal has
// no capture device and the kiosk submits PIN-only attempts.
type CaptureFunc func(ctx context.Context) ([]byte, error)

// TerminalBackend drives a live card session and the decision engine.
type TerminalBackend struct {
	sess    *card.Session
	eng     *engine.Engine
	capture CaptureFunc
}

// NewTerminalBackend wires the kiosk loop to a card session and engine.
func NewTerminalBackend(sess *card.Session, eng *engine.Engine, capture CaptureFunc) *TerminalBackend {
	return &TerminalBackend{sess: sess, eng: eng, capture: capture}
}

// WaitCard polls the reader until a card answers, then derives its
// identity. A provisioned application record supplies the card UID;
// without one the issuer-derived UID is used so unknown cards still
// produce an auditable attempt.
func (b *TerminalBackend) WaitCard(ctx context.Context) (*CardInfo, error) {
	ticker := time.NewTicker(cardPollInterval)
	defer ticker.Stop()

	for {
		if rec, ok := b.sess.ReadAppRecord(ctx); ok {
			return &CardInfo{CardID: rec.CardUID, CardATR: b.sess.ATRHex(), Record: rec}, nil
		}
		if uid, err := b.sess.UIDFromIssuer(ctx); err == nil {
			return &CardInfo{CardID: uid, CardATR: b.sess.ATRHex()}, nil
		} else if !errors.Is(err, card.ErrNoCard) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Capture acquires a biometric probe, or (nil, nil) without a device.
func (b *TerminalBackend) Capture(ctx context.Context) ([]byte, error) {
	if b.capture == nil {
		return nil, nil
	}
	return b.capture(ctx)
}

// Authenticate runs the decision sequence for one attempt.
func (b *TerminalBackend) Authenticate(ctx context.Context, att engine.Attempt) (engine.Decision, error) {
	return b.eng.Authenticate(ctx, att)
}
