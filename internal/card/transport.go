// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package card

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================

// Transport exchanges raw APDUs with a card reader.
//
// Implementations must distinguish link-level failures (reader unplugged,
// card pulled mid-exchange) from protocol-level outcomes: the former are
// reported as errors wrapping ErrConnectionFault, the latter as non-9000
// status words with a nil error. Session retries only connection faults.
type Transport interface {
	// Transmit sends one APDU and returns the response data and status word.
	Transmit(apdu []byte) (data []byte, sw1, sw2 byte, err error)

	// Reconnect re-establishes the connection, blocking until a card is
	// present or ctx is done. Any card-side security state (unlocked
	// zones) is reset.
	Reconnect(ctx context.Context) error

	// ATR returns the answer-to-reset of the connected card.
	ATR() []byte
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConnectionFault marks link-level transport failures. Transports
	// wrap it; Session responds by reacquiring the card.
	ErrConnectionFault = errors.New("card connection fault")

	// ErrNoCard indicates no card became available within the caller's
	// context deadline. It is an operational condition, not a fault.
	ErrNoCard = errors.New("no card present")

	// ErrUnlockFailed indicates every candidate code was rejected by
	// every access-condition target. This is a denial, not a crash.
	ErrUnlockFailed = errors.New("unlock failed")
)

// ProtocolError reports a card operation that failed at the protocol
// level: an unexpected status word, or a connection that could not be
// reacquired. Non-success status words signal access-control boundaries
// (e.g. an unreadable protected zone) and are never retried.
type ProtocolError struct {
	// Op is the protocol operation that failed (read_word, update_word,
	// verify, reacquire).
	Op string

	// SW1, SW2 are the offending status word, when one was received.
	SW1 byte
	SW2 byte

	// Err is the underlying transport error, when the failure was not a
	// status word.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("card %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("card %s: status %02X%02X", e.Op, e.SW1, e.SW2)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
