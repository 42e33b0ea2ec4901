// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package card

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// PROTOCOL CONSTANTS
// =============================================================================

const (
	// claDefault is the class byte for READ/UPDATE operations.
	claDefault = 0x80

	// claVerify is the class byte for VERIFY. The card vendor routes
	// VERIFY through the inter-industry class.
	claVerify = 0x00

	insRead   = 0xBE
	insUpdate = 0xDE
	insVerify = 0x20

	// WordSize is the fixed width of one addressable card word.
	WordSize = 4

	// addrIssuerBase is the first of four read-only issuer serial words.
	addrIssuerBase = 0x01
	issuerWords    = 4

	// AppRecordBase is the first word of the application record zone.
	AppRecordBase = 0x10

	// AppRecordWords is the record length in words (40 bytes).
	AppRecordWords = 10
)

// Access-condition targets for VERIFY. Each unlocks different protected
// zones; which one guards the application zone varies by card batch, so
// unlock walks all three.
const (
	VerifyTargetCSC0 = 0x07
	VerifyTargetCSC1 = 0x39
	VerifyTargetCSC2 = 0x3B
)

const (
	// reacquireAttempts bounds reconnection retries after a link fault.
	reacquireAttempts = 3

	// reacquireBackoff is the fixed delay between reconnection attempts.
	reacquireBackoff = 200 * time.Millisecond
)

// =============================================================================
// SESSION
// =============================================================================

// Session serializes word read/update/verify over one card connection.
// All methods are safe for concurrent use; operations that span multiple
// APDUs (ReadAppRecord, ProvisionOrLoad) hold the session for their full
// duration so no interleaved exchange can observe a half-written record.
type Session struct {
	mu     sync.Mutex
	t      Transport
	atrHex string

	// codes is the ordered unlock candidate list, vendor defaults last.
	codes [][]byte
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithUnlockCodes sets the operator-configured access codes, tried in
// the given order before the vendor defaults.
func WithUnlockCodes(configured [][]byte) SessionOption {
	return func(s *Session) {
		s.codes = CandidateCodes(configured)
	}
}

// NewSession wraps an already-connected transport.
func NewSession(t Transport, opts ...SessionOption) *Session {
	s := &Session{
		t:      t,
		atrHex: formatATR(t.ATR()),
		codes:  CandidateCodes(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ATRHex returns the answer-to-reset as space-separated uppercase hex,
// e.g. "3B 02 53 01". Informational only; never used as an identity.
func (s *Session) ATRHex() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atrHex
}

func formatATR(atr []byte) string {
	parts := make([]string, len(atr))
	for i, b := range atr {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// TRANSMIT AND REACQUIRE
// =============================================================================

// transmit sends one APDU, reacquiring the card once on a connection
// fault. Callers must hold s.mu.
func (s *Session) transmit(ctx context.Context, apdu []byte) ([]byte, byte, byte, error) {
	data, sw1, sw2, err := s.t.Transmit(apdu)
	if err == nil {
		return data, sw1, sw2, nil
	}
	if !errors.Is(err, ErrConnectionFault) {
		return nil, 0, 0, err
	}
	if err := s.reacquire(ctx); err != nil {
		return nil, 0, 0, err
	}
	return s.t.Transmit(apdu)
}

// reacquire retries Reconnect a bounded number of times with a fixed
// backoff. A context deadline surfaces as ErrNoCard (the card simply
// never came back); exhausting the attempts is a fatal protocol error.
func (s *Session) reacquire(ctx context.Context) error {
	var last error
	for i := 0; i < reacquireAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrNoCard, ctx.Err())
			case <-time.After(reacquireBackoff):
			}
		}
		err := s.t.Reconnect(ctx)
		if err == nil {
			s.atrHex = formatATR(s.t.ATR())
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNoCard, ctx.Err())
		}
		last = err
	}
	return &ProtocolError{Op: "reacquire", Err: last}
}

// =============================================================================
// WORD OPERATIONS
// =============================================================================

// ReadWord reads one 4-byte word. A non-success status word is a denial
// of that address, reported as a ProtocolError.
func (s *Session) ReadWord(ctx context.Context, addr byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readWord(ctx, addr)
}

func (s *Session) readWord(ctx context.Context, addr byte) ([]byte, error) {
	apdu := []byte{claDefault, insRead, 0x00, addr, WordSize}
	data, sw1, sw2, err := s.transmit(ctx, apdu)
	if err != nil {
		return nil, err
	}
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, &ProtocolError{Op: "read_word", SW1: sw1, SW2: sw2}
	}
	if len(data) != WordSize {
		return nil, fmt.Errorf("card read_word: expected %d bytes, got %d", WordSize, len(data))
	}
	return data, nil
}

// UpdateWord writes one 4-byte word. Protected zones require a prior
// successful VERIFY within this connection.
func (s *Session) UpdateWord(ctx context.Context, addr byte, word []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateWord(ctx, addr, word)
}

func (s *Session) updateWord(ctx context.Context, addr byte, word []byte) error {
	if len(word) != WordSize {
		return fmt.Errorf("card update_word: word must be %d bytes", WordSize)
	}
	apdu := append([]byte{claDefault, insUpdate, 0x00, addr, WordSize}, word...)
	_, sw1, sw2, err := s.transmit(ctx, apdu)
	if err != nil {
		return err
	}
	if sw1 != 0x90 || sw2 != 0x00 {
		return &ProtocolError{Op: "update_word", SW1: sw1, SW2: sw2}
	}
	return nil
}

// Verify presents a 4-byte code to one access-condition target. Success
// unlocks write access to the zones that target guards.
func (s *Session) Verify(ctx context.Context, target byte, code []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify(ctx, target, code)
}

func (s *Session) verify(ctx context.Context, target byte, code []byte) error {
	if len(code) != WordSize {
		return fmt.Errorf("card verify: code must be %d bytes", WordSize)
	}
	apdu := append([]byte{claVerify, insVerify, 0x00, target, WordSize}, code...)
	_, sw1, sw2, err := s.transmit(ctx, apdu)
	if err != nil {
		return err
	}
	if sw1 != 0x90 || sw2 != 0x00 {
		return &ProtocolError{Op: "verify", SW1: sw1, SW2: sw2}
	}
	return nil
}

// =============================================================================
// ISSUER IDENTITY
// =============================================================================

// IssuerSerial reads the four read-only issuer serial words (16 bytes).
func (s *Session) IssuerSerial(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuerSerial(ctx)
}

func (s *Session) issuerSerial(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, issuerWords*WordSize)
	for i := 0; i < issuerWords; i++ {
		w, err := s.readWord(ctx, addrIssuerBase+byte(i))
		if err != nil {
			return nil, err
		}
		out = append(out, w...)
	}
	return out, nil
}

// UIDFromIssuer derives a fallback card identity when no application
// record exists: the first 16 bytes of SHA-256(issuer serial || raw ATR),
// hex-encoded. It identifies the physical chip, not an enrollment.
func (s *Session) UIDFromIssuer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issuer, err := s.issuerSerial(ctx)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, len(issuer)+len(s.t.ATR()))
	raw = append(raw, issuer...)
	raw = append(raw, s.t.ATR()...)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16]), nil
}
