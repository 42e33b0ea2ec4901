// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package card

import (
	"bytes"
	"context"
)

// =============================================================================
// IN-MEMORY CARD
// =============================================================================

// MemoryCard is a Transport backed by an in-memory word store. It
// emulates the real card's access-control behavior (protected zones,
// VERIFY unlock, security state reset on reconnect) for tests and for
// demo mode, where no reader hardware is attached.
//
// MemoryCard is not safe for concurrent use on its own; Session already
// serializes access.
type MemoryCard struct {
	words [256][WordSize]byte

	// verifyCodes maps access-condition targets to their accepted code.
	verifyCodes map[byte][WordSize]byte

	// protectWrites gates UPDATE on a prior successful VERIFY.
	protectWrites bool
	unlocked      bool

	atr []byte

	// failTransmits makes the next N Transmit calls fail with a
	// connection fault, for reacquire testing.
	failTransmits int

	// failReconnects makes the next N Reconnect calls fail.
	failReconnects int

	// denyReads returns status 6982 for the given addresses.
	denyReads map[byte]bool

	// Transmits counts successful exchanges, for assertions.
	Transmits int
}

// MemoryCardOption configures a MemoryCard.
type MemoryCardOption func(*MemoryCard)

// WithATR sets the emulated answer-to-reset.
func WithATR(atr []byte) MemoryCardOption {
	return func(m *MemoryCard) {
		m.atr = append([]byte(nil), atr...)
	}
}

// WithIssuerSerial seeds the four read-only issuer words.
func WithIssuerSerial(serial16 []byte) MemoryCardOption {
	return func(m *MemoryCard) {
		for i := 0; i < issuerWords && (i+1)*WordSize <= len(serial16); i++ {
			copy(m.words[addrIssuerBase+byte(i)][:], serial16[i*WordSize:])
		}
	}
}

// WithVerifyCode registers the accepted code for one target.
func WithVerifyCode(target byte, code4 []byte) MemoryCardOption {
	return func(m *MemoryCard) {
		var c [WordSize]byte
		copy(c[:], code4)
		m.verifyCodes[target] = c
	}
}

// WithProtectedWrites requires a successful VERIFY before any UPDATE.
func WithProtectedWrites() MemoryCardOption {
	return func(m *MemoryCard) {
		m.protectWrites = true
	}
}

// NewMemoryCard builds an emulated card. Without options it presents a
// generic ATR and accepts the first vendor default code on every target.
func NewMemoryCard(opts ...MemoryCardOption) *MemoryCard {
	m := &MemoryCard{
		verifyCodes: map[byte][WordSize]byte{
			VerifyTargetCSC0: {0x11, 0x11, 0x11, 0x11},
			VerifyTargetCSC1: {0x11, 0x11, 0x11, 0x11},
			VerifyTargetCSC2: {0x11, 0x11, 0x11, 0x11},
		},
		denyReads: make(map[byte]bool),
		atr:       []byte{0x3B, 0x02, 0x53, 0x01},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetWord seeds a word directly, bypassing access control.
func (m *MemoryCard) SetWord(addr byte, word4 []byte) {
	copy(m.words[addr][:], word4)
}

// Word returns the current contents of one word.
func (m *MemoryCard) Word(addr byte) []byte {
	w := m.words[addr]
	return w[:]
}

// FailTransmits makes the next n exchanges fail with a connection fault.
func (m *MemoryCard) FailTransmits(n int) { m.failTransmits = n }

// FailReconnects makes the next n reconnects fail.
func (m *MemoryCard) FailReconnects(n int) { m.failReconnects = n }

// DenyRead makes reads of addr answer with status 6982.
func (m *MemoryCard) DenyRead(addr byte) { m.denyReads[addr] = true }

// Unlocked reports whether a VERIFY has succeeded on this connection.
func (m *MemoryCard) Unlocked() bool { return m.unlocked }

// Snapshot serializes the word store so demo mode can persist the card
// image across process runs.
func (m *MemoryCard) Snapshot() []byte {
	out := make([]byte, 0, 256*WordSize)
	for i := range m.words {
		out = append(out, m.words[i][:]...)
	}
	return out
}

// LoadSnapshot restores a word store written by Snapshot. Short or
// oversized images are ignored.
func (m *MemoryCard) LoadSnapshot(data []byte) {
	if len(data) != 256*WordSize {
		return
	}
	for i := range m.words {
		copy(m.words[i][:], data[i*WordSize:])
	}
}

// =============================================================================
// TRANSPORT IMPLEMENTATION
// =============================================================================

// ATR returns the emulated answer-to-reset.
func (m *MemoryCard) ATR() []byte { return m.atr }

// Reconnect restores the link and, like a real card reset, drops any
// unlocked security state.
func (m *MemoryCard) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failReconnects > 0 {
		m.failReconnects--
		return ErrConnectionFault
	}
	m.unlocked = false
	return nil
}

// Transmit dispatches one APDU against the word store.
func (m *MemoryCard) Transmit(apdu []byte) ([]byte, byte, byte, error) {
	if m.failTransmits > 0 {
		m.failTransmits--
		return nil, 0, 0, ErrConnectionFault
	}
	if len(apdu) < 5 {
		return nil, 0x67, 0x00, nil
	}
	m.Transmits++

	cla, ins, addr := apdu[0], apdu[1], apdu[3]
	data := apdu[5:]

	switch {
	case cla == claDefault && ins == insRead:
		if m.denyReads[addr] {
			return nil, 0x69, 0x82, nil
		}
		w := m.words[addr]
		return w[:], 0x90, 0x00, nil

	case cla == claDefault && ins == insUpdate:
		if len(data) != WordSize {
			return nil, 0x67, 0x00, nil
		}
		if m.protectWrites && !m.unlocked {
			return nil, 0x69, 0x82, nil
		}
		copy(m.words[addr][:], data)
		return nil, 0x90, 0x00, nil

	case cla == claVerify && ins == insVerify:
		want, ok := m.verifyCodes[addr]
		if !ok || len(data) != WordSize || !bytes.Equal(want[:], data) {
			return nil, 0x63, 0x00, nil
		}
		m.unlocked = true
		return nil, 0x90, 0x00, nil
	}
	return nil, 0x6D, 0x00, nil
}
