// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package card

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadWord(t *testing.T) {
	m := NewMemoryCard()
	m.SetWord(0x05, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	s := NewSession(m)

	w, err := s.ReadWord(context.Background(), 0x05)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, w)
}

func TestReadWordDeniedIsProtocolError(t *testing.T) {
	m := NewMemoryCard()
	m.DenyRead(0x10)
	s := NewSession(m)

	_, err := s.ReadWord(context.Background(), 0x10)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "read_word", perr.Op)
	require.Equal(t, byte(0x69), perr.SW1)
	require.Equal(t, byte(0x82), perr.SW2)
}

func TestUpdateWordRequiresUnlock(t *testing.T) {
	m := NewMemoryCard(WithProtectedWrites())
	s := NewSession(m)
	ctx := context.Background()

	err := s.UpdateWord(ctx, 0x10, []byte{1, 2, 3, 4})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "update_word", perr.Op)

	require.NoError(t, s.Verify(ctx, VerifyTargetCSC1, []byte{0x11, 0x11, 0x11, 0x11}))
	require.NoError(t, s.UpdateWord(ctx, 0x10, []byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, m.Word(0x10))
}

func TestUpdateWordLengthIsProgrammingError(t *testing.T) {
	s := NewSession(NewMemoryCard())
	err := s.UpdateWord(context.Background(), 0x10, []byte{1, 2, 3})
	require.Error(t, err)
	var perr *ProtocolError
	require.False(t, errors.As(err, &perr))
}

func TestTransmitReacquiresOnConnectionFault(t *testing.T) {
	m := NewMemoryCard()
	m.SetWord(0x05, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	m.FailTransmits(1)
	s := NewSession(m)

	w, err := s.ReadWord(context.Background(), 0x05)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, w)
}

func TestReacquireExhaustionIsFatal(t *testing.T) {
	m := NewMemoryCard()
	m.FailTransmits(1)
	m.FailReconnects(reacquireAttempts)
	s := NewSession(m)

	_, err := s.ReadWord(context.Background(), 0x05)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "reacquire", perr.Op)
}

func TestReacquireContextTimeoutIsNoCard(t *testing.T) {
	m := NewMemoryCard()
	m.FailTransmits(1)
	m.FailReconnects(reacquireAttempts)
	s := NewSession(m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.ReadWord(ctx, 0x05)
	require.ErrorIs(t, err, ErrNoCard)
}

func TestATRHex(t *testing.T) {
	m := NewMemoryCard(WithATR([]byte{0x3B, 0x02, 0x53, 0x01}))
	s := NewSession(m)
	require.Equal(t, "3B 02 53 01", s.ATRHex())
}

func TestIssuerSerialAndUID(t *testing.T) {
	serial := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C,
		0x0D, 0x0E, 0x0F, 0x10,
	}
	m := NewMemoryCard(WithIssuerSerial(serial))
	s := NewSession(m)
	ctx := context.Background()

	got, err := s.IssuerSerial(ctx)
	require.NoError(t, err)
	require.Equal(t, serial, got)

	uid, err := s.UIDFromIssuer(ctx)
	require.NoError(t, err)
	require.Len(t, uid, CardUIDSize*2)

	// Stable across calls for the same chip.
	uid2, err := s.UIDFromIssuer(ctx)
	require.NoError(t, err)
	require.Equal(t, uid, uid2)

	// A different issuer serial yields a different identity.
	other := NewSession(NewMemoryCard())
	uid3, err := other.UIDFromIssuer(ctx)
	require.NoError(t, err)
	require.NotEqual(t, uid, uid3)
}
