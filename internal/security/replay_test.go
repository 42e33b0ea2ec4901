// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplayGuardFirstUseAccepted(t *testing.T) {
	g, err := NewReplayGuard(DefaultReplayTTL, DefaultReplayCapacity)
	require.NoError(t, err)

	require.NoError(t, g.CheckAndRemember("key-1", []byte("nonce-a")))
	require.NoError(t, g.CheckAndRemember("key-1", []byte("nonce-b")))
	// Same nonce under a different key id is a distinct entry.
	require.NoError(t, g.CheckAndRemember("key-2", []byte("nonce-a")))
}

func TestReplayGuardRejectsDuplicate(t *testing.T) {
	g, err := NewReplayGuard(DefaultReplayTTL, DefaultReplayCapacity)
	require.NoError(t, err)

	require.NoError(t, g.CheckAndRemember("key-1", []byte("nonce-a")))
	require.ErrorIs(t, g.CheckAndRemember("key-1", []byte("nonce-a")), ErrReplayNonceSeen)
}

func TestReplayGuardTTLExpiry(t *testing.T) {
	g, err := NewReplayGuard(time.Minute, DefaultReplayCapacity)
	require.NoError(t, err)

	current := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return current }

	require.NoError(t, g.CheckAndRemember("key-1", []byte("nonce-a")))
	require.ErrorIs(t, g.CheckAndRemember("key-1", []byte("nonce-a")), ErrReplayNonceSeen)

	// After the TTL elapses the nonce may be seen again.
	current = current.Add(time.Minute + time.Second)
	require.NoError(t, g.CheckAndRemember("key-1", []byte("nonce-a")))
}

func TestReplayGuardEvictsAtCapacity(t *testing.T) {
	g, err := NewReplayGuard(time.Hour, minReplayCapacity)
	require.NoError(t, err)

	current := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return current }

	for i := 0; i < minReplayCapacity+8; i++ {
		current = current.Add(time.Millisecond)
		require.NoError(t, g.CheckAndRemember("key-1", []byte{byte(i), byte(i >> 8)}))
	}
	require.LessOrEqual(t, g.Len(), minReplayCapacity)
}

func TestNewReplayGuardValidation(t *testing.T) {
	_, err := NewReplayGuard(0, DefaultReplayCapacity)
	require.Error(t, err)

	_, err = NewReplayGuard(DefaultReplayTTL, minReplayCapacity-1)
	require.Error(t, err)
}
