// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.dat")
	payload := []byte("orb descriptor payload")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	sum := sha256.Sum256(payload)
	want := hex.EncodeToString(sum[:])

	got, err := SHA256File(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSHA256FileMissing(t *testing.T) {
	_, err := SHA256File(filepath.Join(t.TempDir(), "absent.dat"))
	require.Error(t, err)
}

func TestVerifyFileSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.dat")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	good, err := SHA256File(path)
	require.NoError(t, err)

	require.True(t, VerifyFileSHA256(path, good))
	require.True(t, VerifyFileSHA256(path, strings.ToUpper(good)), "hex comparison is case-insensitive")

	t.Run("tampered file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("payload2"), 0o600))
		require.False(t, VerifyFileSHA256(path, good))
	})

	t.Run("bad inputs", func(t *testing.T) {
		require.False(t, VerifyFileSHA256("", good))
		require.False(t, VerifyFileSHA256(path, "not-hex"))
		require.False(t, VerifyFileSHA256(path, good[:32]))
		require.False(t, VerifyFileSHA256(dir, good), "directories never verify")
		require.False(t, VerifyFileSHA256(filepath.Join(dir, "absent"), good))
	})
}
