// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements template integrity checks (anti-tamper).
//
// A biometric template's integrity is externally re-derivable: the stored
// SHA-256 must match the file on disk or the template is considered
// tampered with and authentication must not proceed.

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// SHA256File returns the lowercase hex SHA-256 of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileSHA256 reports whether the file at path exists, is a regular
// file, and matches the expected 64-hex-char SHA-256.
func VerifyFileSHA256(path, expectedHex string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	if len(expected) != hex.EncodedLen(sha256.Size) {
		return false
	}

	actual, err := SHA256File(path)
	if err != nil {
		return false
	}
	return actual == expected
}
