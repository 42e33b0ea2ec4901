// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseCode4 parses a 4-byte card access code from operator input.
// Accepts "0x" prefixes, spaces, and mixed case: "0x11 22 33 44",
// "11223344". An empty string returns (nil, nil) meaning not
// configured.
func ParseCode4(value string) ([]byte, error) {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" {
		return nil, nil
	}
	v = strings.ReplaceAll(v, "0x", "")
	v = strings.ReplaceAll(v, " ", "")
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid hex code %q: %w", value, err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("access code must be 4 bytes, got %d", len(b))
	}
	return b, nil
}
