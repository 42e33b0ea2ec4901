// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditContextEncodeFieldOrder(t *testing.T) {
	counter := uint32(7)
	ctx := AuditContext{
		Device:  "linux:kiosk-3",
		Nonce:   []byte("aabbcc"),
		Counter: &counter,
		KeyID:   "deadbeef",
		Tag:     []byte("0011"),
		Context: "door-7",
		Extra:   map[string]string{"zeta": "z", "alpha": "a"},
	}

	out := ctx.Encode(DefaultAuditContextMaxLen)
	require.True(t, json.Valid([]byte(out)))

	// Fixed fields first, extras sorted after.
	wantOrder := []string{`"device"`, `"nonce"`, `"counter"`, `"key_id"`, `"tag"`, `"context"`, `"alpha"`, `"zeta"`}
	last := -1
	for _, key := range wantOrder {
		idx := strings.Index(out, key)
		require.Greater(t, idx, last, "field %s out of order in %s", key, out)
		last = idx
	}
}

func TestAuditContextEncodeOmitsEmpty(t *testing.T) {
	out := (&AuditContext{Device: "linux:kiosk-3"}).Encode(DefaultAuditContextMaxLen)
	require.True(t, json.Valid([]byte(out)))
	require.Contains(t, out, `"device"`)
	require.NotContains(t, out, `"nonce"`)
	require.NotContains(t, out, `"counter"`)
}

func TestAuditContextEncodeDeterministic(t *testing.T) {
	ctx := AuditContext{
		Device: "linux:kiosk-3",
		Extra:  map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first := ctx.Encode(DefaultAuditContextMaxLen)
	for i := 0; i < 16; i++ {
		require.Equal(t, first, ctx.Encode(DefaultAuditContextMaxLen))
	}
}

func TestAuditContextEncodeTruncation(t *testing.T) {
	ctx := AuditContext{
		Device:  "linux:kiosk-3",
		Context: strings.Repeat("x", 2048),
	}
	out := ctx.Encode(64)
	require.LessOrEqual(t, len(out), 64)
	require.True(t, strings.HasSuffix(out, "..."))
}

func TestCompactReason(t *testing.T) {
	require.Equal(t, "bad_pin", CompactReason("bad_pin", ""))
	require.Equal(t, "bad_pin|ctx={\"device\":\"d\"}", CompactReason("bad_pin", `{"device":"d"}`))
	require.Equal(t, "unknown", CompactReason("", ""))
}

func TestDeviceIdentity(t *testing.T) {
	id := DeviceIdentity()
	require.Contains(t, id, ":")
	require.NotEmpty(t, strings.SplitN(id, ":", 2)[0])
}
