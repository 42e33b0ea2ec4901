// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements AU-3 audit-context encoding.
//
// Every authentication outcome carries a compact, stably-ordered context
// record so operators can reconstruct an attempt from a single audit-log
// text column. Encoding is deterministic: field order is fixed, extras are
// sorted, and truncation appends a marker instead of cutting mid-value
// ambiguity into the stored string.

package security

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultAuditContextMaxLen caps the serialized context length in bytes.
const DefaultAuditContextMaxLen = 512

// truncationMarker is appended when a serialized context is cut short.
const truncationMarker = "..."

// =============================================================================
// AUDIT CONTEXT
// =============================================================================

// AuditContext is the structured context attached to an audit-log reason.
// Optional fields are omitted from the encoded form when unset.
type AuditContext struct {
	// Device identifies the terminal ("os:hostname" by default).
	Device string

	// Nonce, Counter, KeyID and Tag describe a challenge-response exchange.
	Nonce   []byte
	Counter *uint32
	KeyID   string
	Tag     []byte

	// Context is a free-form caller string.
	Context string

	// Extra holds caller-supplied additional fields.
	Extra map[string]string
}

// DeviceIdentity returns a best-effort terminal identifier for audit logs.
// Not a security guarantee; it supports threat analysis of a stolen reader
// or tampered terminal.
func DeviceIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return runtime.GOOS + ":" + host
}

// Encode serializes the context as compact JSON with deterministic field
// order, capped at maxLen bytes (0 means DefaultAuditContextMaxLen). A
// truncated encoding ends with "...".
func (c *AuditContext) Encode(maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultAuditContextMaxLen
	}

	device := c.Device
	if device == "" {
		device = DeviceIdentity()
	}

	var b strings.Builder
	b.WriteByte('{')
	writeField(&b, "device", device)
	if len(c.Nonce) > 0 {
		writeField(&b, "nonce", hex.EncodeToString(c.Nonce))
	}
	if c.Counter != nil {
		b.WriteString(`,"counter":`)
		fmt.Fprintf(&b, "%d", *c.Counter)
	}
	if c.KeyID != "" {
		writeField(&b, "key_id", c.KeyID)
	}
	if len(c.Tag) > 0 {
		writeField(&b, "tag", hex.EncodeToString(c.Tag))
	}
	if c.Context != "" {
		writeField(&b, "context", c.Context)
	}

	// Extras in sorted key order for stable output.
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&b, k, c.Extra[k])
	}
	b.WriteByte('}')

	s := b.String()
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncationMarker) {
		return s[:maxLen]
	}
	return s[:maxLen-len(truncationMarker)] + truncationMarker
}

// writeField appends one JSON string field, with the separating comma for
// every field after the first.
func writeField(b *strings.Builder, key, value string) {
	if b.Len() > 1 {
		b.WriteByte(',')
	}
	kj, _ := json.Marshal(key)
	vj, _ := json.Marshal(value)
	b.Write(kj)
	b.WriteByte(':')
	b.Write(vj)
}

// =============================================================================
// REASON PACKING
// =============================================================================

// CompactReason packs a reason and an encoded audit context into the single
// string stored in the audit log's reason column:
//
//	"<reason>|ctx=<serialized-context>"
//
// or just the reason when no context is present.
func CompactReason(reason, encodedCtx string) string {
	r := strings.TrimSpace(reason)
	if r == "" {
		r = "unknown"
	}
	if encodedCtx == "" {
		return r
	}
	return r + "|ctx=" + encodedCtx
}
