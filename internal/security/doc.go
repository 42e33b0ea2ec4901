// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the cryptographic primitives behind the
// cardgate authentication terminal.
//
// This package implements NIST 800-53 IA-5 / IA-2(8) style controls:
//   - IA-5: Authenticator management (PBKDF2 PIN hashing with optional pepper)
//   - IA-2(8): Replay-resistant authentication (HMAC challenge-response,
//     single-use nonce cache)
//   - AU-3: Audit-context encoding for tamper-evident log entries
//
// All verification paths use constant-time comparison, and all input
// validation happens before any cryptographic operation runs.
package security
