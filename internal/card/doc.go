// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package card speaks a minimal word-oriented protocol to a contact
// smart card and manages the application record that binds a card to
// an enrolled user and a biometric template fingerprint.
//
// The package is transport-agnostic: callers supply a Transport that
// exchanges raw APDUs with the reader (PC/SC in production, an
// in-memory emulation in tests). Session serializes protocol access
// over one connection and transparently reacquires the card after
// link-level faults.
//
// # Security Relevance
//
//   - IA-3: the on-card record is the device identification artifact;
//     its embedded hashes bind one physical card to one user and one
//     template (verified by the decision engine, not here).
//   - AC-3: protected-zone writes require a successful VERIFY against
//     one of three access-condition targets. A non-success status word
//     is an access denial, never silently retried.
package card
