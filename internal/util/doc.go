// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers: crash-safe file writes,
// hex code parsing for card access codes, and width-aware text
// truncation for the kiosk display.
package util
