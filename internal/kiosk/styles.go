// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kiosk implements the terminal front-end: a full-screen
// waiting-for-card / PIN / capture / result loop for an access point
// or enrollment desk.
package kiosk

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// COLORS
// =============================================================================

// All colors use AdaptiveColor for automatic light/dark detection.
var (
	// cyan - brand color, headers
	cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

	// emerald - ALLOW results
	emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

	// rose - DENY results, errors
	rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

	// amber - pacing and warning states
	amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

	// textMuted - hints, footer
	textMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}
)

// =============================================================================
// STYLES
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyan).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(cyan).
			Padding(1, 3)

	allowStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(emerald).
			Border(lipgloss.ThickBorder()).
			BorderForeground(emerald).
			Padding(1, 4)

	denyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(rose).
			Border(lipgloss.ThickBorder()).
			BorderForeground(rose).
			Padding(1, 4)

	pacingStyle = lipgloss.NewStyle().
			Foreground(amber).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(textMuted)

	labelStyle = lipgloss.NewStyle().
			Foreground(textMuted).
			Width(10)
)
