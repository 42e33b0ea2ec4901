// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bio integrates biometric template matching. The matching
// algorithm itself lives outside this repository; the decision engine
// only consumes a similarity score in [0,1].
package bio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// =============================================================================
// SCORER INTERFACE
// =============================================================================

// Scorer compares a live capture against an enrolled template and
// returns a similarity score in [0,1], higher meaning more similar.
// Errors mean the comparison could not run at all; a low score is a
// result, not an error.
type Scorer interface {
	Score(ctx context.Context, captured, template []byte) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, captured, template []byte) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, captured, template []byte) (float64, error) {
	return f(ctx, captured, template)
}

// =============================================================================
// EXTERNAL DETECTOR
// =============================================================================

// scoreRe extracts the similarity from the detector's stdout.
var scoreRe = regexp.MustCompile(`Score=(-?\d+(?:\.\d+)?)`)

// DefaultScoreTimeout bounds one detector invocation.
const DefaultScoreTimeout = 5 * time.Second

// CommandScorer scores by invoking an external detector binary:
//
//	<bin> --probe <capture-file> --template <template-file>
//
// and parsing a "Score=<float>" line from its stdout. The detector is
// the same native matcher used at enrollment, so scores are comparable
// across both paths.
type CommandScorer struct {
	// BinPath is the detector executable.
	BinPath string

	// Timeout bounds one invocation; DefaultScoreTimeout when zero.
	Timeout time.Duration
}

// Score writes both inputs to a private temp dir, runs the detector,
// and parses the similarity from its output.
func (c *CommandScorer) Score(ctx context.Context, captured, template []byte) (float64, error) {
	if c.BinPath == "" {
		return 0, fmt.Errorf("detector binary not configured")
	}
	if _, err := os.Stat(c.BinPath); err != nil {
		return 0, fmt.Errorf("detector binary not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "cardgate-bio-*")
	if err != nil {
		return 0, fmt.Errorf("failed to stage detector inputs: %w", err)
	}
	defer os.RemoveAll(dir)

	probePath := filepath.Join(dir, "probe.bin")
	tplPath := filepath.Join(dir, "template.bin")
	if err := os.WriteFile(probePath, captured, 0o600); err != nil {
		return 0, fmt.Errorf("failed to stage probe: %w", err)
	}
	if err := os.WriteFile(tplPath, template, 0o600); err != nil {
		return 0, fmt.Errorf("failed to stage template: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultScoreTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, c.BinPath, "--probe", probePath, "--template", tplPath).Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("detector timed out after %s", timeout)
	}
	if err != nil {
		return 0, fmt.Errorf("detector failed: %w", err)
	}

	m := scoreRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("detector output missing score")
	}
	score, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("detector produced malformed score: %w", err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
