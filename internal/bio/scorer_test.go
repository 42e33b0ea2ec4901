// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bio

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDetector writes a shell script standing in for the native matcher.
func fakeDetector(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script detector stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "detector.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandScorerParsesScore(t *testing.T) {
	c := &CommandScorer{BinPath: fakeDetector(t, `echo "Score=0.87"`)}
	score, err := c.Score(context.Background(), []byte("probe"), []byte("template"))
	require.NoError(t, err)
	require.InDelta(t, 0.87, score, 1e-9)
}

func TestCommandScorerClampsScore(t *testing.T) {
	c := &CommandScorer{BinPath: fakeDetector(t, `echo "Score=1.50"`)}
	score, err := c.Score(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

func TestCommandScorerMissingScoreLine(t *testing.T) {
	c := &CommandScorer{BinPath: fakeDetector(t, `echo "Face=NOTFOUND"`)}
	_, err := c.Score(context.Background(), nil, nil)
	require.ErrorContains(t, err, "missing score")
}

func TestCommandScorerMissingBinary(t *testing.T) {
	c := &CommandScorer{BinPath: filepath.Join(t.TempDir(), "absent")}
	_, err := c.Score(context.Background(), nil, nil)
	require.ErrorContains(t, err, "not found")

	c = &CommandScorer{}
	_, err = c.Score(context.Background(), nil, nil)
	require.ErrorContains(t, err, "not configured")
}

func TestCommandScorerTimeout(t *testing.T) {
	c := &CommandScorer{
		BinPath: fakeDetector(t, `sleep 5`),
		Timeout: 100 * time.Millisecond,
	}
	_, err := c.Score(context.Background(), nil, nil)
	require.ErrorContains(t, err, "timed out")
}

func TestCommandScorerStagesInputs(t *testing.T) {
	// The stub echoes the staged file contents back as a score suffix
	// check: both files must exist and hold the exact payloads.
	c := &CommandScorer{BinPath: fakeDetector(t, `
probe=""
tpl=""
while [ $# -gt 0 ]; do
  case "$1" in
    --probe) probe="$2"; shift 2 ;;
    --template) tpl="$2"; shift 2 ;;
    *) shift ;;
  esac
done
[ "$(cat "$probe")" = "probe-bytes" ] || exit 1
[ "$(cat "$tpl")" = "template-bytes" ] || exit 1
echo "Score=0.50"`)}

	score, err := c.Score(context.Background(), []byte("probe-bytes"), []byte("template-bytes"))
	require.NoError(t, err)
	require.InDelta(t, 0.50, score, 1e-9)
}

func TestScorerFunc(t *testing.T) {
	s := ScorerFunc(func(ctx context.Context, captured, template []byte) (float64, error) {
		return 0.99, nil
	})
	score, err := s.Score(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0.99, score)
}
