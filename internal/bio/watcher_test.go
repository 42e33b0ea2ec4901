// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bio

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cardgate/internal/store"
)

func TestTemplateWatcherRecordsChange(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cardgate.db"))
	require.NoError(t, err)
	defer st.Close()

	dir := t.TempDir()
	tw, err := NewTemplateWatcher(st, dir, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, tw.Watch())
	defer tw.Close()

	tplPath := filepath.Join(dir, "alice.npz")
	require.NoError(t, os.WriteFile(tplPath, []byte("edited out of band"), 0o600))

	require.Eventually(t, func() bool {
		logs, err := st.ListAuthLogs(context.Background(), 10)
		if err != nil || len(logs) == 0 {
			return false
		}
		return logs[0].Decision == "audit" &&
			strings.HasPrefix(logs[0].Reason, "template_changed|ctx=") &&
			strings.Contains(logs[0].Reason, "alice.npz")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTemplateWatcherMissingDir(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cardgate.db"))
	require.NoError(t, err)
	defer st.Close()

	tw, err := NewTemplateWatcher(st, filepath.Join(t.TempDir(), "absent"), 0)
	require.NoError(t, err)
	err = tw.Watch()
	require.Error(t, err)
	require.NoError(t, tw.Close())
}
