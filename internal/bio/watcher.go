// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bio

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/cardgate/internal/security"
	"github.com/jeranaias/cardgate/internal/store"
)

// =============================================================================
// TEMPLATE WATCHER
// =============================================================================

// DefaultWatchDebounce coalesces rapid edits of the same template file
// into one audit entry.
const DefaultWatchDebounce = 2 * time.Second

// TemplateWatcher watches the template directory and records an audit
// log row for every out-of-band file change. Templates are only supposed
// to change through enrollment; anything else is worth an operator's
// attention even when the per-authentication integrity check would also
// catch it.
type TemplateWatcher struct {
	watcher  *fsnotify.Watcher
	st       store.CredentialStore
	dir      string
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]pendingChange

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type pendingChange struct {
	op   string
	seen time.Time
}

// NewTemplateWatcher builds a watcher over dir. Call Watch to start.
func NewTemplateWatcher(st store.CredentialStore, dir string, debounce time.Duration) (*TemplateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TemplateWatcher{
		watcher:  w,
		st:       st,
		dir:      dir,
		debounce: debounce,
		pending:  make(map[string]pendingChange),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Watch starts watching the template directory.
func (tw *TemplateWatcher) Watch() error {
	if err := tw.watcher.Add(tw.dir); err != nil {
		return err
	}
	tw.started = true
	go tw.processEvents()
	go tw.flushPending()
	return nil
}

// Close stops watching and releases resources.
func (tw *TemplateWatcher) Close() error {
	tw.cancel()
	err := tw.watcher.Close()
	if tw.started {
		<-tw.done
	}
	return err
}

func (tw *TemplateWatcher) processEvents() {
	for {
		select {
		case <-tw.ctx.Done():
			return
		case ev, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			tw.mu.Lock()
			tw.pending[ev.Name] = pendingChange{op: ev.Op.String(), seen: time.Now()}
			tw.mu.Unlock()
		case _, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// flushPending drains changes whose debounce window has elapsed.
func (tw *TemplateWatcher) flushPending() {
	defer close(tw.done)
	ticker := time.NewTicker(tw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-tw.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var due []string
			var ops []string

			tw.mu.Lock()
			for path, ch := range tw.pending {
				if now.Sub(ch.seen) >= tw.debounce {
					due = append(due, path)
					ops = append(ops, ch.op)
				}
			}
			for _, path := range due {
				delete(tw.pending, path)
			}
			tw.mu.Unlock()

			for i, path := range due {
				tw.record(path, ops[i])
			}
		}
	}
}

func (tw *TemplateWatcher) record(path, op string) {
	actx := security.AuditContext{
		Device: security.DeviceIdentity(),
		Extra:  map[string]string{"path": path, "op": op},
	}
	reason := security.CompactReason("template_changed", actx.Encode(security.DefaultAuditContextMaxLen))
	// Best effort: a failed audit write must not stop the watcher.
	_ = tw.st.AppendAuthLog(tw.ctx, store.AuthLogEntry{
		Decision: "audit",
		Reason:   reason,
	})
}
