// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the nonce replay cache backing IA-2(8).
//
// Scope is a single process: the cache is an in-memory map owned by one
// ReplayGuard instance. A multi-terminal deployment would back the same
// interface with a shared store.

package security

import (
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// DefaultReplayTTL is how long a nonce is held for anti-replay purposes.
	DefaultReplayTTL = 2 * time.Minute

	// DefaultReplayCapacity bounds the cache entry count.
	DefaultReplayCapacity = 4096

	// minReplayCapacity is the smallest permitted capacity.
	minReplayCapacity = 64
)

var (
	// ErrReplayNonceSeen is returned when a nonce is presented a second time
	// before its TTL has elapsed.
	ErrReplayNonceSeen = errors.New("replay_nonce_seen")

	ErrReplayTTLInvalid      = errors.New("replay ttl must be positive")
	ErrReplayCapacityInvalid = errors.New("replay capacity must be at least 64")
)

// =============================================================================
// REPLAY GUARD
// =============================================================================

// replayKey identifies one (card, nonce) pair.
type replayKey struct {
	cardID   string
	nonceHex string
}

// ReplayGuard rejects reuse of a (card, nonce) pair within a TTL window.
// It is safe for concurrent use.
type ReplayGuard struct {
	mu       sync.Mutex
	entries  map[replayKey]time.Time // expiry per key
	ttl      time.Duration
	capacity int

	// now is replaceable for tests.
	now func() time.Time
}

// NewReplayGuard creates a ReplayGuard with the given TTL and entry cap.
func NewReplayGuard(ttl time.Duration, capacity int) (*ReplayGuard, error) {
	if ttl <= 0 {
		return nil, ErrReplayTTLInvalid
	}
	if capacity < minReplayCapacity {
		return nil, ErrReplayCapacityInvalid
	}
	return &ReplayGuard{
		entries:  make(map[replayKey]time.Time),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

// CheckAndRemember accepts a nonce exactly once per TTL window. It purges
// expired entries, returns ErrReplayNonceSeen for an unexpired duplicate,
// and otherwise records the nonce with expiry now+TTL.
func (g *ReplayGuard) CheckAndRemember(cardID string, nonce []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	key := replayKey{cardID: cardID, nonceHex: hex.EncodeToString(nonce)}
	if _, seen := g.entries[key]; seen {
		return ErrReplayNonceSeen
	}

	g.entries[key] = now.Add(g.ttl)
	g.evictLocked()
	return nil
}

// Len returns the current entry count.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// purgeLocked removes expired entries (caller must hold lock).
func (g *ReplayGuard) purgeLocked(now time.Time) {
	for key, expiry := range g.entries {
		if !expiry.After(now) {
			delete(g.entries, key)
		}
	}
}

// evictLocked enforces the capacity bound (caller must hold lock).
// Soonest-to-expire entries go first; this bounds memory even under a
// misconfigured TTL without the bookkeeping of strict LRU.
func (g *ReplayGuard) evictLocked() {
	over := len(g.entries) - g.capacity
	if over <= 0 {
		return
	}

	type entry struct {
		key    replayKey
		expiry time.Time
	}
	all := make([]entry, 0, len(g.entries))
	for key, expiry := range g.entries {
		all = append(all, entry{key: key, expiry: expiry})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expiry.Before(all[j].expiry) })

	for i := 0; i < over; i++ {
		delete(g.entries, all[i].key)
	}
}
