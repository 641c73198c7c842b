// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"sync"
	"time"
)

const (
	defaultDedupWindow  = 5 * time.Minute
	defaultDedupEntries = 4096
)

// Cache is a time-windowed, size-bounded dedup set. A key seen within
// the window is a duplicate; outside the window the same key passes
// again, which keeps memory bounded without risking permanent
// suppression of a legitimately repeated change.
type Cache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]time.Time

	now func() time.Time
}

// NewCache builds a dedup cache. Non-positive arguments select the
// defaults (5 minute window, 4096 entries).
func NewCache(window time.Duration, maxEntries int) *Cache {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupEntries
	}
	return &Cache{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// Seen records key and reports whether it was already present within the
// window. The first call for a key returns false; subsequent calls
// return true until the window elapses.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if ts, ok := c.entries[key]; ok && now.Sub(ts) < c.window {
		return true
	}
	c.entries[key] = now
	if len(c.entries) > c.maxEntries {
		c.pruneLocked(now)
	}
	return false
}

// Len reports the number of tracked keys, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked drops expired entries, then evicts oldest-first until the
// cache fits its bound again.
func (c *Cache) pruneLocked(now time.Time) {
	for k, ts := range c.entries {
		if now.Sub(ts) >= c.window {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, ts := range c.entries {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey = k
				oldest = ts
			}
		}
		delete(c.entries, oldestKey)
	}
}
