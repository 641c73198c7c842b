// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCacheSeenExactlyOnce(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute, 100)
	if c.Seen("post:p1:created") {
		t.Fatal("first sighting must not be a duplicate")
	}
	for range 5 {
		if !c.Seen("post:p1:created") {
			t.Fatal("repeat sighting within the window must be a duplicate")
		}
	}
	if c.Seen("post:p2:created") {
		t.Fatal("distinct key must not be a duplicate")
	}
}

func TestCacheWindowExpiry(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute, 100)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.Seen("k")
	now = now.Add(59 * time.Second)
	if !c.Seen("k") {
		t.Fatal("still inside the window, must be a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if c.Seen("k") {
		t.Fatal("window elapsed, key must pass again")
	}
}

func TestCacheBound(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Hour, 10)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	for i := range 50 {
		now = now.Add(time.Millisecond)
		c.Seen(fmt.Sprintf("k%d", i))
	}
	if got := c.Len(); got > 10 {
		t.Fatalf("cache holds %d entries, bound is 10", got)
	}
	// The newest key must have survived the evictions.
	if !c.Seen("k49") {
		t.Fatal("newest key evicted before oldest")
	}
}

func TestCacheConcurrentFirstSighting(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute, 1000)
	const workers = 16
	var wg sync.WaitGroup
	firsts := make(chan struct{}, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("contested") {
				firsts <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(firsts)
	if n := len(firsts); n != 1 {
		t.Fatalf("%d goroutines saw the key first, want exactly 1", n)
	}
}
