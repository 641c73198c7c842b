// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"context"
	"sync"
	"time"
)

// RateBudget is a token bucket limiting outbound call rate. Tokens refill
// continuously at rate tokens/second up to capacity. Acquire suspends the
// caller until a token accrues; it never fails solely due to local
// throttling.
type RateBudget struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

// NewRateBudget creates a bucket holding burst tokens that refills at
// perSecond tokens per second. Non-positive arguments fall back to the
// defaults of 10 req/s with a burst of 20.
func NewRateBudget(perSecond float64, burst int) *RateBudget {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	b := &RateBudget{
		capacity: float64(burst),
		rate:     perSecond,
		tokens:   float64(burst),
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// refillLocked credits tokens for the time elapsed since the last refill.
// Monotonic: tokens never decrease here and never exceed capacity.
func (b *RateBudget) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// TryAcquire takes a token if one is immediately available.
func (b *RateBudget) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire blocks until a token is available or ctx is done. After each
// wait the bucket is re-checked under the lock, so concurrent acquirers
// can neither lose tokens nor over-grant.
func (b *RateBudget) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens returns the current token count after refill. Intended for tests
// and metrics.
func (b *RateBudget) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}
