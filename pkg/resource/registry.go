// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cronus42/mattermost-mcp/pkg/session"
	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// ErrNotAuthenticated is returned by Start while the session holds no
// validated credentials.
var ErrNotAuthenticated = errors.New("registry: session not authenticated")

// ErrAlreadyRunning is returned by a second Start without a Stop between.
var ErrAlreadyRunning = errors.New("registry: already running")

// RegistryOptions configures transports and dedup bounds. Zero values
// select defaults; both transports default to enabled through the config
// layer, not here.
type RegistryOptions struct {
	PollInterval    time.Duration
	EnableStreaming bool
	EnablePolling   bool
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Registry owns the registered resources and their delivery machinery:
// one poll loop and one stream pump per resource, all updates funneled
// through the shared dedup cache into the single update callback.
type Registry struct {
	sess   *session.Session
	stream *stream.Client
	dedup  *Cache
	log    zerolog.Logger
	opts   RegistryOptions

	cbMu       sync.RWMutex
	callback   func(Update)
	onStreamDn func(error)

	mu            sync.Mutex
	resources     []Resource
	running       bool
	streamStarted bool
	cancel        context.CancelFunc
	group         *errgroup.Group

	pollFailures atomic.Uint64
}

// NewRegistry builds a registry. streamClient may be nil when streaming
// is disabled.
func NewRegistry(sess *session.Session, streamClient *stream.Client, log zerolog.Logger, opts RegistryOptions) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Registry{
		sess:   sess,
		stream: streamClient,
		dedup:  NewCache(opts.DedupWindow, opts.DedupMaxEntries),
		log:    log.With().Str("component", "resource_registry").Logger(),
		opts:   opts,
	}
}

// Register adds a resource. Only effective before Start.
func (reg *Registry) Register(r Resource) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.resources = append(reg.resources, r)
}

// SetUpdateCallback installs the single consumer of surviving updates.
func (reg *Registry) SetUpdateCallback(fn func(Update)) {
	reg.cbMu.Lock()
	reg.callback = fn
	reg.cbMu.Unlock()
}

// SetStreamDownHandler installs the observer for abandoned stream
// reconnection. Polling continues regardless.
func (reg *Registry) SetStreamDownHandler(fn func(error)) {
	reg.cbMu.Lock()
	reg.onStreamDn = fn
	reg.cbMu.Unlock()
}

// PollFailures reports how many poll cycles have failed since Start.
func (reg *Registry) PollFailures() uint64 {
	return reg.pollFailures.Load()
}

// Start launches the delivery loops. It requires an authenticated
// session and fails without side effects otherwise.
func (reg *Registry) Start(ctx context.Context) error {
	if !reg.sess.Snapshot().Authenticated {
		return ErrNotAuthenticated
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	reg.cancel = cancel
	reg.group = group
	reg.running = true

	if reg.opts.EnableStreaming && reg.stream != nil {
		reg.stream.SetStreamDownHandler(reg.streamDown)
		reg.stream.Start()
		reg.streamStarted = true
		for _, r := range reg.resources {
			sub := reg.stream.Subscribe(r.EventTypes()...)
			group.Go(func() error {
				reg.pump(gctx, r, sub)
				return nil
			})
		}
	}
	if reg.opts.EnablePolling {
		for _, r := range reg.resources {
			group.Go(func() error {
				reg.pollLoop(gctx, r)
				return nil
			})
		}
	}

	reg.log.Info().
		Int("resources", len(reg.resources)).
		Bool("streaming", reg.opts.EnableStreaming).
		Bool("polling", reg.opts.EnablePolling).
		Dur("poll_interval", reg.opts.PollInterval).
		Msg("Resource registry started")
	return nil
}

// Stop cancels the loops, waits for them to drain, and shuts down the
// stream client it started, so no connection outlives the registry.
// Idempotent.
func (reg *Registry) Stop() {
	reg.mu.Lock()
	if !reg.running {
		reg.mu.Unlock()
		return
	}
	cancel, group := reg.cancel, reg.group
	streamStarted := reg.streamStarted
	reg.running = false
	reg.mu.Unlock()

	cancel()
	_ = group.Wait()
	if streamStarted {
		reg.stream.Stop()
	}
	reg.log.Info().Msg("Resource registry stopped")
}

// pump drains one resource's stream subscription.
func (reg *Registry) pump(ctx context.Context, r Resource, sub *stream.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			reg.deliver(r.HandleEvent(evt))
		}
	}
}

// pollLoop runs one resource's poll cycle immediately and then on every
// tick. A failed cycle is counted and retried next tick, never escalated.
func (reg *Registry) pollLoop(ctx context.Context, r Resource) {
	reg.poll(ctx, r)
	ticker := time.NewTicker(reg.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.poll(ctx, r)
		}
	}
}

func (reg *Registry) poll(ctx context.Context, r Resource) {
	updates, err := r.Poll(ctx)
	if err != nil {
		reg.pollFailures.Add(1)
		reg.log.Warn().Err(err).Str("resource", r.URI()).Msg("Poll cycle failed")
	}
	reg.deliver(updates)
}

// deliver runs updates through the dedup cache and hands survivors to
// the callback.
func (reg *Registry) deliver(updates []Update) {
	if len(updates) == 0 {
		return
	}
	reg.cbMu.RLock()
	cb := reg.callback
	reg.cbMu.RUnlock()
	for _, u := range updates {
		if reg.dedup.Seen(u.DedupKey) {
			reg.log.Trace().Str("dedup_key", u.DedupKey).Msg("Suppressing duplicate update")
			continue
		}
		if cb != nil {
			cb(u)
		}
	}
}

func (reg *Registry) streamDown(err error) {
	reg.log.Error().Err(err).Msg("Stream delivery lost, continuing on polling alone")
	reg.cbMu.RLock()
	fn := reg.onStreamDn
	reg.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
