// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package stream maintains the single persistent websocket connection to
// the Mattermost real-time event channel. It authenticates with a token
// challenge, parses inbound frames into typed events, fans them out to
// bounded per-subscriber queues, and reconnects autonomously with
// exponential backoff until told to stop.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
	"github.com/cronus42/mattermost-mcp/pkg/session"
)

// State is the connection lifecycle state. Transitions are owned
// exclusively by the client's run loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config bounds the reconnect and queueing behavior.
type Config struct {
	// BaseDelay is the reconnect delay after the first failure; it
	// doubles per consecutive failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxReconnectAttempts is the number of consecutive failures after
	// which automatic reconnection is abandoned and the stream-down
	// handler fires. Polling coverage continues elsewhere.
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// QueueSize bounds each subscriber's event queue; the oldest event
	// is dropped with a warning when it overflows.
	QueueSize int

	pingInterval time.Duration
	pongWait     time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 30 * time.Second
	}
	if c.pongWait <= 0 {
		c.pongWait = 60 * time.Second
	}
}

// backoffDelay computes min(MaxDelay, BaseDelay * 2^failures) for the
// delay after the given number of consecutive failures (1-based).
func (c Config) backoffDelay(failures int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

var (
	errStopped = errors.New("stream client stopped")
	errRestart = errors.New("credential change, restarting connection")
)

// Subscription is a bounded queue of events for one consumer.
type Subscription struct {
	client  *Client
	types   map[string]struct{}
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Events returns the subscription's event channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded due to queue overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.client.subMu.Lock()
	defer s.client.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.client.subs, s)
	close(s.ch)
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Client is the duplex streaming client. It implements session.Listener:
// a credential change forces an immediate drop and a fresh
// connect/authenticate cycle with the new token, superseding any
// in-flight automatic reconnect.
type Client struct {
	session *session.Session
	cfg     Config
	log     zerolog.Logger
	dialer  *websocket.Dialer

	state atomic.Int32

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	downMu sync.Mutex
	onDown func(error)

	restartCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a streaming client bound to the session and registers it
// for credential-change notifications. Call Start to begin connecting.
func New(sess *session.Session, log zerolog.Logger, cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		session:   sess,
		cfg:       cfg,
		log:       log.With().Str("component", "mm_stream").Logger(),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		subs:      make(map[*Subscription]struct{}),
		restartCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	sess.AddListener(c)
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Stream state changed")
	}
}

// SetStreamDownHandler installs the callback invoked once per episode
// when automatic reconnection is abandoned.
func (c *Client) SetStreamDownHandler(fn func(error)) {
	c.downMu.Lock()
	c.onDown = fn
	c.downMu.Unlock()
}

// Subscribe registers a consumer for the given event types. An empty
// type list subscribes to every known event.
func (c *Client) Subscribe(types ...string) *Subscription {
	sub := &Subscription{
		client: c,
		ch:     make(chan Event, c.cfg.QueueSize),
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()
	return sub
}

// CredentialsChanged implements session.Listener. The run loop picks the
// signal up at its next suspension point, dropping any live or pending
// connection attempt.
func (c *Client) CredentialsChanged(_ session.Credentials) {
	select {
	case c.restartCh <- struct{}{}:
	default:
	}
}

// Start launches the connection loop. Safe to call more than once.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop shuts the client down and does not reconnect. Idempotent; it
// returns once the run loop has exited (immediately if never started).
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.startOnce.Do(func() {
		// Never started: nothing else will ever close doneCh.
		close(c.doneCh)
	})
	<-c.doneCh
}

// run is the single owner of the connection state machine.
func (c *Client) run() {
	defer close(c.doneCh)
	failures := 0
	skipBackoff := true // no delay before the very first attempt

	for {
		creds := c.session.Snapshot()
		if !creds.Authenticated {
			c.setState(StateDisconnected)
			select {
			case <-c.stopCh:
				return
			case <-c.restartCh:
				skipBackoff = true
				failures = 0
				continue
			}
		}

		if !skipBackoff {
			delay := c.cfg.backoffDelay(failures)
			c.log.Info().
				Int("consecutive_failures", failures).
				Dur("delay", delay).
				Msg("Scheduling stream reconnect")
			timer := time.NewTimer(delay)
			select {
			case <-c.stopCh:
				timer.Stop()
				return
			case <-c.restartCh:
				// Credential change supersedes the pending attempt.
				timer.Stop()
				failures = 0
				continue
			case <-timer.C:
			}
		}
		skipBackoff = false

		reached, err := c.runConnection(creds)
		if reached {
			failures = 0
		}
		switch {
		case errors.Is(err, errStopped):
			return
		case errors.Is(err, errRestart):
			c.log.Info().Msg("Stream restarting with new credentials")
			failures = 0
			skipBackoff = true
			continue
		}

		failures++
		c.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Stream connection lost")
		if failures >= c.cfg.MaxReconnectAttempts {
			c.streamDown(failures)
			// Hold here until a credential change revives the stream
			// or the client is stopped.
			select {
			case <-c.stopCh:
				return
			case <-c.restartCh:
				failures = 0
				skipBackoff = true
			}
		}
	}
}

// streamDown reports the terminal stream failure after reconnects are
// exhausted.
func (c *Client) streamDown(failures int) {
	c.setState(StateDisconnected)
	c.log.Error().
		Int("consecutive_failures", failures).
		Msg("Abandoning stream reconnection, polling remains the sole delivery path")
	c.downMu.Lock()
	fn := c.onDown
	c.downMu.Unlock()
	if fn != nil {
		fn(&mmclient.APIError{
			Kind:   mmclient.KindStreamDown,
			Method: "WS",
			Path:   "/websocket",
			Err:    fmt.Errorf("gave up after %d consecutive reconnect failures", failures),
		})
	}
}

// runConnection performs one full Disconnected -> Connecting ->
// Authenticating -> Connected cycle and services the connection until it
// drops, credentials change, or the client stops. reached reports
// whether Connected was attained.
func (c *Client) runConnection(creds session.Credentials) (reached bool, err error) {
	c.setState(StateConnecting)
	wsURL := httpToWS(creds.ServerURL) + "/api/v4/websocket"

	conn, resp, err := c.dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial %s: status %d: %w", wsURL, resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	c.setState(StateAuthenticating)
	if err := c.handshake(conn, creds.Token); err != nil {
		return false, err
	}

	c.setState(StateConnected)
	c.log.Info().Str("url", wsURL).Msg("Stream connected")

	// Reader goroutine so the select below can also watch stop/restart.
	frames := make(chan frame)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.pongWait))
	})

	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				select {
				case readErr <- err:
				case <-readerDone:
				}
				return
			}
			select {
			case frames <- f:
			case <-readerDone:
				return
			}
		}
	}()

	ping := time.NewTicker(c.cfg.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return true, errStopped
		case <-c.restartCh:
			c.setState(StateDisconnected)
			return true, errRestart
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.HandshakeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.setState(StateDisconnected)
				return true, fmt.Errorf("ping: %w", err)
			}
		case err := <-readErr:
			c.setState(StateDisconnected)
			return true, fmt.Errorf("read: %w", err)
		case f := <-frames:
			if f.Event != "" {
				c.dispatch(f)
			}
		}
	}
}

// handshake sends the authentication challenge as the first frame and
// waits for the acknowledgement. Events arriving before the ack (the
// server's hello) are tolerated and skipped.
func (c *Client) handshake(conn *websocket.Conn, token string) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	challenge := frame{
		Seq:    1,
		Action: actionAuthChallenge,
		Data:   map[string]any{"token": token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return fmt.Errorf("send auth challenge: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(deadline)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("await auth ack: %w", err)
		}
		if f.SeqReply != 1 {
			continue
		}
		if f.Status != statusOK {
			return fmt.Errorf("authentication rejected: %v", f.Error)
		}
		return nil
	}
}

// dispatch parses a server frame and delivers the event to every
// matching subscriber without ever blocking the read loop. Unknown event
// types are dropped. When a subscriber's queue is full, its oldest
// queued event is discarded with a warning (bounded-loss policy).
func (c *Client) dispatch(f frame) {
	if _, known := knownEventTypes[f.Event]; !known {
		c.log.Trace().Str("event_type", f.Event).Msg("Dropping unrecognized event type")
		return
	}
	evt := eventFromFrame(f, time.Now())

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for sub := range c.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Queue full: drop the oldest, then retry once.
		select {
		case old := <-sub.ch:
			sub.dropped.Add(1)
			c.log.Warn().
				Str("event_type", old.Type).
				Uint64("dropped_total", sub.dropped.Load()).
				Msg("Subscriber queue full, dropping oldest event")
		default:
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// httpToWS converts an HTTP(S) base URL to its WS(S) equivalent.
func httpToWS(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}
