// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session holds the process-wide Mattermost credential state.
//
// Exactly one Session exists per process. It is constructed once and passed
// by handle to every component that issues outbound calls or maintains the
// event stream. Credentials are replaced atomically by authenticate/logout;
// readers always observe a consistent snapshot. Components that need to
// react to credential changes (the streaming client in particular) register
// a Listener.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Credentials is an immutable snapshot of the current authentication state.
type Credentials struct {
	ServerURL     string
	Token         string
	TeamID        string
	UserID        string
	Username      string
	Authenticated bool
	ValidatedAt   time.Time
}

// Listener is notified whenever the session credentials change, including
// when they are cleared by logout (Authenticated will be false).
type Listener interface {
	CredentialsChanged(creds Credentials)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(creds Credentials)

func (f ListenerFunc) CredentialsChanged(creds Credentials) {
	f(creds)
}

// Session is the single owner of the process credential state.
type Session struct {
	mu        sync.RWMutex
	creds     Credentials
	listeners []Listener
	log       zerolog.Logger
}

// New creates an unauthenticated session.
func New(log zerolog.Logger) *Session {
	return &Session{
		log: log.With().Str("component", "session").Logger(),
	}
}

// Snapshot returns a consistent copy of the current credentials.
func (s *Session) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Authenticated reports whether the session currently holds validated
// credentials.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Authenticated
}

// Set atomically replaces the credentials and notifies all listeners.
func (s *Session) Set(creds Credentials) {
	s.mu.Lock()
	s.creds = creds
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Info().
		Str("server_url", creds.ServerURL).
		Str("user_id", creds.UserID).
		Str("username", creds.Username).
		Bool("authenticated", creds.Authenticated).
		Msg("Credentials updated")

	// Notify outside the lock so a listener may call back into the session.
	for _, l := range listeners {
		l.CredentialsChanged(creds)
	}
}

// Clear drops the credentials and notifies all listeners with an
// unauthenticated snapshot.
func (s *Session) Clear() {
	s.Set(Credentials{})
}

// AddListener registers a credential-change listener. Listeners are invoked
// in registration order.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}
