// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/cronus42/mattermost-mcp/pkg/session"
	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// stubResource emits a scripted batch per poll cycle.
type stubResource struct {
	uri string

	mu      sync.Mutex
	batches [][]Update
	err     error
	polls   int
}

func (s *stubResource) URI() string                       { return s.uri }
func (s *stubResource) EventTypes() []string              { return []string{"posted"} }
func (s *stubResource) HandleEvent(stream.Event) []Update { return nil }

func (s *stubResource) Poll(context.Context) ([]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *stubResource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type updateSink struct {
	mu      sync.Mutex
	updates []Update
}

func (u *updateSink) add(update Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, update)
}

func (u *updateSink) all() []Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Update(nil), u.updates...)
}

func authedSession(serverURL string) *session.Session {
	sess := session.New(zerolog.Nop())
	sess.Set(session.Credentials{
		ServerURL:     serverURL,
		Token:         "tok",
		Authenticated: true,
	})
	return sess
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestRegistryStartRequiresAuth verifies the auth gate has no side
// effects.
func TestRegistryStartRequiresAuth(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(session.New(zerolog.Nop()), nil, zerolog.Nop(), RegistryOptions{EnablePolling: true})
	if err := reg.Start(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	reg.Stop() // must be a no-op
}

// TestRegistryDeliversAndDedups verifies poll updates reach the callback
// exactly once even when a resource re-reports the same change.
func TestRegistryDeliversAndDedups(t *testing.T) {
	t.Parallel()
	dup := Update{ResourceURI: URIPosts, Type: UpdateCreated, DedupKey: "post:p1:created"}
	res := &stubResource{uri: URIPosts, batches: [][]Update{
		{dup},
		{dup, {ResourceURI: URIPosts, Type: UpdateCreated, DedupKey: "post:p2:created"}},
	}}
	reg := NewRegistry(authedSession("http://unused"), nil, zerolog.Nop(), RegistryOptions{
		EnablePolling: true,
		PollInterval:  10 * time.Millisecond,
	})
	reg.Register(res)
	sink := &updateSink{}
	reg.SetUpdateCallback(sink.add)

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop()

	waitUntil(t, "both batches polled", func() bool { return res.pollCount() >= 2 })
	waitUntil(t, "second update delivered", func() bool { return len(sink.all()) >= 2 })

	got := sink.all()
	keys := map[string]int{}
	for _, u := range got {
		keys[u.DedupKey]++
	}
	if keys["post:p1:created"] != 1 {
		t.Fatalf("p1 delivered %d times, want exactly 1", keys["post:p1:created"])
	}
	if keys["post:p2:created"] != 1 {
		t.Fatalf("p2 delivered %d times, want exactly 1", keys["post:p2:created"])
	}
}

// TestRegistryPollFailureIsolated verifies one failing resource never
// stops another's delivery, and failures are counted.
func TestRegistryPollFailureIsolated(t *testing.T) {
	t.Parallel()
	bad := &stubResource{uri: "mattermost://bad", err: errors.New("backend down")}
	good := &stubResource{uri: URIPosts, batches: [][]Update{
		nil, nil, {{ResourceURI: URIPosts, Type: UpdateCreated, DedupKey: "post:late:created"}},
	}}
	reg := NewRegistry(authedSession("http://unused"), nil, zerolog.Nop(), RegistryOptions{
		EnablePolling: true,
		PollInterval:  10 * time.Millisecond,
	})
	reg.Register(bad)
	reg.Register(good)
	sink := &updateSink{}
	reg.SetUpdateCallback(sink.add)

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop()

	waitUntil(t, "late update delivered", func() bool { return len(sink.all()) == 1 })
	if reg.PollFailures() == 0 {
		t.Fatal("failing resource's cycles were not counted")
	}
	waitUntil(t, "failing resource keeps being retried", func() bool { return bad.pollCount() >= 3 })
}

// TestRegistryStopIdempotent verifies double Start/Stop behavior.
func TestRegistryStopIdempotent(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(authedSession("http://unused"), nil, zerolog.Nop(), RegistryOptions{
		EnablePolling: true,
		PollInterval:  10 * time.Millisecond,
	})
	reg.Register(&stubResource{uri: URIPosts})

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	reg.Stop()
	reg.Stop()

	// A fresh Start after Stop is allowed.
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	reg.Stop()
}

// newFakeStreamEndpoint serves the websocket handshake and then idles,
// counting connections.
func newFakeStreamEndpoint(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	var upgrader websocket.Upgrader
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var challenge map[string]any
		if err := conn.ReadJSON(&challenge); err != nil {
			return
		}
		atomic.AddInt32(&conns, 1)
		_ = conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &conns
}

// TestRegistryStopClosesStream verifies Stop shuts down the stream
// client the registry started: the connection is dropped and never
// re-established after Stop returns.
func TestRegistryStopClosesStream(t *testing.T) {
	t.Parallel()
	srv, conns := newFakeStreamEndpoint(t)
	sess := authedSession(srv.URL)
	sc := stream.New(sess, zerolog.Nop(), stream.Config{BaseDelay: 10 * time.Millisecond})

	reg := NewRegistry(sess, sc, zerolog.Nop(), RegistryOptions{
		EnableStreaming: true,
		PollInterval:    time.Hour,
	})
	reg.Register(&stubResource{uri: URIPosts})

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, "stream connected", func() bool { return sc.State() == stream.StateConnected })

	reg.Stop()
	if got := sc.State(); got != stream.StateDisconnected {
		t.Fatalf("stream state after Stop = %v, want disconnected", got)
	}
	// No reconnect may follow.
	before := atomic.LoadInt32(conns)
	time.Sleep(100 * time.Millisecond)
	if after := atomic.LoadInt32(conns); after != before {
		t.Fatalf("stream reconnected after Stop: %d -> %d connections", before, after)
	}
}

// TestRegistryStreamToPoll runs the full cross-transport path against a
// fake websocket endpoint: whichever transport delivers the post first,
// the other's copy is suppressed and the callback fires exactly once.
func TestRegistryStreamToPoll(t *testing.T) {
	t.Parallel()
	post := &model.Post{Id: "p1", ChannelId: "c1", CreateAt: 9000, Message: "hi"}
	rawPost, _ := json.Marshal(post)

	var upgrader websocket.Upgrader
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var challenge map[string]any
		if err := conn.ReadJSON(&challenge); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1})
		_ = conn.WriteJSON(map[string]any{
			"event":     "posted",
			"data":      map[string]any{"post": string(rawPost)},
			"broadcast": map[string]any{"channel_id": "c1", "team_id": "team1"},
			"seq":       1,
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sess := authedSession(srv.URL)
	sc := stream.New(sess, zerolog.Nop(), stream.Config{BaseDelay: 10 * time.Millisecond})
	t.Cleanup(sc.Stop)

	api := &fakePostsAPI{posts: map[string][]*model.Post{}}
	api.add(post)
	cp := newPostsResource(api, "c1")

	reg := NewRegistry(sess, sc, zerolog.Nop(), RegistryOptions{
		EnableStreaming: true,
		EnablePolling:   true,
		PollInterval:    20 * time.Millisecond,
	})
	reg.Register(cp)
	sink := &updateSink{}
	reg.SetUpdateCallback(sink.add)

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop()

	waitUntil(t, "streamed post delivered", func() bool { return len(sink.all()) >= 1 })
	// Several poll cycles later the count must still be one.
	time.Sleep(100 * time.Millisecond)
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d updates, want exactly 1", len(got))
	}
	if got[0].DedupKey != "post:p1:created" {
		t.Fatalf("unexpected update: %+v", got[0])
	}
}
