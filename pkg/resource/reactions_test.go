// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// fakeReactionsAPI serves recent posts and their reactions.
type fakeReactionsAPI struct {
	mu        sync.Mutex
	posts     map[string][]*model.Post     // by channel, oldest first
	reactions map[string][]*model.Reaction // by post
}

func (f *fakeReactionsAPI) GetPostsForChannel(_ context.Context, channelID string, _, _ int) (*model.PostList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pl := &model.PostList{Posts: map[string]*model.Post{}}
	posts := f.posts[channelID]
	for i := len(posts) - 1; i >= 0; i-- {
		pl.Order = append(pl.Order, posts[i].Id)
		pl.Posts[posts[i].Id] = posts[i]
	}
	return pl, nil
}

func (f *fakeReactionsAPI) GetReactions(_ context.Context, postID string) ([]*model.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Reaction(nil), f.reactions[postID]...), nil
}

func (f *fakeReactionsAPI) setReactions(postID string, reactions ...*model.Reaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[postID] = reactions
	for _, posts := range f.posts {
		for _, p := range posts {
			if p.Id == postID {
				p.HasReactions = len(reactions) > 0
			}
		}
	}
}

func newReactionsFixture() (*Reactions, *fakeReactionsAPI) {
	api := &fakeReactionsAPI{
		posts:     map[string][]*model.Post{"c1": {{Id: "p1", ChannelId: "c1", CreateAt: 1000}}},
		reactions: map[string][]*model.Reaction{},
	}
	r := NewReactions(api, &fakeChannelsAPI{}, "team1", []string{"c1"}, zerolog.Nop())
	return r, api
}

func reactionEvent(t *testing.T, eventType string, reaction *model.Reaction) stream.Event {
	t.Helper()
	raw, err := json.Marshal(reaction)
	if err != nil {
		t.Fatalf("marshal reaction: %v", err)
	}
	return stream.Event{
		Type:      eventType,
		Data:      map[string]any{"reaction": string(raw)},
		Broadcast: stream.Broadcast{ChannelID: "c1"},
	}
}

// TestReactionPollDiff covers the add/remove diff across polls: the
// first poll reports additions only, a later poll reports the vanished
// key as removed.
func TestReactionPollDiff(t *testing.T) {
	t.Parallel()
	r, api := newReactionsFixture()
	thumbs := &model.Reaction{PostId: "p1", UserId: "u1", EmojiName: "thumbsup", CreateAt: 1100}
	smile := &model.Reaction{PostId: "p1", UserId: "u2", EmojiName: "smile", CreateAt: 1200}
	api.setReactions("p1", thumbs, smile)

	first, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first poll: %d updates, want 2 additions", len(first))
	}
	for _, u := range first {
		if u.Type != UpdateReactionAdded {
			t.Errorf("first poll emitted %v", u.Type)
		}
	}

	api.setReactions("p1", thumbs)
	second, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(second) != 1 || second[0].Type != UpdateReactionRemoved {
		t.Fatalf("second poll = %+v, want one removal", second)
	}
	if second[0].DedupKey != "reaction:p1:u2:smile:removed" {
		t.Errorf("dedup key = %q", second[0].DedupKey)
	}

	third, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("steady state emitted %d updates", len(third))
	}
}

// TestNoRemovalsBeforeFirstPoll verifies a reaction that disappears
// before the baseline poll completes is never reported as removed.
func TestNoRemovalsBeforeFirstPoll(t *testing.T) {
	t.Parallel()
	r, api := newReactionsFixture()
	api.setReactions("p1", &model.Reaction{PostId: "p1", UserId: "u1", EmojiName: "thumbsup"})

	// A stream add seeds the set before any poll ran.
	gone := &model.Reaction{PostId: "p1", UserId: "u9", EmojiName: "tada"}
	r.HandleEvent(reactionEvent(t, string(model.WebsocketEventReactionAdded), gone))

	// First poll: u9's reaction is no longer on the server, but without a
	// completed baseline it must not surface as removed.
	updates, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, u := range updates {
		if u.Type == UpdateReactionRemoved {
			t.Fatalf("removal emitted before the first completed poll: %+v", u)
		}
	}
}

// TestStreamAddSuppressesPollDuplicate verifies the set-membership path
// of cross-transport dedup.
func TestStreamAddSuppressesPollDuplicate(t *testing.T) {
	t.Parallel()
	r, api := newReactionsFixture()
	reaction := &model.Reaction{PostId: "p1", UserId: "u1", EmojiName: "thumbsup", CreateAt: 1100}
	api.setReactions("p1", reaction)

	fromStream := r.HandleEvent(reactionEvent(t, string(model.WebsocketEventReactionAdded), reaction))
	if len(fromStream) != 1 || fromStream[0].DedupKey != "reaction:p1:u1:thumbsup:added" {
		t.Fatalf("stream updates = %+v", fromStream)
	}

	fromPoll, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fromPoll) != 0 {
		t.Fatalf("poll re-emitted %d stream-delivered reactions", len(fromPoll))
	}
}

// TestStreamRemoveUpdatesSet verifies a stream removal clears the key so
// a re-add later is reported again.
func TestStreamRemoveUpdatesSet(t *testing.T) {
	t.Parallel()
	r, api := newReactionsFixture()
	reaction := &model.Reaction{PostId: "p1", UserId: "u1", EmojiName: "thumbsup", CreateAt: 1100}
	api.setReactions("p1", reaction)

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("baseline poll: %v", err)
	}

	removedUpdates := r.HandleEvent(reactionEvent(t, string(model.WebsocketEventReactionRemoved), reaction))
	if len(removedUpdates) != 1 || removedUpdates[0].Type != UpdateReactionRemoved {
		t.Fatalf("stream removal = %+v", removedUpdates)
	}

	// Server still has it: the next poll sees it as new again.
	fromPoll, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fromPoll) != 1 || fromPoll[0].Type != UpdateReactionAdded {
		t.Fatalf("poll after stream removal = %+v, want one addition", fromPoll)
	}
}

// TestMalformedReactionEventDropped verifies junk payloads are ignored.
func TestMalformedReactionEventDropped(t *testing.T) {
	t.Parallel()
	r, _ := newReactionsFixture()
	cases := []map[string]any{
		{},
		{"reaction": 1},
		{"reaction": "garbage"},
		{"reaction": `{"post_id":"p1"}`},
	}
	for _, data := range cases {
		evt := stream.Event{Type: string(model.WebsocketEventReactionAdded), Data: data}
		if got := r.HandleEvent(evt); len(got) != 0 {
			t.Errorf("data %v produced %d updates", data, len(got))
		}
	}
}
