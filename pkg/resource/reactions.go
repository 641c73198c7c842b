// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// defaultReactionScanDepth is how many recent posts per channel a poll
// inspects for reaction changes.
const defaultReactionScanDepth = 25

// ReactionsAPI is the slice of the post service the reactions resource
// needs.
type ReactionsAPI interface {
	GetPostsForChannel(ctx context.Context, channelID string, page, perPage int) (*model.PostList, error)
	GetReactions(ctx context.Context, postID string) ([]*model.Reaction, error)
}

// Reactions monitors emoji reactions on the recent posts of the tracked
// channels. It is set-valued: polling diffs the server's current
// reaction set against the remembered one, emitting reaction_added for
// new members and reaction_removed for vanished ones. Removals are only
// reported after the first completed poll, since before that an absent
// key is indistinguishable from a key never observed.
type Reactions struct {
	api       ReactionsAPI
	channels  ChannelsAPI
	teamID    string
	scope     map[string]struct{}
	scanDepth int
	log       zerolog.Logger

	mu         sync.Mutex
	seen       map[string]*model.Reaction // key: post:user:emoji
	polledOnce bool
}

// NewReactions builds the reactions resource with the same channel
// scoping rules as the posts resource.
func NewReactions(api ReactionsAPI, channels ChannelsAPI, teamID string, channelIDs []string, log zerolog.Logger) *Reactions {
	scope := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		scope[id] = struct{}{}
	}
	return &Reactions{
		api:       api,
		channels:  channels,
		teamID:    teamID,
		scope:     scope,
		scanDepth: defaultReactionScanDepth,
		log:       log.With().Str("component", "resource_reactions").Logger(),
		seen:      make(map[string]*model.Reaction),
	}
}

func (r *Reactions) URI() string {
	return URIReactions
}

func (r *Reactions) EventTypes() []string {
	return []string{
		string(model.WebsocketEventReactionAdded),
		string(model.WebsocketEventReactionRemoved),
	}
}

func (r *Reactions) tracks(channelID string) bool {
	if len(r.scope) == 0 || channelID == "" {
		return true
	}
	_, ok := r.scope[channelID]
	return ok
}

// HandleEvent applies a stream-delivered reaction change to the set and
// emits the matching update. The poll that follows sees the set already
// mutated and stays silent about the same change.
func (r *Reactions) HandleEvent(evt stream.Event) []Update {
	reaction, err := reactionFromEvent(evt)
	if err != nil {
		r.log.Warn().Err(err).Str("event_type", evt.Type).Msg("Dropping malformed reaction event")
		return nil
	}
	if !r.tracks(evt.Broadcast.ChannelID) {
		return nil
	}

	key := setKey(reaction)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch evt.Type {
	case string(model.WebsocketEventReactionAdded):
		r.seen[key] = reaction
		return []Update{added(reaction)}
	case string(model.WebsocketEventReactionRemoved):
		delete(r.seen, key)
		return []Update{removed(reaction)}
	default:
		return nil
	}
}

// Poll rebuilds the reaction set over the recent posts of each tracked
// channel and diffs it against memory.
func (r *Reactions) Poll(ctx context.Context) ([]Update, error) {
	channelIDs, err := r.scopedChannels(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]*model.Reaction)
	scanned := make(map[string]struct{})
	var errs []error
	for _, channelID := range channelIDs {
		pl, err := r.api.GetPostsForChannel(ctx, channelID, 0, r.scanDepth)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channelID, err))
			continue
		}
		for _, id := range pl.Order {
			post := pl.Posts[id]
			if post == nil || post.DeleteAt != 0 {
				continue
			}
			scanned[post.Id] = struct{}{}
			if !post.HasReactions {
				continue
			}
			reactions, err := r.api.GetReactions(ctx, post.Id)
			if err != nil {
				errs = append(errs, fmt.Errorf("post %s: %w", post.Id, err))
				delete(scanned, post.Id)
				continue
			}
			for _, reaction := range reactions {
				current[setKey(reaction)] = reaction
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var updates []Update
	for key, reaction := range current {
		if _, ok := r.seen[key]; !ok {
			updates = append(updates, added(reaction))
		}
	}
	// A vanished key only counts as a removal when its post was scanned
	// this cycle; otherwise the post merely aged out of the window.
	for key, reaction := range r.seen {
		if _, ok := current[key]; ok {
			continue
		}
		if _, ok := scanned[reaction.PostId]; !ok {
			continue
		}
		if r.polledOnce {
			updates = append(updates, removed(reaction))
		}
		delete(r.seen, key)
	}
	for key, reaction := range current {
		r.seen[key] = reaction
	}
	r.polledOnce = true

	sort.Slice(updates, func(i, j int) bool { return updates[i].DedupKey < updates[j].DedupKey })
	return updates, errors.Join(errs...)
}

func (r *Reactions) scopedChannels(ctx context.Context) ([]string, error) {
	if len(r.scope) > 0 {
		ids := make([]string, 0, len(r.scope))
		for id := range r.scope {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}
	channels, err := r.channels.GetChannelsForTeam(ctx, r.teamID)
	if err != nil {
		return nil, fmt.Errorf("resolve team channels: %w", err)
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.Id)
	}
	return ids, nil
}

// setKey identifies one user's one reaction on one post.
func setKey(reaction *model.Reaction) string {
	return reaction.PostId + ":" + reaction.UserId + ":" + reaction.EmojiName
}

func added(reaction *model.Reaction) Update {
	return Update{
		ResourceURI: URIReactions,
		Type:        UpdateReactionAdded,
		Data:        reactionData(reaction),
		Timestamp:   time.UnixMilli(reaction.CreateAt),
		DedupKey:    fmt.Sprintf("reaction:%s:%s:%s:added", reaction.PostId, reaction.UserId, reaction.EmojiName),
	}
}

func removed(reaction *model.Reaction) Update {
	return Update{
		ResourceURI: URIReactions,
		Type:        UpdateReactionRemoved,
		Data:        reactionData(reaction),
		Timestamp:   time.Now(),
		DedupKey:    fmt.Sprintf("reaction:%s:%s:%s:removed", reaction.PostId, reaction.UserId, reaction.EmojiName),
	}
}

func reactionData(reaction *model.Reaction) map[string]any {
	return map[string]any{
		"post_id":    reaction.PostId,
		"user_id":    reaction.UserId,
		"emoji_name": reaction.EmojiName,
		"create_at":  reaction.CreateAt,
	}
}

// reactionFromEvent decodes the reaction payload embedded as a JSON
// string inside the event data.
func reactionFromEvent(evt stream.Event) (*model.Reaction, error) {
	raw, ok := evt.Data["reaction"].(string)
	if !ok {
		return nil, errors.New("event data has no reaction payload")
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
		return nil, fmt.Errorf("decode reaction payload: %w", err)
	}
	if reaction.PostId == "" || reaction.UserId == "" || reaction.EmojiName == "" {
		return nil, errors.New("reaction payload incomplete")
	}
	return &reaction, nil
}
