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

// PostsAPI is the slice of the post service the posts resource needs.
type PostsAPI interface {
	GetPostsSince(ctx context.Context, channelID string, since int64) (*model.PostList, error)
}

// ChannelsAPI resolves a team's channels when no explicit channel scope
// is configured.
type ChannelsAPI interface {
	GetChannelsForTeam(ctx context.Context, teamID string) ([]*model.Channel, error)
}

// ChannelPosts monitors channels for new, edited, and deleted posts.
// Polls use a per-channel lastSeen watermark (create_at milliseconds);
// both transports advance it, so a post delivered by the stream first is
// not re-fetched by the next poll.
type ChannelPosts struct {
	posts    PostsAPI
	channels ChannelsAPI
	teamID   string
	scope    map[string]struct{} // empty: all team channels
	log      zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]int64
	// baseline is the watermark for channels polled for the first time,
	// so startup never replays history.
	baseline int64
}

// NewChannelPosts builds the posts resource. channelIDs limits the scope;
// empty means every channel of the team.
func NewChannelPosts(posts PostsAPI, channels ChannelsAPI, teamID string, channelIDs []string, log zerolog.Logger) *ChannelPosts {
	scope := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		scope[id] = struct{}{}
	}
	return &ChannelPosts{
		posts:    posts,
		channels: channels,
		teamID:   teamID,
		scope:    scope,
		log:      log.With().Str("component", "resource_posts").Logger(),
		lastSeen: make(map[string]int64),
		baseline: time.Now().UnixMilli(),
	}
}

func (c *ChannelPosts) URI() string {
	return URIPosts
}

func (c *ChannelPosts) EventTypes() []string {
	return []string{
		string(model.WebsocketEventPosted),
		string(model.WebsocketEventPostEdited),
		string(model.WebsocketEventPostDeleted),
	}
}

// tracks reports whether a channel is in scope.
func (c *ChannelPosts) tracks(channelID string) bool {
	if len(c.scope) == 0 {
		return true
	}
	_, ok := c.scope[channelID]
	return ok
}

// HandleEvent converts post lifecycle events into updates and advances
// the channel watermark so the next poll skips what the stream already
// delivered.
func (c *ChannelPosts) HandleEvent(evt stream.Event) []Update {
	post, err := postFromEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", evt.Type).Msg("Dropping malformed post event")
		return nil
	}
	if !c.tracks(post.ChannelId) {
		return nil
	}
	if c.teamID != "" && evt.Broadcast.TeamID != "" && evt.Broadcast.TeamID != c.teamID {
		return nil
	}

	switch evt.Type {
	case string(model.WebsocketEventPosted):
		c.advance(post.ChannelId, post.CreateAt)
		return []Update{c.created(post)}
	case string(model.WebsocketEventPostEdited):
		return []Update{{
			ResourceURI: URIPosts,
			Type:        UpdateUpdated,
			Data:        postData(post),
			Timestamp:   time.UnixMilli(post.EditAt),
			DedupKey:    fmt.Sprintf("post:%s:updated:%d", post.Id, post.EditAt),
		}}
	case string(model.WebsocketEventPostDeleted):
		return []Update{{
			ResourceURI: URIPosts,
			Type:        UpdateDeleted,
			Data:        map[string]any{"id": post.Id, "channel_id": post.ChannelId},
			Timestamp:   evt.ReceivedAt,
			DedupKey:    "post:" + post.Id + ":deleted",
		}}
	default:
		return nil
	}
}

// Poll fetches posts past each tracked channel's watermark and emits
// them in ascending create_at order. A failing channel is skipped for
// this cycle; the others still report.
func (c *ChannelPosts) Poll(ctx context.Context) ([]Update, error) {
	channelIDs, err := c.scopedChannels(ctx)
	if err != nil {
		return nil, err
	}

	var updates []Update
	var errs []error
	for _, channelID := range channelIDs {
		since := c.watermark(channelID)
		pl, err := c.posts.GetPostsSince(ctx, channelID, since)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channelID, err))
			continue
		}

		fresh := make([]*model.Post, 0, len(pl.Order))
		for _, id := range pl.Order {
			post := pl.Posts[id]
			if post == nil || post.CreateAt <= since || post.DeleteAt != 0 {
				continue
			}
			fresh = append(fresh, post)
		}
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].CreateAt < fresh[j].CreateAt })

		for _, post := range fresh {
			c.advance(channelID, post.CreateAt)
			updates = append(updates, c.created(post))
		}
	}
	return updates, errors.Join(errs...)
}

// scopedChannels resolves the channel set for this cycle.
func (c *ChannelPosts) scopedChannels(ctx context.Context) ([]string, error) {
	if len(c.scope) > 0 {
		ids := make([]string, 0, len(c.scope))
		for id := range c.scope {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}
	channels, err := c.channels.GetChannelsForTeam(ctx, c.teamID)
	if err != nil {
		return nil, fmt.Errorf("resolve team channels: %w", err)
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.Id)
	}
	return ids, nil
}

func (c *ChannelPosts) watermark(channelID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.lastSeen[channelID]; ok {
		return ts
	}
	return c.baseline
}

// advance raises the watermark, never lowers it.
func (c *ChannelPosts) advance(channelID string, createAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.lastSeen[channelID]
	if !ok {
		current = c.baseline
	}
	if createAt > current {
		c.lastSeen[channelID] = createAt
	}
}

func (c *ChannelPosts) created(post *model.Post) Update {
	return Update{
		ResourceURI: URIPosts,
		Type:        UpdateCreated,
		Data:        postData(post),
		Timestamp:   time.UnixMilli(post.CreateAt),
		DedupKey:    "post:" + post.Id + ":created",
	}
}

func postData(post *model.Post) map[string]any {
	return map[string]any{
		"id":         post.Id,
		"channel_id": post.ChannelId,
		"user_id":    post.UserId,
		"root_id":    post.RootId,
		"message":    post.Message,
		"create_at":  post.CreateAt,
	}
}

// postFromEvent decodes the post payload Mattermost embeds as a JSON
// string inside the event data.
func postFromEvent(evt stream.Event) (*model.Post, error) {
	raw, ok := evt.Data["post"].(string)
	if !ok {
		return nil, errors.New("event data has no post payload")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return nil, fmt.Errorf("decode post payload: %w", err)
	}
	if post.Id == "" {
		return nil, errors.New("post payload has no id")
	}
	return &post, nil
}
