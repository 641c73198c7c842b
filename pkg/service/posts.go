// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
)

// Posts covers the post and reaction endpoints.
type Posts struct {
	client *mmclient.Client
}

// CreatePost creates a post. ChannelId and Message must be set.
func (p *Posts) CreatePost(ctx context.Context, post *model.Post) (*model.Post, error) {
	data, err := p.client.Post(ctx, "/posts", post)
	if err != nil {
		return nil, err
	}
	return decode[model.Post](data, "/posts")
}

// GetPost fetches a single post by ID.
func (p *Posts) GetPost(ctx context.Context, postID string) (*model.Post, error) {
	path := "/posts/" + postID
	data, err := p.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Post](data, path)
}

// UpdatePost replaces the message content of an existing post.
func (p *Posts) UpdatePost(ctx context.Context, post *model.Post) (*model.Post, error) {
	path := "/posts/" + post.Id
	data, err := p.client.Put(ctx, path, post)
	if err != nil {
		return nil, err
	}
	return decode[model.Post](data, path)
}

// DeletePost deletes a post.
func (p *Posts) DeletePost(ctx context.Context, postID string) error {
	_, err := p.client.Delete(ctx, "/posts/"+postID)
	return err
}

// GetPostsForChannel pages through a channel's posts, newest first.
func (p *Posts) GetPostsForChannel(ctx context.Context, channelID string, page, perPage int) (*model.PostList, error) {
	path := "/channels/" + channelID + "/posts"
	data, err := p.client.Get(ctx, path, pageQuery(page, perPage))
	if err != nil {
		return nil, err
	}
	return decode[model.PostList](data, path)
}

// GetPostsSince fetches posts created or modified after the given
// millisecond timestamp.
func (p *Posts) GetPostsSince(ctx context.Context, channelID string, since int64) (*model.PostList, error) {
	path := "/channels/" + channelID + "/posts"
	query := url.Values{"since": {strconv.FormatInt(since, 10)}}
	data, err := p.client.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return decode[model.PostList](data, path)
}

// AddReaction attaches an emoji reaction to a post.
func (p *Posts) AddReaction(ctx context.Context, reaction *model.Reaction) (*model.Reaction, error) {
	data, err := p.client.Post(ctx, "/reactions", reaction)
	if err != nil {
		return nil, err
	}
	return decode[model.Reaction](data, "/reactions")
}

// RemoveReaction removes the given user's emoji reaction from a post.
func (p *Posts) RemoveReaction(ctx context.Context, userID, postID, emojiName string) error {
	path := fmt.Sprintf("/users/%s/posts/%s/reactions/%s", userID, postID, emojiName)
	_, err := p.client.Delete(ctx, path)
	return err
}

// GetReactions lists all reactions on a post.
func (p *Posts) GetReactions(ctx context.Context, postID string) ([]*model.Reaction, error) {
	path := "/posts/" + postID + "/reactions"
	data, err := p.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	reactions, err := decode[[]*model.Reaction](data, path)
	if err != nil {
		return nil, err
	}
	return *reactions, nil
}

// SearchPosts runs a full-text search over a team's posts.
func (p *Posts) SearchPosts(ctx context.Context, teamID, terms string, isOrSearch bool) (*model.PostList, error) {
	path := "/teams/" + teamID + "/posts/search"
	body := map[string]any{"terms": terms, "is_or_search": isOrSearch}
	data, err := p.client.Post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return decode[model.PostList](data, path)
}

// PinPost pins a post to its channel.
func (p *Posts) PinPost(ctx context.Context, postID string) error {
	_, err := p.client.Post(ctx, "/posts/"+postID+"/pin", nil)
	return err
}

// UnpinPost removes a post from its channel's pinned list.
func (p *Posts) UnpinPost(ctx context.Context, postID string) error {
	_, err := p.client.Post(ctx, "/posts/"+postID+"/unpin", nil)
	return err
}
