// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
)

// Channels covers the channel endpoints.
type Channels struct {
	client *mmclient.Client
}

// GetChannel fetches a channel by ID.
func (c *Channels) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	path := "/channels/" + channelID
	data, err := c.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Channel](data, path)
}

// GetChannelByName resolves a channel by its URL name within a team.
func (c *Channels) GetChannelByName(ctx context.Context, teamID, name string) (*model.Channel, error) {
	path := "/teams/" + teamID + "/channels/name/" + name
	data, err := c.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Channel](data, path)
}

// CreateChannel creates a channel. TeamId, Name, DisplayName, and Type
// must be set.
func (c *Channels) CreateChannel(ctx context.Context, channel *model.Channel) (*model.Channel, error) {
	data, err := c.client.Post(ctx, "/channels", channel)
	if err != nil {
		return nil, err
	}
	return decode[model.Channel](data, "/channels")
}

// GetChannelsForTeam lists a team's public channels.
func (c *Channels) GetChannelsForTeam(ctx context.Context, teamID string) ([]*model.Channel, error) {
	path := "/teams/" + teamID + "/channels"
	data, err := c.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	channels, err := decode[[]*model.Channel](data, path)
	if err != nil {
		return nil, err
	}
	return *channels, nil
}

// GetChannelMembers pages through a channel's membership.
func (c *Channels) GetChannelMembers(ctx context.Context, channelID string, page, perPage int) (model.ChannelMembers, error) {
	path := "/channels/" + channelID + "/members"
	data, err := c.client.Get(ctx, path, pageQuery(page, perPage))
	if err != nil {
		return nil, err
	}
	members, err := decode[model.ChannelMembers](data, path)
	if err != nil {
		return nil, err
	}
	return *members, nil
}

// AddChannelMember adds a user to a channel.
func (c *Channels) AddChannelMember(ctx context.Context, channelID, userID string) (*model.ChannelMember, error) {
	path := "/channels/" + channelID + "/members"
	body := map[string]string{"user_id": userID}
	data, err := c.client.Post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return decode[model.ChannelMember](data, path)
}

// RemoveChannelMember removes a user from a channel.
func (c *Channels) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := c.client.Delete(ctx, "/channels/"+channelID+"/members/"+userID)
	return err
}
