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

// Users covers the user endpoints.
type Users struct {
	client *mmclient.Client
}

// GetMe fetches the user the session token belongs to.
func (u *Users) GetMe(ctx context.Context) (*model.User, error) {
	data, err := u.client.Get(ctx, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	return decode[model.User](data, "/users/me")
}

// GetUser fetches a user by ID.
func (u *Users) GetUser(ctx context.Context, userID string) (*model.User, error) {
	path := "/users/" + userID
	data, err := u.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.User](data, path)
}

// GetUserByUsername resolves a user by username.
func (u *Users) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	path := "/users/username/" + username
	data, err := u.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.User](data, path)
}

// GetUsersInChannel pages through a channel's users.
func (u *Users) GetUsersInChannel(ctx context.Context, channelID string, page, perPage int) ([]*model.User, error) {
	query := pageQuery(page, perPage)
	query.Set("in_channel", channelID)
	data, err := u.client.Get(ctx, "/users", query)
	if err != nil {
		return nil, err
	}
	users, err := decode[[]*model.User](data, "/users")
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// SearchUsers searches users by name prefix, optionally scoped to a team.
func (u *Users) SearchUsers(ctx context.Context, term, teamID string) ([]*model.User, error) {
	body := map[string]string{"term": term}
	if teamID != "" {
		body["team_id"] = teamID
	}
	data, err := u.client.Post(ctx, "/users/search", body)
	if err != nil {
		return nil, err
	}
	users, err := decode[[]*model.User](data, "/users/search")
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// GetUserStatus fetches a user's presence status.
func (u *Users) GetUserStatus(ctx context.Context, userID string) (*model.Status, error) {
	path := "/users/" + userID + "/status"
	data, err := u.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Status](data, path)
}
