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

// Teams covers the team endpoints.
type Teams struct {
	client *mmclient.Client
}

// GetTeam fetches a team by ID.
func (t *Teams) GetTeam(ctx context.Context, teamID string) (*model.Team, error) {
	path := "/teams/" + teamID
	data, err := t.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Team](data, path)
}

// GetTeamByName resolves a team by its URL name.
func (t *Teams) GetTeamByName(ctx context.Context, name string) (*model.Team, error) {
	path := "/teams/name/" + name
	data, err := t.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[model.Team](data, path)
}

// GetTeamsForUser lists the teams a user belongs to.
func (t *Teams) GetTeamsForUser(ctx context.Context, userID string) ([]*model.Team, error) {
	path := "/users/" + userID + "/teams"
	data, err := t.client.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	teams, err := decode[[]*model.Team](data, path)
	if err != nil {
		return nil, err
	}
	return *teams, nil
}

// GetTeamMembers pages through a team's membership.
func (t *Teams) GetTeamMembers(ctx context.Context, teamID string, page, perPage int) ([]*model.TeamMember, error) {
	path := "/teams/" + teamID + "/members"
	data, err := t.client.Get(ctx, path, pageQuery(page, perPage))
	if err != nil {
		return nil, err
	}
	members, err := decode[[]*model.TeamMember](data, path)
	if err != nil {
		return nil, err
	}
	return *members, nil
}
