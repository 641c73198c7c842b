// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package service provides typed, domain-grouped wrappers over the raw
// REST client: posts, channels, users, teams, and files. Every method
// decodes into the upstream model types and passes *mmclient.APIError
// through unchanged so callers can branch on the error kind.
package service

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
)

// Services bundles the per-domain API groups over one shared client.
type Services struct {
	Posts    *Posts
	Channels *Channels
	Users    *Users
	Teams    *Teams
	Files    *Files
}

// New builds the service groups on top of the given client.
func New(client *mmclient.Client) *Services {
	return &Services{
		Posts:    &Posts{client: client},
		Channels: &Channels{client: client},
		Users:    &Users{client: client},
		Teams:    &Teams{client: client},
		Files:    &Files{client: client},
	}
}

// decode unmarshals an API response into T. Decoding failures are
// reported as server errors: a 2xx with an unparseable body is the
// server's fault, not the caller's.
func decode[T any](data []byte, path string) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &mmclient.APIError{
			Kind:   mmclient.KindServerError,
			Method: "GET",
			Path:   path,
			Err:    fmt.Errorf("decode response: %w", err),
		}
	}
	return &v, nil
}

// pageQuery builds the standard page/per_page pagination query.
func pageQuery(page, perPage int) url.Values {
	return url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
}
