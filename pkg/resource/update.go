// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package resource implements subscribable resources over the Mattermost
// data plane: append-only channel posts and set-valued reactions. Each
// resource receives updates from two transports, the websocket stream and
// periodic REST polls, and the registry funnels both through a shared
// time-windowed dedup cache so consumers observe each change once.
package resource

import (
	"context"
	"time"

	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// Resource URIs exposed to the embedding layer.
const (
	URIPosts     = "mattermost://new_channel_posts"
	URIReactions = "mattermost://reactions"
)

// UpdateType names the change a resource observed.
type UpdateType string

const (
	UpdateCreated         UpdateType = "created"
	UpdateUpdated         UpdateType = "updated"
	UpdateDeleted         UpdateType = "deleted"
	UpdateReactionAdded   UpdateType = "reaction_added"
	UpdateReactionRemoved UpdateType = "reaction_removed"
)

// Update is a single observed change on a resource. DedupKey identifies
// the change across transports: the stream copy and the poll copy of the
// same change carry the same key.
type Update struct {
	ResourceURI string
	Type        UpdateType
	Data        map[string]any
	Timestamp   time.Time
	DedupKey    string
}

// Resource is a monitorable data set. HandleEvent converts a stream
// event into updates (nil when the event is out of scope); Poll fetches
// the current server state and diffs it against the resource's memory.
// Implementations serialize their own state: the registry may call
// HandleEvent and Poll concurrently.
type Resource interface {
	URI() string
	EventTypes() []string
	HandleEvent(evt stream.Event) []Update
	Poll(ctx context.Context) ([]Update, error)
}
