// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stream

import (
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

// Broadcast mirrors the routing envelope Mattermost attaches to every
// websocket event.
type Broadcast struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	TeamID    string `json:"team_id"`
}

// Event is a typed inbound stream event, parsed from a wire frame.
type Event struct {
	Type       string
	Data       map[string]any
	Broadcast  Broadcast
	Seq        int64
	ReceivedAt time.Time
}

// frame is the wire format shared by both directions of the websocket
// connection: client actions carry seq/action/data, server events carry
// event/data/broadcast/seq, and action replies carry status/seq_reply.
type frame struct {
	Seq       int64          `json:"seq,omitempty"`
	Action    string         `json:"action,omitempty"`
	Event     string         `json:"event,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Broadcast *Broadcast     `json:"broadcast,omitempty"`
	Status    string         `json:"status,omitempty"`
	SeqReply  int64          `json:"seq_reply,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
}

const (
	actionAuthChallenge = "authentication_challenge"
	statusOK            = "OK"
)

// knownEventTypes is the closed set of event kinds the client parses.
// Anything else is dropped at trace level rather than treated as fatal.
var knownEventTypes = map[string]struct{}{
	string(model.WebsocketEventHello):           {},
	string(model.WebsocketEventPosted):          {},
	string(model.WebsocketEventPostEdited):      {},
	string(model.WebsocketEventPostDeleted):     {},
	string(model.WebsocketEventReactionAdded):   {},
	string(model.WebsocketEventReactionRemoved): {},
	string(model.WebsocketEventChannelCreated):  {},
	string(model.WebsocketEventChannelDeleted):  {},
	string(model.WebsocketEventChannelViewed):   {},
	string(model.WebsocketEventTyping):          {},
	string(model.WebsocketEventStatusChange):    {},
}

// eventFromFrame converts a server frame into a typed Event.
func eventFromFrame(f frame, now time.Time) Event {
	evt := Event{
		Type:       f.Event,
		Data:       f.Data,
		Seq:        f.Seq,
		ReceivedAt: now,
	}
	if f.Broadcast != nil {
		evt.Broadcast = *f.Broadcast
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	return evt
}
