// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package feed turns the room events delivered by a session into an ordered,
// deduplicated list of messages annotated with sender profiles.
package feed

import (
	"cmp"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

type Message struct {
	ID      id.EventID
	Content string
	MsgType event.MessageType
	Sender  id.UserID
	// Timestamp is the origin server timestamp in milliseconds.
	Timestamp   int64
	DisplayName string
	AvatarURL   id.ContentURI
}

func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// compareMessages orders by timestamp, then by event ID.
func compareMessages(a, b Message) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(string(a.ID), string(b.ID))
}

// FallbackDisplayname derives a display name from a user ID by dropping the
// sigil and the server name, so @alice:example.com becomes alice.
func FallbackDisplayname(userID id.UserID) string {
	params := connector.DisplaynameParamsFor(userID)
	if params.Localpart == "" {
		return params.UserID
	}
	return params.Localpart
}
