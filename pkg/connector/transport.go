// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Transport is the part of the homeserver protocol the session needs to
// establish itself. MautrixTransport is the production implementation.
type Transport interface {
	// Authenticate exchanges credentials for an access token. Implementations
	// must not keep any connection state around after returning.
	Authenticate(ctx context.Context, userID id.UserID, password string, deviceID id.DeviceID) (string, error)
	// Connect starts a live connection. It returns as soon as the connection
	// is running; readiness is reported later through Events.
	Connect(ctx context.Context, params ConnectParams) (LiveConnection, error)
}

// SyncOptions are hints for the initial sync request.
type SyncOptions struct {
	// InitialSyncLimit caps the number of timeline events per room in the
	// first sync response.
	InitialSyncLimit int
}

// ConnectParams describe a live connection. Timelines are only synced for
// RoomID.
type ConnectParams struct {
	AccessToken string
	UserID      id.UserID
	DeviceID    id.DeviceID
	RoomID      id.RoomID
	Sync        SyncOptions
}

// LiveConnection is a running, authenticated connection to the homeserver.
type LiveConnection interface {
	// Events delivers SyncReady once, followed by Timeline events. The channel
	// is closed after Close has been called and the connection has stopped.
	Events() <-chan Event

	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error)
	FetchProfile(ctx context.Context, userID id.UserID) (*UserProfile, error)

	Close()
}

// UserProfile is the global profile of a Matrix user as returned by the homeserver.
type UserProfile struct {
	DisplayName string
	AvatarURL   id.ContentURI
}

// Event is a notification from a LiveConnection. The set of implementations is
// closed: SyncReady, Timeline and SyncFailed.
type Event interface {
	isConnectionEvent()
}

// SyncReady is emitted once, after the first sync response has been fully processed.
type SyncReady struct{}

// Timeline carries a room event received through sync.
type Timeline struct {
	RawEvent
}

// SyncFailed is emitted when the sync loop stops with an error.
type SyncFailed struct {
	Err error
}

func (SyncReady) isConnectionEvent()  {}
func (Timeline) isConnectionEvent()   {}
func (SyncFailed) isConnectionEvent() {}

// EventKind classifies room events. Consumers switch on the kind instead of
// matching raw event type strings.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventKindMessage
	EventKindMembership
	EventKindReaction
	EventKindRedaction
)

func (k EventKind) String() string {
	switch k {
	case EventKindMessage:
		return "message"
	case EventKindMembership:
		return "membership"
	case EventKindReaction:
		return "reaction"
	case EventKindRedaction:
		return "redaction"
	default:
		return "unknown"
	}
}

// KindOf maps a Matrix event type to its EventKind.
func KindOf(evtType event.Type) EventKind {
	// Compare the type string only: the class is set by the syncer depending
	// on where in the sync response the event was found.
	switch evtType.Type {
	case event.EventMessage.Type:
		return EventKindMessage
	case event.StateMember.Type:
		return EventKindMembership
	case event.EventReaction.Type:
		return EventKindReaction
	case event.EventRedaction.Type:
		return EventKindRedaction
	default:
		return EventKindUnknown
	}
}

// RawEvent is an immutable room event as delivered by the connection.
type RawEvent struct {
	ID     id.EventID
	RoomID id.RoomID
	Kind   EventKind
	// Type is the raw event type, kept for logging events of unknown kinds.
	Type    string
	Sender  id.UserID
	Body    string
	MsgType event.MessageType
	// Timestamp is the origin_server_ts in Unix milliseconds.
	Timestamp int64
}
