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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const defaultEventBuffer = 64

// MautrixTransport talks to a Matrix homeserver using the mautrix client.
type MautrixTransport struct {
	HomeserverURL string
	// DeviceName is the initial display name of the device created on login.
	DeviceName string
	// EventBuffer is the capacity of the connection event channel.
	EventBuffer int
	Log         zerolog.Logger
}

var _ Transport = (*MautrixTransport)(nil)

func (t *MautrixTransport) Authenticate(ctx context.Context, userID id.UserID, password string, deviceID id.DeviceID) (string, error) {
	// Temporary client only used for the login request.
	client, err := mautrix.NewClient(t.HomeserverURL, "", "")
	if err != nil {
		return "", fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = t.Log.With().Str("component", "matrix_login").Logger()
	defer client.Client.CloseIdleConnections()

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: string(userID),
		},
		Password:                 password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: t.DeviceName,
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (t *MautrixTransport) Connect(ctx context.Context, params ConnectParams) (LiveConnection, error) {
	client, err := mautrix.NewClient(t.HomeserverURL, params.UserID, params.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.DeviceID = params.DeviceID
	client.Log = t.Log.With().Str("component", "matrix_sync").Logger()

	// Check the token up front so a revoked token fails Connect instead of
	// looping inside the syncer.
	if _, err = client.Whoami(ctx); err != nil {
		return nil, err
	}

	buffer := t.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	conn := &matrixConnection{
		client: client,
		log:    client.Log,
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
	syncer := &readySyncer{DefaultSyncer: mautrix.NewDefaultSyncer(), conn: conn}
	syncer.FilterJSON = syncFilter(params.RoomID, params.Sync)
	syncer.OnEvent(conn.handleEvent)
	client.Syncer = syncer

	syncCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go conn.run(syncCtx)
	return conn, nil
}

// syncFilter restricts sync to the timeline of a single room.
func syncFilter(roomID id.RoomID, opts SyncOptions) *mautrix.Filter {
	roomFilter := &mautrix.RoomFilter{
		Timeline: &mautrix.FilterPart{Limit: opts.InitialSyncLimit},
	}
	if roomID != "" {
		roomFilter.Rooms = []id.RoomID{roomID}
	}
	return &mautrix.Filter{Room: roomFilter}
}

// readySyncer reports readiness after the first sync response has been
// dispatched, so the initial timeline is delivered before SyncReady.
type readySyncer struct {
	*mautrix.DefaultSyncer
	conn *matrixConnection
}

func (s *readySyncer) ProcessResponse(ctx context.Context, resp *mautrix.RespSync, since string) error {
	err := s.DefaultSyncer.ProcessResponse(ctx, resp, since)
	if err == nil && s.conn.ready.CompareAndSwap(false, true) {
		s.conn.emit(SyncReady{})
	}
	return err
}

type matrixConnection struct {
	client *mautrix.Client
	log    zerolog.Logger

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	ready     atomic.Bool
}

var _ LiveConnection = (*matrixConnection)(nil)

func (c *matrixConnection) run(ctx context.Context) {
	// The sync goroutine is the only sender on events, so it owns closing it.
	defer close(c.events)
	err := c.client.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Err(err).Msg("Sync loop stopped")
		c.emit(SyncFailed{Err: err})
	}
}

func (c *matrixConnection) emit(evt Event) {
	select {
	case c.events <- evt:
	case <-c.closed:
	}
}

func (c *matrixConnection) handleEvent(ctx context.Context, evt *event.Event) {
	// Ephemeral and account data events have no ID or room.
	if evt.ID == "" || evt.RoomID == "" {
		return
	}
	raw := RawEvent{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Kind:      KindOf(evt.Type),
		Type:      evt.Type.Type,
		Sender:    evt.Sender,
		Timestamp: evt.Timestamp,
	}
	if raw.Kind == EventKindMessage {
		content := evt.Content.AsMessage()
		raw.Body = content.Body
		raw.MsgType = content.MsgType
	}
	c.emit(Timeline{RawEvent: raw})
}

func (c *matrixConnection) Events() <-chan Event {
	return c.events
}

func (c *matrixConnection) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := c.client.SendText(ctx, roomID, text)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *matrixConnection) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *matrixConnection) Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	resp, err := c.client.UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (c *matrixConnection) FetchProfile(ctx context.Context, userID id.UserID) (*UserProfile, error) {
	resp, err := c.client.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserProfile{
		DisplayName: resp.DisplayName,
		AvatarURL:   resp.AvatarURL,
	}, nil
}

func (c *matrixConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.StopSync()
		c.cancel()
	})
}
