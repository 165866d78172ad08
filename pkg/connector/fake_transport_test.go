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

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeTransport is an in-memory Transport. Connections it creates become
// ready immediately unless holdReady is set.
type fakeTransport struct {
	authCalls    atomic.Int32
	connectCalls atomic.Int32

	authErr    error
	connectErr error
	// authGate, if set, blocks Authenticate until closed.
	authGate  chan struct{}
	holdReady bool

	lock   sync.Mutex
	params []ConnectParams
	conns  []*fakeConnection
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) Authenticate(ctx context.Context, userID id.UserID, password string, deviceID id.DeviceID) (string, error) {
	n := t.authCalls.Add(1)
	if t.authGate != nil {
		select {
		case <-t.authGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.authErr != nil {
		return "", t.authErr
	}
	return fmt.Sprintf("T%d", n), nil
}

func (t *fakeTransport) Connect(ctx context.Context, params ConnectParams) (LiveConnection, error) {
	t.connectCalls.Add(1)
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	conn := &fakeConnection{
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
	t.lock.Lock()
	t.params = append(t.params, params)
	t.conns = append(t.conns, conn)
	t.lock.Unlock()
	if !t.holdReady {
		conn.events <- SyncReady{}
	}
	return conn, nil
}

func (t *fakeTransport) lastConn() *fakeConnection {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) connectTokens() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	tokens := make([]string, len(t.params))
	for i, params := range t.params {
		tokens[i] = params.AccessToken
	}
	return tokens
}

func (t *fakeTransport) connectParams() []ConnectParams {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]ConnectParams(nil), t.params...)
}

type sentMessage struct {
	RoomID  id.RoomID
	Text    string
	Content *event.MessageEventContent
}

type fakeConnection struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	sendLock  sync.Mutex

	sendErr   error
	uploadErr error

	lock     sync.Mutex
	sent     []sentMessage
	uploads  [][]byte
	uploadCT []string
}

var _ LiveConnection = (*fakeConnection)(nil)

func (c *fakeConnection) Events() <-chan Event {
	return c.events
}

// push delivers an event as the sync loop would.
func (c *fakeConnection) push(evt Event) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	select {
	case <-c.closed:
	default:
		select {
		case c.events <- evt:
		case <-c.closed:
		}
	}
}

func (c *fakeConnection) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, sentMessage{RoomID: roomID, Text: text})
	return id.EventID(fmt.Sprintf("$sent%d", len(c.sent))), nil
}

func (c *fakeConnection) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$sent%d", len(c.sent))), nil
}

func (c *fakeConnection) Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	if c.uploadErr != nil {
		return id.ContentURI{}, c.uploadErr
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.uploads = append(c.uploads, data)
	c.uploadCT = append(c.uploadCT, mimeType)
	return id.ContentURI{Homeserver: "example.com", FileID: fmt.Sprintf("media%d", len(c.uploads))}, nil
}

func (c *fakeConnection) FetchProfile(ctx context.Context, userID id.UserID) (*UserProfile, error) {
	if userID == "" {
		return nil, errors.New("M_NOT_FOUND")
	}
	return &UserProfile{DisplayName: "Profile of " + string(userID)}, nil
}

func (c *fakeConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sendLock.Lock()
		close(c.events)
		c.sendLock.Unlock()
	})
}

func (c *fakeConnection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConnection) sentMessages() []sentMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]sentMessage(nil), c.sent...)
}
