// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"sync"
)

// Subscription receives every room event delivered by the session's live
// connection. C is closed when the subscription is closed, either explicitly
// or by Session.Cleanup.
//
// Subscriptions may be created before Initialize, in which case they also
// receive the timeline of the initial sync.
type Subscription struct {
	C <-chan RawEvent

	ch      chan RawEvent
	closing chan struct{}
	once    sync.Once
	// lock serializes deliveries with closing ch.
	lock     sync.Mutex
	isClosed bool
	session  *Session
}

func (s *Session) Subscribe() *Subscription {
	ch := make(chan RawEvent, s.cfg.SubscriberBuffer)
	sub := &Subscription{
		C:       ch,
		ch:      ch,
		closing: make(chan struct{}),
		session: s,
	}
	s.lock.Lock()
	s.subs[sub] = struct{}{}
	s.lock.Unlock()
	return sub
}

// Close detaches the subscription from the session and closes C.
func (sub *Subscription) Close() {
	sub.session.lock.Lock()
	delete(sub.session.subs, sub)
	sub.session.lock.Unlock()
	sub.close()
}

func (sub *Subscription) close() {
	sub.once.Do(func() {
		// Unblock a delivery waiting on a full channel before taking the lock.
		close(sub.closing)
		sub.lock.Lock()
		sub.isClosed = true
		close(sub.ch)
		sub.lock.Unlock()
	})
}

// deliver blocks while the subscriber's buffer is full, which pushes back on
// the sync loop instead of dropping events.
func (sub *Subscription) deliver(evt RawEvent) {
	sub.lock.Lock()
	defer sub.lock.Unlock()
	if sub.isClosed {
		return
	}
	select {
	case sub.ch <- evt:
	case <-sub.closing:
	}
}

func (s *Session) broadcast(conn LiveConnection, evt RawEvent) {
	s.lock.RLock()
	if s.conn != conn {
		s.lock.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.lock.RUnlock()
	for _, sub := range subs {
		sub.deliver(evt)
	}
}
