// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package feed

import (
	"slices"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Feed is the ordered message list shown to the user. Entries have unique
// IDs and are sorted by (timestamp, ID) at all times. Readers only ever see
// whole merges.
type Feed struct {
	lock       sync.RWMutex
	messages   []Message
	generation uint64
	watchers   map[*Watcher]struct{}
}

func NewFeed() *Feed {
	return &Feed{watchers: make(map[*Watcher]struct{})}
}

// Snapshot returns a copy of the current messages.
func (f *Feed) Snapshot() []Message {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return slices.Clone(f.messages)
}

func (f *Feed) Len() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return len(f.messages)
}

// Generation changes every time the feed is reset.
func (f *Feed) Generation() uint64 {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.generation
}

// Reset empties the feed. Merges prepared against an earlier generation are
// dropped when they arrive.
func (f *Feed) Reset() {
	f.lock.Lock()
	f.messages = nil
	f.generation++
	f.lock.Unlock()
}

// Merge adds batch to the feed if gen is still the current generation. When
// an ID is present more than once, the entry that comes last in the batch
// wins, and batch entries replace existing ones.
func (f *Feed) Merge(gen uint64, batch []Message) bool {
	if len(batch) == 0 {
		return true
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if gen != f.generation {
		return false
	}
	merged := make([]Message, 0, len(f.messages)+len(batch))
	index := make(map[id.EventID]int, len(f.messages)+len(batch))
	for _, msg := range slices.Concat(f.messages, batch) {
		if i, ok := index[msg.ID]; ok {
			merged[i] = msg
			continue
		}
		index[msg.ID] = len(merged)
		merged = append(merged, msg)
	}
	slices.SortFunc(merged, compareMessages)
	f.messages = merged

	req := ScrollRequest{Newest: merged[len(merged)-1], Count: len(merged)}
	for w := range f.watchers {
		w.notify(req)
	}
	return true
}

// ScrollRequest asks the presentation layer to show the newest message.
type ScrollRequest struct {
	Newest Message
	Count  int
}

// Watcher receives a ScrollRequest after each merge. Requests are coalesced:
// a slow reader only sees the latest one.
type Watcher struct {
	C <-chan ScrollRequest

	ch   chan ScrollRequest
	feed *Feed
}

func (f *Feed) Watch() *Watcher {
	ch := make(chan ScrollRequest, 1)
	w := &Watcher{C: ch, ch: ch, feed: f}
	f.lock.Lock()
	f.watchers[w] = struct{}{}
	f.lock.Unlock()
	return w
}

// Close stops notifications and closes C.
func (w *Watcher) Close() {
	w.feed.lock.Lock()
	defer w.feed.lock.Unlock()
	if _, ok := w.feed.watchers[w]; ok {
		delete(w.feed.watchers, w)
		close(w.ch)
	}
}

// notify must be called with the feed lock held.
func (w *Watcher) notify(req ScrollRequest) {
	for {
		select {
		case w.ch <- req:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}
