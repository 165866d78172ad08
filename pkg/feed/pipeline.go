// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
	"github.com/lrhodin/matrixchat/pkg/profile"
)

const defaultConcurrency = 4

// Resolver looks up sender profiles. It may fail or return nil; the pipeline
// falls back to a display name derived from the sender ID in both cases.
type Resolver interface {
	GetOrFetchProfile(ctx context.Context, userID id.UserID) (*profile.Profile, error)
}

var _ Resolver = (*profile.CachingResolver)(nil)

type Options struct {
	// RoomID is the only room whose messages are ingested.
	RoomID   id.RoomID
	Resolver Resolver
	// Feed receives the merged messages. A new feed is created if nil.
	Feed *Feed
	// Fallback derives a display name when the resolver has none.
	// Defaults to FallbackDisplayname.
	Fallback func(id.UserID) string
	// Concurrency limits concurrent profile lookups within a batch.
	Concurrency int
	Log         zerolog.Logger
	Metrics     *Metrics
}

// Pipeline ingests room events into a Feed.
//
// Accepted events are queued in a pending batch. A single drainer takes the
// whole batch, looks up the sender profiles and merges the result into the
// feed in one step, then removes the drained events from the queue. Events
// that arrive while a batch is being enriched wait for the next round.
type Pipeline struct {
	roomID      id.RoomID
	resolver    Resolver
	feed        *Feed
	fallback    func(id.UserID) string
	concurrency int
	log         zerolog.Logger
	metrics     *Metrics

	// seen only grows. Resetting the feed doesn't clear it.
	seen *exsync.Set[id.EventID]

	lock    sync.Mutex
	pending []connector.RawEvent
	wake    *exsync.Event

	// drainLock makes Flush and the Run drainer take turns.
	drainLock sync.Mutex
}

func New(opts Options) *Pipeline {
	if opts.Feed == nil {
		opts.Feed = NewFeed()
	}
	if opts.Fallback == nil {
		opts.Fallback = FallbackDisplayname
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Pipeline{
		roomID:      opts.RoomID,
		resolver:    opts.Resolver,
		feed:        opts.Feed,
		fallback:    opts.Fallback,
		concurrency: opts.Concurrency,
		log:         opts.Log.With().Str("component", "pipeline").Stringer("room_id", opts.RoomID).Logger(),
		metrics:     opts.Metrics,
		seen:        exsync.NewSet[id.EventID](),
		wake:        exsync.NewEvent(),
	}
}

func (p *Pipeline) Feed() *Feed {
	return p.feed
}

// Seen reports whether an event ID has ever been accepted.
func (p *Pipeline) Seen(eventID id.EventID) bool {
	return p.seen.Has(eventID)
}

// Reset clears the feed. Event IDs that were already accepted stay seen, so
// a redelivery of an old event after a reset is still treated as a duplicate.
func (p *Pipeline) Reset() {
	p.feed.Reset()
	p.log.Debug().Msg("Feed reset")
}

// Ingest queues a room event for the feed. It returns false if the event was
// ignored: not a message, not in the pipeline's room, or already seen.
func (p *Pipeline) Ingest(evt connector.RawEvent) bool {
	switch {
	case evt.Kind != connector.EventKindMessage:
		if evt.Kind == connector.EventKindUnknown {
			p.log.Debug().Str("event_type", evt.Type).Stringer("event_id", evt.ID).Msg("Dropping event of unknown type")
		}
		p.metrics.incIgnored(ignoreKind)
		return false
	case evt.RoomID != p.roomID:
		p.metrics.incIgnored(ignoreRoom)
		return false
	case evt.ID == "":
		p.metrics.incIgnored(ignoreNoID)
		return false
	}
	if !p.seen.Add(evt.ID) {
		p.metrics.incDuplicate()
		p.log.Trace().Stringer("event_id", evt.ID).Msg("Discarding duplicate event")
		return false
	}
	p.lock.Lock()
	p.pending = append(p.pending, evt)
	p.lock.Unlock()
	p.metrics.incIngested()
	p.wake.Set()
	return true
}

// Pending returns the number of accepted events not yet merged into the feed.
func (p *Pipeline) Pending() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.pending)
}

// Run ingests events until the channel is closed or ctx is done. Batches are
// drained in the background while events keep arriving. When the channel
// closes, whatever is still pending is drained before Run returns.
func (p *Pipeline) Run(ctx context.Context, events <-chan connector.RawEvent) error {
	inputDone := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.drainLoop(ctx, inputDone)
	}()

	var err error
Loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break Loop
		case evt, ok := <-events:
			if !ok {
				break Loop
			}
			p.Ingest(evt)
		}
	}
	close(inputDone)
	<-drained
	return err
}

func (p *Pipeline) drainLoop(ctx context.Context, inputDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-inputDone:
			p.drain(ctx)
			return
		case <-p.wake.GetChan():
			p.drain(ctx)
		}
	}
}

// Flush drains the pending batch synchronously.
func (p *Pipeline) Flush(ctx context.Context) {
	p.drain(ctx)
}

func (p *Pipeline) drain(ctx context.Context) {
	p.drainLock.Lock()
	defer p.drainLock.Unlock()

	p.wake.Clear()
	p.lock.Lock()
	batch := make([]connector.RawEvent, len(p.pending))
	copy(batch, p.pending)
	p.lock.Unlock()
	if len(batch) == 0 {
		return
	}
	gen := p.feed.Generation()

	messages := p.enrich(ctx, batch)

	p.lock.Lock()
	p.pending = append(p.pending[:0:0], p.pending[len(batch):]...)
	p.lock.Unlock()

	if !p.feed.Merge(gen, messages) {
		// The feed was reset while the batch was being enriched.
		p.metrics.incIgnored(ignoreLate)
		p.log.Debug().Int("batch_size", len(batch)).Msg("Discarding batch prepared before feed reset")
		return
	}
	p.metrics.incMerges()
	p.log.Debug().Int("batch_size", len(batch)).Msg("Merged batch into feed")
}

func (p *Pipeline) enrich(ctx context.Context, batch []connector.RawEvent) []Message {
	messages := make([]Message, len(batch))
	var eg errgroup.Group
	eg.SetLimit(p.concurrency)
	for i, evt := range batch {
		eg.Go(func() error {
			messages[i] = p.enrichOne(ctx, evt)
			return nil
		})
	}
	// Lookup failures are handled per message, so Wait never returns an error.
	_ = eg.Wait()
	return messages
}

func (p *Pipeline) enrichOne(ctx context.Context, evt connector.RawEvent) Message {
	msg := Message{
		ID:        evt.ID,
		Content:   evt.Body,
		MsgType:   evt.MsgType,
		Sender:    evt.Sender,
		Timestamp: evt.Timestamp,
	}
	var prof *profile.Profile
	if p.resolver != nil {
		var err error
		prof, err = p.resolver.GetOrFetchProfile(ctx, evt.Sender)
		if err != nil {
			p.log.Debug().Err(err).Stringer("sender", evt.Sender).Msg("Profile lookup failed, using fallback name")
			prof = nil
		}
	}
	if prof != nil {
		msg.DisplayName = prof.DisplayName
		msg.AvatarURL = prof.AvatarURL
	}
	if msg.DisplayName == "" {
		msg.DisplayName = p.fallback(evt.Sender)
		p.metrics.incFallback()
	}
	return msg
}
