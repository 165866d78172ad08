// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

const DefaultTTL = 10 * time.Minute

// CachingResolver returns cached profiles while they're fresh and fetches
// them otherwise. Concurrent lookups of the same user share one fetch.
type CachingResolver struct {
	fetcher Fetcher
	store   Store
	ttl     time.Duration
	log     zerolog.Logger
	group   singleflight.Group
	now     func() time.Time
}

func NewCachingResolver(fetcher Fetcher, store Store, ttl time.Duration, log zerolog.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &CachingResolver{
		fetcher: fetcher,
		store:   store,
		ttl:     ttl,
		log:     log.With().Str("component", "profile_resolver").Logger(),
		now:     time.Now,
	}
}

// GetOrFetchProfile returns the profile of userID. If the fetch fails but an
// expired copy is cached, the expired copy is returned instead of an error.
func (r *CachingResolver) GetOrFetchProfile(ctx context.Context, userID id.UserID) (*Profile, error) {
	cached, err := r.store.Get(ctx, userID)
	if err != nil {
		r.log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to read profile cache")
		cached = nil
	}
	if cached != nil && r.now().Sub(cached.FetchedAt) < r.ttl {
		return cached, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(string(userID), func() (any, error) {
		return r.fetch(fetchCtx, userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if cached != nil {
				r.log.Debug().Err(res.Err).Stringer("user_id", userID).Msg("Using expired profile after fetch failure")
				return cached, nil
			}
			return nil, res.Err
		}
		return res.Val.(*Profile), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrResolution, ctx.Err())
	}
}

func (r *CachingResolver) fetch(ctx context.Context, userID id.UserID) (*Profile, error) {
	resp, err := r.fetcher.FetchProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}
	profile := &Profile{
		UserID:      userID,
		DisplayName: resp.DisplayName,
		AvatarURL:   resp.AvatarURL,
		FetchedAt:   r.now(),
	}
	if err = r.store.Put(ctx, profile); err != nil {
		r.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to cache profile")
	}
	return profile, nil
}
