// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package profile resolves sender display names and avatars, caching the
// results of profile lookups made through the session.
package profile

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

// ErrResolution is returned when a profile could not be fetched and no
// cached copy exists.
var ErrResolution = errors.New("failed to resolve profile")

type Profile struct {
	UserID      id.UserID
	DisplayName string
	AvatarURL   id.ContentURI
	FetchedAt   time.Time
}

// Fetcher performs the actual profile lookup. *connector.Session implements it.
type Fetcher interface {
	FetchProfile(ctx context.Context, userID id.UserID) (*connector.UserProfile, error)
}

var _ Fetcher = (*connector.Session)(nil)

// Store caches profiles. Get returns nil without an error on a miss.
type Store interface {
	Get(ctx context.Context, userID id.UserID) (*Profile, error)
	Put(ctx context.Context, profile *Profile) error
}
