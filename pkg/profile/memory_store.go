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

	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"
)

type MemoryStore struct {
	profiles *exsync.Map[id.UserID, Profile]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: exsync.NewMap[id.UserID, Profile]()}
}

func (s *MemoryStore) Get(_ context.Context, userID id.UserID) (*Profile, error) {
	profile, ok := s.profiles.Get(userID)
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

func (s *MemoryStore) Put(_ context.Context, profile *Profile) error {
	s.profiles.Set(profile.UserID, *profile)
	return nil
}
