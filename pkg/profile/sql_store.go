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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// DefaultDatabaseURI is a shared-cache in-memory database, so the cache is
// gone when the process exits.
const DefaultDatabaseURI = "file:profiles?mode=memory&cache=shared&_txlock=immediate"

type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens a SQLite profile cache at uri and creates its table.
func OpenSQLStore(ctx context.Context, uri string, log zerolog.Logger) (*SQLStore, error) {
	if uri == "" {
		uri = DefaultDatabaseURI
	}
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open profile database: %w", err)
	}
	db.Owner = "matrixchat"
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "profile_db").Logger())
	// An in-memory database only lives as long as one of its connections.
	db.RawDB.SetMaxIdleConns(1)
	store := NewSQLStore(db)
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLStore(db *dbutil.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS profile_cache (
		user_id      TEXT NOT NULL PRIMARY KEY,
		displayname  TEXT NOT NULL DEFAULT '',
		avatar_url   TEXT NOT NULL DEFAULT '',
		fetched_ts   BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to ensure profile cache schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID id.UserID) (*Profile, error) {
	var displayname, avatarURL string
	var fetchedMS int64
	err := s.db.QueryRow(ctx,
		`SELECT displayname, avatar_url, fetched_ts FROM profile_cache WHERE user_id=$1`,
		userID,
	).Scan(&displayname, &avatarURL, &fetchedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	profile := &Profile{
		UserID:      userID,
		DisplayName: displayname,
		FetchedAt:   time.UnixMilli(fetchedMS),
	}
	if avatarURL != "" {
		// A malformed stored URL only loses the avatar.
		profile.AvatarURL, _ = id.ParseContentURI(avatarURL)
	}
	return profile, nil
}

func (s *SQLStore) Put(ctx context.Context, profile *Profile) error {
	var avatarURL string
	if !profile.AvatarURL.IsEmpty() {
		avatarURL = profile.AvatarURL.String()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO profile_cache (user_id, displayname, avatar_url, fetched_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			displayname=excluded.displayname,
			avatar_url=excluded.avatar_url,
			fetched_ts=excluded.fetched_ts
	`, profile.UserID, profile.DisplayName, avatarURL, profile.FetchedAt.UnixMilli())
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
