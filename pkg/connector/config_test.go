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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestExampleConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(ExampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Sync.ReadyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Profiles.TTL)
	assert.Equal(t, 4, cfg.Pipeline.EnrichConcurrency)

	sessCfg := cfg.SessionConfig()
	assert.Equal(t, id.UserID("@alice:example.com"), sessCfg.UserID)
	assert.Equal(t, id.RoomID("!room:example.com"), sessCfg.DefaultRoomID)
	assert.Equal(t, 50, sessCfg.Sync.InitialSyncLimit)
}

func TestLoadConfig_FillsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
homeserver:
    url: https://matrix.example.org
    user_id: "@bob:example.org"
room:
    default_room_id: "!abc:example.org"
sync:
    ready_timeout: 5s
`), 0600))

	cfg, err := LoadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver.URL)
	assert.Equal(t, id.UserID("@bob:example.org"), cfg.Homeserver.UserID)
	assert.Equal(t, 5*time.Second, cfg.Sync.ReadyTimeout)
	// Taken from the example config.
	assert.Equal(t, 50, cfg.Sync.InitialSyncLimit)
	assert.Equal(t, "sqlite3", cfg.Profiles.Database.Type)

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "enrich_concurrency")
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
homeserver:
    user_id: "not a user id"
room:
    default_room_id: "#alias:example.com"
profiles:
    database:
        type: postgres
`))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "homeserver.url")
	assert.ErrorContains(t, err, "homeserver.user_id")
	assert.ErrorContains(t, err, "not a room ID")
	assert.ErrorContains(t, err, "postgres")
}

func TestFormatDisplayname(t *testing.T) {
	tests := []struct {
		name     string
		template string
		userID   id.UserID
		want     string
	}{
		{"default", "", "@alice:homeserver", "alice"},
		{"server", "{{.Localpart}} ({{.Server}})", "@alice:example.com", "alice (example.com)"},
		{"blank output", "{{if false}}x{{end}}", "@bob:example.com", "bob"},
		{"missing field", "{{.Nope}}", "@carol:example.com", "carol"},
		{"full id", "{{.UserID}}", "@dave:example.com", "@dave:example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ProfilesConfig{DisplaynameTemplate: tt.template}
			require.NoError(t, cfg.PostProcess())
			assert.Equal(t, tt.want, cfg.FormatDisplayname(tt.userID))
		})
	}
}

func TestConfig_InvalidTemplate(t *testing.T) {
	_, err := ParseConfig([]byte(`
profiles:
    displayname_template: "{{.Localpart"
`))
	assert.Error(t, err)
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ExampleConfig), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	require.NoError(t, WatchConfig(ctx, path, zerolog.Nop(), func(cfg *Config) {
		changes <- cfg
	}))

	require.NoError(t, os.WriteFile(path, []byte(ExampleConfig+"\n# touched\n"), 0600))
	// Writes to other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0600))

	select {
	case cfg := <-changes:
		assert.Equal(t, "https://matrix.example.com", cfg.Homeserver.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
