// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Room       RoomConfig        `yaml:"room"`
	Sync       SyncConfig        `yaml:"sync"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Profiles   ProfilesConfig    `yaml:"profiles"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	URL      string      `yaml:"url"`
	UserID   id.UserID   `yaml:"user_id"`
	Password string      `yaml:"password"`
	DeviceID id.DeviceID `yaml:"device_id"`
	// DeviceName is the display name given to the device created on login.
	DeviceName string `yaml:"device_name"`
}

type RoomConfig struct {
	DefaultRoomID id.RoomID `yaml:"default_room_id"`
}

type SyncConfig struct {
	InitialSyncLimit int           `yaml:"initial_sync_limit"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
}

type PipelineConfig struct {
	EnrichConcurrency int `yaml:"enrich_concurrency"`
	SubscriberBuffer  int `yaml:"subscriber_buffer"`
}

type ProfilesConfig struct {
	TTL      time.Duration  `yaml:"ttl"`
	Database DatabaseConfig `yaml:"database"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	displaynameTemplate *template.Template
}

type DatabaseConfig struct {
	// Type is either "memory" or "sqlite3".
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type umProfilesConfig ProfilesConfig

func (c *ProfilesConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umProfilesConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *ProfilesConfig) PostProcess() error {
	tpl := c.DisplaynameTemplate
	if tpl == "" {
		tpl = "{{.Localpart}}"
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(tpl)
	return err
}

// DisplaynameParams are the fields available to displayname_template.
type DisplaynameParams struct {
	Localpart string
	Server    string
	UserID    string
}

func DisplaynameParamsFor(userID id.UserID) DisplaynameParams {
	localpart, server, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	return DisplaynameParams{
		Localpart: localpart,
		Server:    server,
		UserID:    string(userID),
	}
}

// FormatDisplayname renders the fallback display name for a user. It never
// returns an empty string for a non-empty user ID.
func (c *ProfilesConfig) FormatDisplayname(userID id.UserID) string {
	params := DisplaynameParamsFor(userID)
	fallback := params.Localpart
	if fallback == "" {
		fallback = params.UserID
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	err := c.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return fallback
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return fallback
	}
	return name
}

func (c *Config) Validate() error {
	var errs []error
	if c.Homeserver.URL == "" {
		errs = append(errs, errors.New("homeserver.url is not set"))
	}
	if _, _, err := c.Homeserver.UserID.Parse(); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.user_id is invalid: %w", err))
	}
	if c.Room.DefaultRoomID == "" {
		errs = append(errs, errors.New("room.default_room_id is not set"))
	} else if !strings.HasPrefix(string(c.Room.DefaultRoomID), "!") {
		errs = append(errs, fmt.Errorf("room.default_room_id %q is not a room ID", c.Room.DefaultRoomID))
	}
	switch c.Profiles.Database.Type {
	case "", "memory", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("profiles.database.type %q is not supported", c.Profiles.Database.Type))
	}
	return errors.Join(errs...)
}

// SessionConfig extracts the session parameters from the config.
func (c *Config) SessionConfig() SessionConfig {
	return SessionConfig{
		UserID:        c.Homeserver.UserID,
		Password:      c.Homeserver.Password,
		DeviceID:      c.Homeserver.DeviceID,
		DefaultRoomID: c.Room.DefaultRoomID,
		Sync: SyncOptions{
			InitialSyncLimit: c.Sync.InitialSyncLimit,
		},
		ReadyTimeout:     c.Sync.ReadyTimeout,
		SubscriberBuffer: c.Pipeline.SubscriberBuffer,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "url")
	helper.Copy(up.Str, "homeserver", "user_id")
	helper.Copy(up.Str, "homeserver", "password")
	helper.Copy(up.Str|up.Null, "homeserver", "device_id")
	helper.Copy(up.Str, "homeserver", "device_name")
	helper.Copy(up.Str, "room", "default_room_id")
	helper.Copy(up.Int, "sync", "initial_sync_limit")
	helper.Copy(up.Str, "sync", "ready_timeout")
	helper.Copy(up.Int, "pipeline", "enrich_concurrency")
	helper.Copy(up.Int, "pipeline", "subscriber_buffer")
	helper.Copy(up.Str, "profiles", "ttl")
	helper.Copy(up.Str, "profiles", "displayname_template")
	helper.Copy(up.Str, "profiles", "database", "type")
	helper.Copy(up.Str, "profiles", "database", "uri")
	helper.Copy(up.Map, "logging")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"room"},
		{"sync"},
		{"pipeline"},
		{"profiles"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config at path, fills in any keys missing compared to
// the example config and optionally writes the upgraded file back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, configUpgrader)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Profiles.displaynameTemplate == nil {
		// The profiles block was absent, so UnmarshalYAML never ran.
		if err = cfg.Profiles.PostProcess(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
