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
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Editors often write a file in several steps, so changes are debounced.
const configReloadDelay = 250 * time.Millisecond

// WatchConfig calls onChange with the freshly parsed config every time the
// file at path is written or replaced, until ctx is done. A file that fails to
// parse is logged and skipped.
//
// The containing directory is watched rather than the file itself, because
// atomic saves replace the file and would drop a watch on the old inode.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log = log.With().Str("component", "config_watcher").Str("path", path).Logger()

	go func() {
		defer watcher.Close()
		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != path || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				reload = time.After(configReloadDelay)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-reload:
				reload = nil
				cfg, err := LoadConfig(path, false)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to reload config")
					continue
				}
				log.Info().Msg("Config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
