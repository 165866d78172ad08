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
	"strings"

	"maunium.net/go/mautrix/id"
)

// SendText sends a plain text message to the default room. Surrounding
// whitespace is trimmed and blank messages are rejected without a request.
//
// A send issued while Initialize is still running waits for it to finish.
// Sends are never retried.
func (s *Session) SendText(ctx context.Context, text string) (id.EventID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	conn, err := s.readyConnection(ctx)
	if err != nil {
		return "", err
	}
	eventID, err := conn.SendText(ctx, s.cfg.DefaultRoomID, text)
	if err != nil {
		s.log.Err(err).Stringer("room_id", s.cfg.DefaultRoomID).Msg("Failed to send text message")
		return "", fmt.Errorf("%w: %w", ErrSend, err)
	}
	s.log.Debug().Stringer("event_id", eventID).Msg("Sent text message")
	return eventID, nil
}

// UploadAndSendMedia uploads the payload to the media repository and sends a
// message referencing it. Failures of the two stages are distinguishable:
// ErrUpload for the upload and ErrSend for the message.
func (s *Session) UploadAndSendMedia(ctx context.Context, media Media) (id.EventID, error) {
	if len(media.Data) == 0 {
		return "", fmt.Errorf("%w: %w", ErrUpload, ErrEmptyMessage)
	}
	conn, err := s.readyConnection(ctx)
	if err != nil {
		return "", err
	}
	log := s.log.With().
		Str("kind", media.Kind.String()).
		Int("size", len(media.Data)).
		Logger()

	content := mediaContent(&media)
	uri, err := conn.Upload(ctx, media.Data, content.Info.MimeType, media.FileName)
	if err != nil {
		log.Err(err).Msg("Failed to upload media")
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	content.URL = uri.CUString()

	eventID, err := conn.SendMessage(ctx, s.cfg.DefaultRoomID, content)
	if err != nil {
		log.Err(err).Stringer("content_uri", uri).Msg("Failed to send media message")
		return "", fmt.Errorf("%w: %w", ErrSend, err)
	}
	log.Debug().Stringer("event_id", eventID).Str("mime", content.Info.MimeType).Msg("Sent media message")
	return eventID, nil
}
