// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"maunium.net/go/mautrix/event"
)

// MediaKind is the kind of media message to send.
type MediaKind int

const (
	MediaFile MediaKind = iota
	MediaAudio
	MediaImage
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	default:
		return "file"
	}
}

func (k MediaKind) MsgType() event.MessageType {
	switch k {
	case MediaAudio:
		return event.MsgAudio
	case MediaImage:
		return event.MsgImage
	case MediaVideo:
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

// defaultBody is used when a media message has no caption or file name.
func (k MediaKind) defaultBody() string {
	switch k {
	case MediaAudio:
		return "Voice message"
	case MediaImage:
		return "Image"
	case MediaVideo:
		return "Video"
	default:
		return "File"
	}
}

func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(s) {
	case "audio", "voice":
		return MediaAudio, nil
	case "image":
		return MediaImage, nil
	case "video":
		return MediaVideo, nil
	case "file":
		return MediaFile, nil
	default:
		return MediaFile, fmt.Errorf("unknown media kind %q", s)
	}
}

// MediaKindForMIME picks the message kind matching a MIME type.
func MediaKindForMIME(mime string) MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MediaImage
	case strings.HasPrefix(mime, "video/"):
		return MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return MediaAudio
	default:
		return MediaFile
	}
}

// Media is a binary payload to upload and send to the default room.
type Media struct {
	Kind MediaKind
	Data []byte
	// MimeType is sniffed from Data when empty.
	MimeType string
	FileName string
	// Body is the message text shown by clients that can't render the media.
	Body string
	// DurationMS is included in the info block of audio and video messages.
	DurationMS int
}

// DetectMIME returns the MIME type of data without parameters.
func DetectMIME(data []byte) string {
	mime := mimetype.Detect(data).String()
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}
	return mime
}

// imageSize decodes just the header of an image to get its dimensions.
func imageSize(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// mediaContent builds the message content for media, without the content URI.
func mediaContent(media *Media) *event.MessageEventContent {
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = DetectMIME(media.Data)
	}
	body := media.Body
	if body == "" {
		body = media.FileName
	}
	if body == "" {
		body = media.Kind.defaultBody()
	}
	info := &event.FileInfo{
		MimeType: mimeType,
		Size:     len(media.Data),
	}
	switch media.Kind {
	case MediaImage:
		if w, h, ok := imageSize(media.Data); ok {
			info.Width, info.Height = w, h
		}
	case MediaAudio, MediaVideo:
		info.Duration = media.DurationMS
	}
	content := &event.MessageEventContent{
		MsgType: media.Kind.MsgType(),
		Body:    body,
		Info:    info,
	}
	if media.FileName != "" && media.FileName != body {
		content.FileName = media.FileName
	}
	return content
}
