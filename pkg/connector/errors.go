// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import "errors"

// Session establishment errors. These are fatal to the Initialize attempt
// that produced them and leave the session in PhaseError.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrConnection     = errors.New("connection failed")
	ErrSyncTimeout    = errors.New("timed out waiting for initial sync")
)

// Operation errors.
var (
	// ErrNotReady is a local precondition failure: nothing is sent to the homeserver.
	ErrNotReady = errors.New("session is not ready")
	ErrSend     = errors.New("failed to send message")
	ErrUpload   = errors.New("failed to upload media")
	// ErrEmptyMessage is returned for blank text and zero-length media.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClosed is returned to callers whose in-flight work was overtaken by Cleanup.
	ErrClosed = errors.New("session closed")
)
