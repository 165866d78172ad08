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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/id"
)

// Phase is the lifecycle state of a Session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAuthenticating
	PhaseSyncing
	PhaseReady
	PhaseError
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSyncing:
		return "syncing"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	case PhaseClosed:
		return "closed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p Phase) initializing() bool {
	return p == PhaseAuthenticating || p == PhaseSyncing
}

const (
	defaultReadyTimeout     = 60 * time.Second
	defaultSubscriberBuffer = 256
)

type SessionConfig struct {
	UserID        id.UserID
	Password      string
	DeviceID      id.DeviceID
	DefaultRoomID id.RoomID
	Sync          SyncOptions
	// ReadyTimeout bounds the wait for the first sync after connecting.
	ReadyTimeout time.Duration
	// SubscriberBuffer is the channel capacity of each Subscription.
	SubscriberBuffer int
}

// Session owns the single authenticated connection to the homeserver. It is
// created by the root scope and handed to consumers; nothing about it is global.
type Session struct {
	cfg       SessionConfig
	transport Transport
	log       zerolog.Logger

	initGroup singleflight.Group

	lock        sync.RWMutex
	phase       Phase
	lastErr     error
	accessToken string
	conn        LiveConnection
	// generation is bumped by Cleanup. Work started under an older generation
	// must not write its results back into the session.
	generation uint64
	// initDone is closed when the current initialization attempt settles.
	initDone chan struct{}
	// ready is set while the session is in PhaseReady.
	ready *exsync.Event
	subs  map[*Subscription]struct{}
}

func NewSession(cfg SessionConfig, transport Transport, log zerolog.Logger) *Session {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		log:       log.With().Str("component", "session").Logger(),
		ready:     exsync.NewEvent(),
		subs:      make(map[*Subscription]struct{}),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Initialize authenticates (unless a token is already cached), connects and
// waits for the first sync. Concurrent calls share a single attempt; a call
// made while the session is ready returns immediately.
//
// The shared attempt is not tied to any caller's context: a caller giving up
// only stops that caller from waiting.
func (s *Session) Initialize(ctx context.Context) error {
	s.lock.RLock()
	phase, gen := s.phase, s.generation
	s.lock.RUnlock()
	if phase == PhaseReady {
		return nil
	}

	attemptCtx := context.WithoutCancel(ctx)
	ch := s.initGroup.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, s.initialize(attemptCtx, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) initialize(ctx context.Context, gen uint64) error {
	s.lock.Lock()
	if s.generation != gen {
		s.lock.Unlock()
		return ErrClosed
	} else if s.phase == PhaseReady {
		s.lock.Unlock()
		return nil
	}
	token := s.accessToken
	done := make(chan struct{})
	s.initDone = done
	s.lastErr = nil
	if token == "" {
		s.phase = PhaseAuthenticating
	} else {
		s.phase = PhaseSyncing
	}
	s.lock.Unlock()
	defer close(done)

	log := s.log.With().Stringer("user_id", s.cfg.UserID).Logger()

	if token == "" {
		log.Debug().Msg("No cached access token, logging in")
		var err error
		token, err = s.transport.Authenticate(ctx, s.cfg.UserID, s.cfg.Password, s.cfg.DeviceID)
		if err != nil {
			return s.fail(gen, log, fmt.Errorf("%w: %w", ErrAuthentication, err))
		}
		s.lock.Lock()
		if s.generation != gen {
			s.lock.Unlock()
			return ErrClosed
		}
		s.accessToken = token
		s.phase = PhaseSyncing
		s.lock.Unlock()
		log.Info().Msg("Logged in")
	}

	conn, err := s.transport.Connect(ctx, ConnectParams{
		AccessToken: token,
		UserID:      s.cfg.UserID,
		DeviceID:    s.cfg.DeviceID,
		RoomID:      s.cfg.DefaultRoomID,
		Sync:        s.cfg.Sync,
	})
	if err != nil {
		return s.fail(gen, log, fmt.Errorf("%w: %w", ErrConnection, err))
	}

	s.lock.Lock()
	if s.generation != gen {
		s.lock.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.lock.Unlock()

	readyCh := make(chan error, 1)
	go s.dispatch(gen, conn, readyCh)

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case err = <-readyCh:
		if err != nil {
			conn.Close()
			return s.fail(gen, log, fmt.Errorf("%w: %w", ErrConnection, err))
		}
	case <-timer.C:
		conn.Close()
		return s.fail(gen, log, fmt.Errorf("%w after %s", ErrSyncTimeout, s.cfg.ReadyTimeout))
	}

	s.lock.Lock()
	if s.generation != gen {
		// Cleanup already closed the connection.
		s.lock.Unlock()
		return ErrClosed
	}
	s.phase = PhaseReady
	s.ready.Set()
	s.lock.Unlock()
	log.Info().Stringer("default_room_id", s.cfg.DefaultRoomID).Msg("Session ready")
	return nil
}

// fail records an initialization failure. This is the only place session
// establishment errors are logged.
func (s *Session) fail(gen uint64, log zerolog.Logger, err error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.generation != gen {
		log.Debug().Err(err).Msg("Discarding result of initialization overtaken by cleanup")
		return ErrClosed
	}
	s.phase = PhaseError
	s.lastErr = err
	s.conn = nil
	s.ready.Clear()
	log.Err(err).Msg("Failed to initialize session")
	return err
}

// dispatch forwards connection events until the connection closes. The first
// SyncReady or SyncFailed settles readyCh.
func (s *Session) dispatch(gen uint64, conn LiveConnection, readyCh chan<- error) {
	settled := false
	settle := func(err error) {
		if !settled {
			settled = true
			readyCh <- err
		}
	}
	for evt := range conn.Events() {
		switch evt := evt.(type) {
		case SyncReady:
			settle(nil)
		case Timeline:
			s.broadcast(conn, evt.RawEvent)
		case SyncFailed:
			if !settled {
				settle(evt.Err)
			} else {
				s.connectionLost(gen, conn, evt.Err)
			}
		default:
			s.log.Warn().Type("event_type", evt).Msg("Dropping unknown connection event")
		}
	}
	settle(errors.New("connection closed before initial sync"))
}

func (s *Session) connectionLost(gen uint64, conn LiveConnection, err error) {
	s.lock.Lock()
	if s.generation != gen || s.conn != conn {
		s.lock.Unlock()
		return
	}
	s.phase = PhaseError
	s.lastErr = fmt.Errorf("%w: %w", ErrConnection, err)
	s.conn = nil
	s.ready.Clear()
	s.lock.Unlock()
	s.log.Err(err).Msg("Lost connection to homeserver")
	conn.Close()
}

// Cleanup stops the live connection and closes every subscription. The cached
// access token is kept, so a later Initialize skips the login step. Calling
// Cleanup on a session that never started or is already closed does nothing.
func (s *Session) Cleanup() {
	s.lock.Lock()
	if s.phase == PhaseUninitialized || s.phase == PhaseClosed {
		s.lock.Unlock()
		return
	}
	s.generation++
	conn := s.conn
	subs := s.subs
	s.conn = nil
	s.subs = make(map[*Subscription]struct{})
	s.phase = PhaseClosed
	s.lastErr = nil
	s.ready.Clear()
	s.lock.Unlock()

	if conn != nil {
		conn.Close()
	}
	for sub := range subs {
		sub.close()
	}
	s.log.Debug().Int("subscriptions", len(subs)).Msg("Session cleaned up")
}

// ============================================================================
// Accessors
// ============================================================================

func (s *Session) Phase() Phase {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.phase
}

// Err returns the error that moved the session into PhaseError, if any.
func (s *Session) Err() error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.lastErr
}

func (s *Session) IsReady() bool {
	return s.ready.IsSet()
}

// State reports the session phase as a connectivity state for display.
func (s *Session) State() status.BridgeState {
	s.lock.RLock()
	phase, lastErr := s.phase, s.lastErr
	s.lock.RUnlock()
	switch phase {
	case PhaseUninitialized:
		return status.BridgeState{StateEvent: status.StateStarting}
	case PhaseAuthenticating, PhaseSyncing:
		return status.BridgeState{StateEvent: status.StateConnecting}
	case PhaseReady:
		return status.BridgeState{StateEvent: status.StateConnected}
	case PhaseClosed:
		return status.BridgeState{StateEvent: status.StateTransientDisconnect, Message: "Session closed"}
	}
	state := status.BridgeState{StateEvent: status.StateUnknownError}
	if errors.Is(lastErr, ErrAuthentication) {
		state.StateEvent = status.StateBadCredentials
	}
	if lastErr != nil {
		state.Message = lastErr.Error()
	}
	return state
}

func (s *Session) CurrentUserID() id.UserID {
	return s.cfg.UserID
}

func (s *Session) DefaultRoomID() id.RoomID {
	return s.cfg.DefaultRoomID
}

// AccessToken returns the cached access token, or an empty string before the
// first successful login.
func (s *Session) AccessToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.accessToken
}

// readyConnection returns the live connection. If an initialization attempt
// is in flight it waits for that attempt to settle first; otherwise a session
// that isn't ready fails with ErrNotReady.
func (s *Session) readyConnection(ctx context.Context) (LiveConnection, error) {
	for {
		s.lock.RLock()
		phase, conn, initDone := s.phase, s.conn, s.initDone
		s.lock.RUnlock()
		if phase == PhaseReady {
			return conn, nil
		} else if !phase.initializing() {
			return nil, fmt.Errorf("%w (session is %s)", ErrNotReady, phase)
		}
		select {
		case <-s.ready.GetChan():
		case <-initDone:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		}
	}
}

// FetchProfile looks up the global profile of a user through the live connection.
func (s *Session) FetchProfile(ctx context.Context, userID id.UserID) (*UserProfile, error) {
	conn, err := s.readyConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.FetchProfile(ctx, userID)
}
