package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/matrixchat/pkg/connector"
	"github.com/lrhodin/matrixchat/pkg/profile"
)

func newSession(ctx *cli.Context) *connector.Session {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	transport := &connector.MautrixTransport{
		HomeserverURL: cfg.Homeserver.URL,
		DeviceName:    cfg.Homeserver.DeviceName,
		Log:           *log,
	}
	return connector.NewSession(cfg.SessionConfig(), transport, *log)
}

// startSession initializes a session and cleans it up when the returned
// function is called.
func startSession(ctx *cli.Context) (*connector.Session, func(), error) {
	sess := newSession(ctx)
	if err := sess.Initialize(ctx.Context); err != nil {
		sess.Cleanup()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return sess, sess.Cleanup, nil
}

func newProfileStore(ctx *cli.Context) (profile.Store, func(), error) {
	cfg := getConfig(ctx)
	switch cfg.Profiles.Database.Type {
	case "", "memory":
		return profile.NewMemoryStore(), func() {}, nil
	default:
		store, err := profile.OpenSQLStore(ctx.Context, cfg.Profiles.Database.URI, *getLogger(ctx))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
