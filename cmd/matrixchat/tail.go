package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
	"github.com/lrhodin/matrixchat/pkg/feed"
	"github.com/lrhodin/matrixchat/pkg/profile"
)

var tailCommand = &cli.Command{
	Name:  "tail",
	Usage: "Print messages in the default room as they arrive",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "interactive",
			Aliases: []string{"i"},
			Usage:   "Send lines read from stdin. /reset clears the feed.",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "Address to serve Prometheus metrics on, e.g. 127.0.0.1:9100",
		},
	},
	Before: prepareApp,
	Action: cmdTail,
}

func cmdTail(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := *getLogger(ctx)
	runCtx, stop := signalContext(ctx.Context)
	defer stop()

	var profiles atomic.Pointer[connector.ProfilesConfig]
	profiles.Store(&cfg.Profiles)
	err := connector.WatchConfig(runCtx, ctx.String("config"), log, func(newCfg *connector.Config) {
		profiles.Store(&newCfg.Profiles)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload is unavailable")
	}

	store, closeStore, err := newProfileStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sess := newSession(ctx)
	defer sess.Cleanup()
	pipeline := feed.New(feed.Options{
		RoomID:   sess.DefaultRoomID(),
		Resolver: profile.NewCachingResolver(sess, store, cfg.Profiles.TTL, log),
		Fallback: func(userID id.UserID) string {
			return profiles.Load().FormatDisplayname(userID)
		},
		Concurrency: cfg.Pipeline.EnrichConcurrency,
		Log:         log,
		Metrics:     feed.NewMetrics(reg),
	})
	watcher := pipeline.Feed().Watch()
	defer watcher.Close()

	// The pipeline runs before Initialize so the initial sync timeline is
	// consumed as it arrives.
	sub := sess.Subscribe()
	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return pipeline.Run(egCtx, sub.C)
	})
	eg.Go(func() error {
		printFeed(egCtx, pipeline.Feed(), watcher)
		return nil
	})
	if addr := ctx.String("metrics-listen"); addr != "" {
		eg.Go(func() error {
			return serveMetrics(egCtx, addr, reg, log)
		})
	}
	eg.Go(func() error {
		if err := sess.Initialize(egCtx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if ctx.Bool("interactive") {
			eg.Go(func() error {
				return readInput(egCtx, sess, pipeline, log)
			})
		}
		return watchSession(egCtx, sess)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printFeed prints messages that haven't been printed yet whenever the feed
// asks to scroll to its newest entry.
func printFeed(ctx context.Context, f *feed.Feed, watcher *feed.Watcher) {
	printed := make(map[id.EventID]struct{})
	gen := f.Generation()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.C:
			if !ok {
				return
			}
		}
		if newGen := f.Generation(); newGen != gen {
			gen = newGen
			clear(printed)
		}
		snapshot := f.Snapshot()
		for _, msg := range snapshot {
			if _, ok := printed[msg.ID]; ok {
				continue
			}
			printed[msg.ID] = struct{}{}
			fmt.Println(formatMessage(&msg))
		}
	}
}

// watchSession fails when the session loses its connection, which stops tail.
func watchSession(ctx context.Context, sess *connector.Session) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sess.Phase() == connector.PhaseError {
				return sess.Err()
			}
		}
	}
}

func formatMessage(msg *feed.Message) string {
	body := msg.Content
	switch msg.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		body = fmt.Sprintf("[%s] %s", strings.TrimPrefix(string(msg.MsgType), "m."), body)
	case event.MsgEmote:
		return fmt.Sprintf("%s * %s %s", msg.Time().Format(time.TimeOnly), msg.DisplayName, body)
	}
	return fmt.Sprintf("%s <%s> %s", msg.Time().Format(time.TimeOnly), msg.DisplayName, body)
}

func readInput(ctx context.Context, sess *connector.Session, pipeline *feed.Pipeline, log zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/reset":
				pipeline.Reset()
				continue
			}
			if _, err := sess.SendText(ctx, line); err != nil {
				// Send failures are reported per message and don't end the session.
				log.Warn().Err(err).Msg("Message not sent")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("address", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
