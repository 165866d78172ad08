package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "matrixchat", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), !ctx.Bool("no-update"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config at %s: %w", ctx.String("config"), err)
	}
	if ctx.Bool("verbose") {
		cfg.Logging.MinLevel = ptr.Ptr(zerolog.DebugLevel)
	} else if cfg.Logging.MinLevel == nil {
		cfg.Logging.MinLevel = ptr.Ptr(zerolog.InfoLevel)
	}
	if len(cfg.Logging.Writers) == 0 {
		cfg.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStderr,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "matrixchat",
		Usage:   "Follow and post to a Matrix room from the terminal",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"MATRIXCHAT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write missing keys back into the config file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level",
			},
		},
		Commands: []*cli.Command{
			configCommand,
			whoamiCommand,
			tailCommand,
			sendCommand,
			sendMediaCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
