package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Write the example config file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Path to write the config to (- for stdout). Defaults to the --config path.",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Overwrite an existing file",
		},
	},
	Action: cmdConfig,
}

func cmdConfig(ctx *cli.Context) error {
	output := ctx.String("output")
	if output == "" {
		output = ctx.String("config")
	}
	if output == "-" {
		fmt.Print(connector.ExampleConfig)
		return nil
	}
	if !ctx.Bool("force") {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite it", output)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(output, []byte(connector.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", output)
	return nil
}
