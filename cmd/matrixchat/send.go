package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

var whoamiCommand = &cli.Command{
	Name:    "whoami",
	Aliases: []string{"w"},
	Usage:   "Log in and show the user and default room",
	Before:  prepareApp,
	Action:  cmdWhoami,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message to the default room",
	ArgsUsage: "TEXT...",
	Before:    prepareApp,
	Action:    cmdSend,
}

var sendMediaCommand = &cli.Command{
	Name:      "send-media",
	Usage:     "Upload a file and send it to the default room",
	ArgsUsage: "PATH",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Message kind: audio, image, video or file. Guessed from the file type if not set.",
		},
		&cli.StringFlag{
			Name:  "caption",
			Usage: "Message body to send instead of the file name",
		},
		&cli.IntFlag{
			Name:  "duration",
			Usage: "Duration of audio or video in milliseconds",
		},
	},
	Before: prepareApp,
	Action: cmdSendMedia,
}

func cmdWhoami(ctx *cli.Context) error {
	sess, cleanup, err := startSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	fmt.Println(sess.CurrentUserID())
	fmt.Printf("  default room: %s\n", sess.DefaultRoomID())
	fmt.Printf("  state: %s\n", sess.State().StateEvent)
	return nil
}

func cmdSend(ctx *cli.Context) error {
	text := strings.Join(ctx.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: matrixchat send TEXT...")
	}
	sess, cleanup, err := startSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	eventID, err := sess.SendText(ctx.Context, text)
	if err != nil {
		return err
	}
	fmt.Println(eventID)
	return nil
}

func cmdSendMedia(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("usage: matrixchat send-media [--kind KIND] PATH")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	media := connector.Media{
		Data:       data,
		FileName:   filepath.Base(path),
		Body:       ctx.String("caption"),
		DurationMS: ctx.Int("duration"),
	}
	if kind := ctx.String("kind"); kind != "" {
		media.Kind, err = connector.ParseMediaKind(kind)
		if err != nil {
			return err
		}
	} else {
		media.Kind = connector.MediaKindForMIME(connector.DetectMIME(data))
	}

	sess, cleanup, err := startSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	eventID, err := sess.UploadAndSendMedia(ctx.Context, media)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", eventID, media.Kind)
	return nil
}
