package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("cardauth failed")
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "cardauth",
		Usage: "Smart card key diversification, authentication and key custodian",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			DiversifyCommand(),
			CMACCommand(),
			KeyServerCommand(),
			AuthenticateCommand(),
			ReadersCommand(),
		},
	}
}

// newLogger returns a console logger on the error writer of the root command with the level of --log-level.
// levelOverride is used if not empty.
func newLogger(cmd *cli.Command, levelOverride string) (zerolog.Logger, error) {
	var out io.Writer = os.Stderr
	if w := cmd.Root().ErrWriter; w != nil {
		out = w
	}

	name := cmd.String("log-level")
	if levelOverride != "" {
		name = levelOverride
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.Nop(), err
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true}).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}

	return os.Stdout
}
