package main

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/skythen/cardauth/internal/config"
	"github.com/skythen/cardauth/remote"
)

// KeyServerCommand creates the keyserver command
func KeyServerCommand() *cli.Command {
	return &cli.Command{
		Name:  "keyserver",
		Usage: "Serve the configured keys as a remote key custodian",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path of the configuration file",
				Required: true,
			},
		},
		Action: runKeyServerCommand,
	}
}

func runKeyServerCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	if cfg.KeyServer == nil {
		return errors.New("config.key_server is required")
	}

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	store, err := cfg.KeyStore()
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.KeyServer.ServerTLSConfig()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.KeyServer.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.KeyServer.Listen)
	}

	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	logger.Info().
		Str("listen", listener.Addr().String()).
		Bool("tls", tlsConfig != nil).
		Strs("keys", store.Names()).
		Msg("key custodian started")

	server := remote.NewServer(remote.ServerConfiguration{
		KeyStore:       store,
		MaxRandomBytes: cfg.KeyServer.MaxRandom(),
		Logger:         &logger,
	})

	if err = server.Serve(ctx, listener); err != nil {
		return err
	}

	logger.Info().Msg("key custodian stopped")

	return nil
}
