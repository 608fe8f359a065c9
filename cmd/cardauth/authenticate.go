package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/skythen/cardauth"
	"github.com/skythen/cardauth/internal/config"
	"github.com/skythen/cardauth/internal/pcsc"
)

// AuthenticateCommand creates the authenticate command
func AuthenticateCommand() *cli.Command {
	return &cli.Command{
		Name:  "authenticate",
		Usage: "Authenticate with a configured key against the card in a PC/SC reader",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path of the configuration file",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-name",
				Usage:    "name of the configured key",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "reader",
				Usage: "index of the PC/SC reader",
			},
			&cli.StringFlag{
				Name:  "variant",
				Usage: "ev1 or ev2",
				Value: "ev1",
			},
			&cli.StringFlag{
				Name:  "aid",
				Usage: "application to select before authenticating (hex, 3 bytes)",
				Value: "000000",
			},
			&cli.BoolFlag{
				Name:  "try-default",
				Usage: "retry with the all-zero key of the same family if the configured key is rejected",
			},
		},
		Action: runAuthenticateCommand,
	}
}

func runAuthenticateCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	variant, err := parseVariant(cmd.String("variant"))
	if err != nil {
		return err
	}

	aid, err := parseAID(cmd.String("aid"))
	if err != nil {
		return err
	}

	store, err := cfg.KeyStore()
	if err != nil {
		return err
	}

	entry, err := store.Entry(cmd.String("key-name"))
	if err != nil {
		return err
	}

	conn, err := pcsc.Connect(int(cmd.Int("reader")), &logger)
	if err != nil {
		return err
	}

	defer conn.Close()

	key := entry.Key

	if _, ok := key.Diversification(); ok {
		uid, err := conn.UID()
		if err != nil {
			return errors.Wrap(err, "read card UID")
		}

		if key, err = cardauth.CardKey(key, uid, aid, entry.KeyNo); err != nil {
			return errors.Wrap(err, "diversify card key")
		}
	}

	if err = cardauth.SelectApplication(conn, aid); err != nil {
		return err
	}

	strategies, err := authenticationStrategies(entry.Name, key, cardauth.AuthenticationConfiguration{
		KeyNo:   entry.KeyNo,
		Variant: variant,
		Logger:  &logger,
	}, cmd.Bool("try-default"))
	if err != nil {
		return err
	}

	keys, idx, err := cardauth.AuthenticateWithFallback(conn, strategies, &logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(output(cmd), "authenticated with %s on %s (key %d, %s)\n", strategies[idx].Name, conn.Reader, entry.KeyNo, variant)

	if len(keys.TransactionID) > 0 {
		fmt.Fprintf(output(cmd), "transaction identifier %X\n", keys.TransactionID)
	}

	return nil
}

func authenticationStrategies(name string, key cardauth.Key, configuration cardauth.AuthenticationConfiguration, tryDefault bool) ([]cardauth.Strategy, error) {
	c, err := cardauth.NewBlockCipher(key)
	if err != nil {
		return nil, err
	}

	strategies := []cardauth.Strategy{{Name: name, Cipher: c, Configuration: configuration}}

	if tryDefault && !key.IsDefault() {
		d, err := cardauth.NewBlockCipher(cardauth.DefaultKey(key.Family()))
		if err != nil {
			return nil, err
		}

		strategies = append(strategies, cardauth.Strategy{Name: "default " + key.Family().String(), Cipher: d, Configuration: configuration})
	}

	return strategies, nil
}

func parseVariant(s string) (cardauth.AuthVariant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ev1":
		return cardauth.VariantEV1, nil
	case "ev2", "ev2first":
		return cardauth.VariantEV2First, nil
	default:
		return cardauth.VariantEV1, errors.Errorf("unknown authentication variant %q", s)
	}
}
