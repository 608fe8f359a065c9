package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/skythen/cardauth"
	"github.com/skythen/cardauth/remote"
)

// DiversifyCommand creates the diversify command
func DiversifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "diversify",
		Usage: "Derive a card key with NXP AV2 key diversification",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "family",
				Usage: "key family of the master key: des, 3des, 3k3des or aes",
				Value: "aes",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "master key (hex)",
			},
			&cli.BoolFlag{
				Name:  "prompt-key",
				Usage: "read the master key (hex) from the terminal without echo",
			},
			&cli.StringFlag{
				Name:  "uid",
				Usage: "card UID (hex)",
			},
			&cli.StringFlag{
				Name:  "aid",
				Usage: "application identifier (hex, 3 bytes)",
				Value: "000000",
			},
			&cli.IntFlag{
				Name:  "key-no",
				Usage: "card key number",
			},
			&cli.StringFlag{
				Name:  "system-identifier",
				Usage: "system identifier replacing the key number (hex)",
			},
			&cli.BoolFlag{
				Name:  "reverse-aid",
				Usage: "use the AID in little-endian byte order",
			},
			&cli.BoolFlag{
				Name:  "force-k2",
				Usage: "use CMAC subkey K2 even if no padding is applied",
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "explicit diversification input (hex), replaces UID, AID and key number",
			},
			&cli.StringFlag{
				Name:  "remote",
				Usage: "host:port of a key custodian holding the master key",
			},
			&cli.StringFlag{
				Name:  "key-name",
				Usage: "name of the master key on the key custodian",
			},
		},
		Action: runDiversifyCommand,
	}
}

func runDiversifyCommand(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd, "")
	if err != nil {
		return err
	}

	uid, err := decodeHexFlag(cmd, "uid")
	if err != nil {
		return err
	}

	aid, err := parseAID(cmd.String("aid"))
	if err != nil {
		return err
	}

	keyNo := cmd.Int("key-no")
	if keyNo < 0 || keyNo > 0xFF {
		return errors.Errorf("--key-no must be 0..255")
	}

	d := cardauth.Diversification{
		ReverseAID: cmd.Bool("reverse-aid"),
		ForceK2:    cmd.Bool("force-k2"),
	}

	if d.SystemIdentifier, err = decodeHexFlag(cmd, "system-identifier"); err != nil {
		return err
	}

	if d.Input, err = decodeHexFlag(cmd, "input"); err != nil {
		return err
	}

	var key cardauth.Key

	if address := cmd.String("remote"); address != "" {
		keyName := cmd.String("key-name")
		if keyName == "" {
			return errors.New("--key-name is required with --remote")
		}

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		client, err := remote.Dial(ctx, remote.ClientConfiguration{Address: address, Logger: &logger})
		if err != nil {
			return err
		}

		defer client.Close()

		if key, err = client.Diversify(ctx, keyName, uid, aid, byte(keyNo), d); err != nil {
			return err
		}
	} else {
		master, err := masterKey(cmd)
		if err != nil {
			return err
		}

		if key, err = cardauth.Diversify(master, uid, aid, byte(keyNo), d); err != nil {
			return err
		}
	}

	logger.Debug().Str("family", key.Family().String()).Msg("key diversified")

	_, err = fmt.Fprintf(output(cmd), "%s %s\n", key.Family(), strings.ToUpper(hex.EncodeToString(key.Bytes())))

	return err
}

// masterKey reads the key given by --key or --prompt-key.
func masterKey(cmd *cli.Command) (cardauth.Key, error) {
	family, err := cardauth.ParseFamily(cmd.String("family"))
	if err != nil {
		return cardauth.Key{}, err
	}

	encoded := cmd.String("key")

	if cmd.Bool("prompt-key") {
		if encoded != "" {
			return cardauth.Key{}, errors.New("--key and --prompt-key are mutually exclusive")
		}

		if encoded, err = promptHidden("Master key (hex): "); err != nil {
			return cardauth.Key{}, errors.Wrap(err, "read master key")
		}
	}

	if encoded == "" {
		return cardauth.Key{}, errors.New("--key or --prompt-key is required")
	}

	data, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return cardauth.Key{}, errors.New("master key is not valid hex")
	}

	defer func() {
		for i := range data {
			data[i] = 0x00
		}
	}()

	return cardauth.NewKey(family, data)
}

func promptHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var s string
		_, err := fmt.Fscanln(os.Stdin, &s)

		return strings.TrimSpace(s), err
	}

	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

func decodeHexFlag(cmd *cli.Command, name string) ([]byte, error) {
	value := strings.TrimSpace(cmd.String(name))
	if value == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Errorf("--%s is not valid hex", name)
	}

	return b, nil
}

func parseAID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return 0, errors.New("AID must be 3 bytes (6 hex digits)")
	}

	aid, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Errorf("AID %q is not valid hex", s)
	}

	return uint32(aid), nil
}
