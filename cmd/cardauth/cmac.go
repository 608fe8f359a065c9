package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/skythen/cardauth"
)

// CMACCommand creates the cmac command
func CMACCommand() *cli.Command {
	return &cli.Command{
		Name:  "cmac",
		Usage: "Calculate the CMAC of a message",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "family",
				Usage: "key family: des, 3des, 3k3des or aes",
				Value: "aes",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "key (hex)",
			},
			&cli.BoolFlag{
				Name:  "prompt-key",
				Usage: "read the key (hex) from the terminal without echo",
			},
			&cli.StringFlag{
				Name:  "message",
				Usage: "message (hex)",
			},
			&cli.StringFlag{
				Name:  "iv",
				Usage: "initial chaining value (hex), zero if omitted",
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "truncate the MAC to this many bytes, 0 for the full block",
			},
			&cli.IntFlag{
				Name:  "padding-size",
				Usage: "pad the message to a multiple of this many bytes, 0 for the block size",
			},
			&cli.BoolFlag{
				Name:  "force-k2",
				Usage: "use CMAC subkey K2 even if no padding is applied",
			},
		},
		Action: runCMACCommand,
	}
}

func runCMACCommand(ctx context.Context, cmd *cli.Command) error {
	key, err := masterKey(cmd)
	if err != nil {
		return err
	}

	message, err := decodeHexFlag(cmd, "message")
	if err != nil {
		return err
	}

	iv, err := decodeHexFlag(cmd, "iv")
	if err != nil {
		return err
	}

	mac, err := cardauth.ComputeCMAC(key, message, cardauth.CMACParameters{
		IV:          iv,
		PaddingSize: int(cmd.Int("padding-size")),
		ForceK2:     cmd.Bool("force-k2"),
	})
	if err != nil {
		return err
	}

	if size := int(cmd.Int("size")); size != 0 {
		if size < 0 || size > len(mac) {
			return errors.Errorf("--size must be 1..%d", len(mac))
		}

		mac = mac[:size]
	}

	_, err = fmt.Fprintln(output(cmd), strings.ToUpper(hex.EncodeToString(mac)))

	return err
}
