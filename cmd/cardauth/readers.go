package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/skythen/cardauth/internal/pcsc"
)

// ReadersCommand creates the readers command
func ReadersCommand() *cli.Command {
	return &cli.Command{
		Name:   "readers",
		Usage:  "List the PC/SC readers with the index expected by authenticate --reader",
		Action: runReadersCommand,
	}
}

func runReadersCommand(_ context.Context, cmd *cli.Command) error {
	readers, err := pcsc.Readers()
	if err != nil {
		return err
	}

	for i, reader := range readers {
		if _, err = fmt.Fprintf(output(cmd), "%d %s\n", i, reader); err != nil {
			return err
		}
	}

	return nil
}
