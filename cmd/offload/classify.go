package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/server"
)

func classifyCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "classify",
		Usage:     "Print the offload class of module kinds",
		ArgsUsage: "KIND...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kinds := cmd.Args().Slice()
			if len(kinds) == 0 {
				return errors.New("classify: at least one module kind is required")
			}
			res := server.Classify(kinds...)
			w := cmd.Root().Writer
			if asJSON {
				return writeJSON(w, res)
			}
			_, _ = fmt.Fprintf(w, "%-32s %-12s %s\n", "KIND", "CLASS", "OFFLOAD")
			for _, r := range res {
				_, _ = fmt.Fprintf(w, "%-32s %-12s %t\n", r.Kind, r.Class, r.Eligible)
			}
			return nil
		},
	}
}
