package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/pipeline"
	"github.com/samcharles93/offload/pkg/unload"
)

func unloadCmd() *cli.Command {
	var (
		component  string
		encoders   int64
		passes     int64
		connectors bool
	)

	return &cli.Command{
		Name:  "unload",
		Usage: "Load text encoders onto the device and unload them again",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:        "component",
				Usage:       "component slot to unload",
				Value:       unload.TextEncoder,
				Destination: &component,
			},
			&cli.Int64Flag{
				Name:        "encoders",
				Aliases:     []string{"n"},
				Usage:       "number of text encoders (more than one is stored as a list)",
				Value:       1,
				Destination: &encoders,
			},
			&cli.Int64Flag{
				Name:        "collect-passes",
				Usage:       "full garbage collections after the first flush",
				Value:       3,
				Destination: &passes,
			},
			&cli.BoolFlag{
				Name:        "connectors",
				Usage:       "give the pipeline a text connector module",
				Destination: &connectors,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyUnloadConfig(cmd, fileConfig, &component, &encoders, &passes, &connectors)
			if err := validateDeviceFlags(); err != nil {
				return err
			}

			cfg := pipeline.DefaultUnload()
			cfg.Device = deviceName
			cfg.DeviceMemory = deviceBytes()
			if dtypeName != "" {
				cfg.DType = dtypeName
			}
			cfg.Component = component
			cfg.Encoders = int(encoders)
			cfg.CollectPasses = int(passes)
			cfg.Connectors = connectors
			cfg.Verbose = verbose

			rep, err := pipeline.Unload(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("unload: %w", err)
			}
			log.Info("unload finished",
				"components", rep.Components,
				"released", rep.BytesReleased,
				"device_used", rep.DeviceUsedAfter,
			)
			return writeJSON(cmd.Root().Writer, rep)
		},
	}
}
