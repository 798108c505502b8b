package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/pipeline"
	"github.com/samcharles93/offload/pkg/memory"
)

func simulateCmd() *cli.Command {
	var (
		fraction float64
		seed     int64
		steps    int64
		batch    int64
		blocks   int64
		exclude  []string
		adapters bool
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Attach the memory manager to a toy denoiser and run forward passes",
		Flags: append(deviceFlags(),
			&cli.Float64Flag{
				Name:        "offload-fraction",
				Aliases:     []string{"f"},
				Usage:       "probability that an eligible layer is offloaded",
				Value:       1,
				Destination: &fraction,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for partial-offload sampling",
				Value:       memory.DefaultSeed,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Usage:       "forward passes to run",
				Value:       1,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "batch size of each forward pass",
				Value:       1,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "blocks",
				Usage:       "denoiser blocks",
				Value:       2,
				Destination: &blocks,
			},
			&cli.StringSliceFlag{
				Name:        "exclude",
				Usage:       "module path to leave unmanaged (repeatable)",
				Destination: &exclude,
			},
			&cli.BoolFlag{
				Name:        "adapters",
				Usage:       "attach low-rank adapters to the block projections",
				Destination: &adapters,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySimulateConfig(cmd, fileConfig, &fraction, &seed, &steps, &exclude, &adapters)
			if err := validateDeviceFlags(); err != nil {
				return err
			}

			cfg := pipeline.DefaultSimulate()
			cfg.Device = deviceName
			cfg.DeviceMemory = deviceBytes()
			cfg.DType = dtypeName
			cfg.OffloadFraction = fraction
			cfg.Seed = seed
			cfg.Steps = int(steps)
			cfg.Batch = int(batch)
			cfg.Exclude = exclude
			cfg.Verbose = verbose
			cfg.Denoiser.Blocks = int(blocks)
			cfg.Denoiser.Adapters = adapters

			rep, err := pipeline.Simulate(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("simulate: %w", err)
			}
			log.Info("simulation finished",
				"fetches", rep.Fetches,
				"device_peak", rep.DevicePeak,
				"offloaded", rep.OffloadedBytes,
			)
			return writeJSON(cmd.Root().Writer, rep)
		},
	}
}
