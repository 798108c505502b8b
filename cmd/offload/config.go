package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/logger"
)

// fileConfig is loaded once in setup and read by the subcommands.
var fileConfig config.Config

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(c, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	log := logger.NewFormat(os.Stderr, format, level)
	log.Debug("configuration loaded", "path", configOrDefault())
	return logger.WithContext(ctx, log), nil
}

func configOrDefault() string {
	if configPath != "" {
		return configPath
	}
	return config.Path()
}

func applyLoggingConfig(c *cli.Command, cfg config.Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDeviceConfig applies config file defaults to the device flags
// when the corresponding CLI flag was not explicitly set.
func applyDeviceConfig(c *cli.Command, cfg config.Config) {
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.DeviceMemoryMB != nil && !c.IsSet("device-memory") {
		deviceMemoryMB = *cfg.DeviceMemoryMB
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
	if cfg.Verbose != nil && !c.IsSet("verbose") {
		verbose = *cfg.Verbose
	}
}

func applySimulateConfig(c *cli.Command, cfg config.Config,
	fraction *float64, seed, steps *int64, exclude *[]string, adapters *bool,
) {
	applyDeviceConfig(c, cfg)
	if cfg.OffloadFraction != nil && !c.IsSet("offload-fraction") {
		*fraction = *cfg.OffloadFraction
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = *cfg.Steps
	}
	if len(cfg.Exclude) > 0 && !c.IsSet("exclude") {
		*exclude = cfg.Exclude
	}
	if cfg.Adapters != nil && !c.IsSet("adapters") {
		*adapters = *cfg.Adapters
	}
}

func applyUnloadConfig(c *cli.Command, cfg config.Config,
	component *string, encoders, passes *int64, connectors *bool,
) {
	applyDeviceConfig(c, cfg)
	if cfg.Component != "" && !c.IsSet("component") {
		*component = cfg.Component
	}
	if cfg.Encoders != nil && !c.IsSet("encoders") {
		*encoders = *cfg.Encoders
	}
	if cfg.CollectPasses != nil && !c.IsSet("collect-passes") {
		*passes = *cfg.CollectPasses
	}
	if cfg.Connectors != nil && !c.IsSet("connectors") {
		*connectors = *cfg.Connectors
	}
}

func applyServeConfig(c *cli.Command, cfg config.Config, addr *string) {
	applyDeviceConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func validateDeviceFlags() error {
	if deviceMemoryMB < 0 {
		return fmt.Errorf("--device-memory must not be negative, got %d", deviceMemoryMB)
	}
	return nil
}
