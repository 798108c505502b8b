package main

import "github.com/urfave/cli/v3"

var (
	configPath     string
	logLevel       string
	logFormat      string
	debug          bool
	deviceName     string
	deviceMemoryMB int64
	dtypeName      string
	verbose        bool
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a yaml, json or toml config file",
			Destination: &configPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "target device (cpu, cuda, cuda:N)",
			Value:       "cuda:0",
			Destination: &deviceName,
		},
		&cli.Int64Flag{
			Name:        "device-memory",
			Usage:       "simulated accelerator capacity in MiB (0 for unbounded)",
			Destination: &deviceMemoryMB,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "parameter dtype (f32, f16, bf16)",
			Destination: &dtypeName,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "log attach and unload progress",
			Destination: &verbose,
		},
	}
}

func deviceBytes() int64 { return deviceMemoryMB << 20 }
