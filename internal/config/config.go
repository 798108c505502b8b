// Package config reads the offload configuration file
// (~/.config/offload/config.yaml by default). YAML, JSON and TOML are
// selected by file extension.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/memory"
	"github.com/samcharles93/offload/pkg/tensor"
)

var ErrUnknownFormat = errors.New("unknown config format")

// Config mirrors the command-line flags. Pointer fields distinguish "not
// set" from zero values so flags the user did not pass take the file value.
type Config struct {
	// Target device
	Device         string `yaml:"device" json:"device" toml:"device"`
	DeviceMemoryMB *int64 `yaml:"device_memory_mb" json:"device_memory_mb" toml:"device_memory_mb"`
	DType          string `yaml:"dtype" json:"dtype" toml:"dtype"`

	// Offload
	OffloadFraction *float64 `yaml:"offload_fraction" json:"offload_fraction" toml:"offload_fraction"`
	Seed            *int64   `yaml:"seed" json:"seed" toml:"seed"`
	Exclude         []string `yaml:"exclude" json:"exclude" toml:"exclude"`
	Steps           *int64   `yaml:"steps" json:"steps" toml:"steps"`
	Adapters        *bool    `yaml:"adapters" json:"adapters" toml:"adapters"`
	Verbose         *bool    `yaml:"verbose" json:"verbose" toml:"verbose"`

	// Unload
	Component     string `yaml:"component" json:"component" toml:"component"`
	Encoders      *int64 `yaml:"encoders" json:"encoders" toml:"encoders"`
	Connectors    *bool  `yaml:"connectors" json:"connectors" toml:"connectors"`
	CollectPasses *int64 `yaml:"collect_passes" json:"collect_passes" toml:"collect_passes"`

	// Output
	LogLevel  string `yaml:"log_level" json:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" toml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address" json:"server_address" toml:"server_address"`
}

// Path returns the default config file location, or "" when the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "offload", "config.yaml")
}

// Load reads and validates the config at path. An empty path means Path().
// A missing file yields a zero Config and no error.
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml", ".json",
// ".toml"). Unknown fields are rejected in JSON and TOML.
func Parse(data []byte, ext string) (Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return Config{}, fmt.Errorf("%w %q", ErrUnknownFormat, ext)
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c Config) Validate() error {
	var errs []error
	if c.Device != "" {
		if _, err := tensor.ParseDevice(c.Device, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DType != "" {
		if _, err := tensor.ParseDType(c.DType); err != nil {
			errs = append(errs, err)
		}
	}
	if f := c.OffloadFraction; f != nil && (math.IsNaN(*f) || *f < 0 || *f > 1) {
		errs = append(errs, fmt.Errorf("%w: got %v", memory.ErrInvalidOffloadFraction, *f))
	}
	if c.DeviceMemoryMB != nil && *c.DeviceMemoryMB < 0 {
		errs = append(errs, fmt.Errorf("device_memory_mb must not be negative, got %d", *c.DeviceMemoryMB))
	}
	if c.CollectPasses != nil && *c.CollectPasses < 1 {
		errs = append(errs, fmt.Errorf("collect_passes must be positive, got %d", *c.CollectPasses))
	}
	if c.Encoders != nil && *c.Encoders < 1 {
		errs = append(errs, fmt.Errorf("encoders must be positive, got %d", *c.Encoders))
	}
	if c.Steps != nil && *c.Steps < 0 {
		errs = append(errs, fmt.Errorf("steps must not be negative, got %d", *c.Steps))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.LogFormat != "" {
		if _, err := logger.ParseFormat(c.LogFormat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
