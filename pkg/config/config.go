// Package config loads the YAML configuration shared by the hdbstore binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bufferpool "github.com/sushant-115/hdbstore/core/write_engine/buffer_pool"
	"github.com/sushant-115/hdbstore/core/write_engine/eventlog"
	flushmanager "github.com/sushant-115/hdbstore/core/write_engine/flush_manager"
	"github.com/sushant-115/hdbstore/pkg/logger"
	"github.com/sushant-115/hdbstore/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDiskConfig = errors.New("invalid disk configuration")

// DiskConfig configures the file-backed block store.
type DiskConfig struct {
	// DataDir is where relative file names are resolved.
	DataDir string `yaml:"data_dir"`
	// MaxOpenFiles bounds the number of open descriptors.
	MaxOpenFiles int `yaml:"max_open_files"`
}

// Config is the top-level configuration file.
type Config struct {
	Logger     logger.Config     `yaml:"logger"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	BufferPool bufferpool.Config `yaml:"buffer_pool"`
	EventLog   eventlog.Config   `yaml:"event_log"`
	Disk       DiskConfig        `yaml:"disk"`
}

// Default returns a configuration that runs a single local node.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      logger.DefaultService,
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		BufferPool: bufferpool.DefaultConfig(),
		EventLog:   eventlog.DefaultConfig(),
		Disk: DiskConfig{
			DataDir:      "data",
			MaxOpenFiles: flushmanager.DefaultMaxOpenFiles,
		},
	}
}

// Load reads path on top of Default. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid section at once.
func (c Config) Validate() error {
	var errs error
	errs = multierr.Append(errs, c.BufferPool.Validate())
	errs = multierr.Append(errs, c.EventLog.Validate())
	if c.Disk.MaxOpenFiles < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: max open files must not be negative, got %d",
			ErrInvalidDiskConfig, c.Disk.MaxOpenFiles))
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		errs = multierr.Append(errs, fmt.Errorf("trace sample ratio must be in [0, 1], got %v",
			c.Telemetry.TraceSampleRatio))
	}
	return errs
}

// Resolve returns name joined to the data directory unless it is absolute.
func (c Config) Resolve(name string) string {
	if filepath.IsAbs(name) || c.Disk.DataDir == "" {
		return name
	}
	return filepath.Join(c.Disk.DataDir, name)
}
