package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file. Unknown keys are treated as
// fatal errors with "did you mean?" suggestions — silently ignoring a typo
// in a config file leads to hard-to-debug behavior. Validation happens in
// Resolve, after environment and CLI overrides have been applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the
// zero-config first run against a local Redis and simulation directories.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. CLI flags
// always win, matching user expectations for one-off overrides.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	// 1. Resolve config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists).
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides.
	env.apply(cfg)

	// 4. Apply CLI overrides (pointer fields: nil = not specified).
	if cli.SimulateDir != nil {
		cfg.Blob.SimulateDir = *cli.SimulateDir
		cfg.Warehouse.SimulateDir = *cli.SimulateDir
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cli.LogFormat != nil {
		cfg.Logging.LogFormat = *cli.LogFormat
	}

	// 5. Validate the final resolved config.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// TickInterval returns the scheduler cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMinutes) * time.Minute
}

// JobTimeout returns the warehouse load-job timeout as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Warehouse.JobTimeoutMS) * time.Millisecond
}

// QuarantineRetention returns the quarantine sweep horizon as a duration.
func (c *Config) QuarantineRetention() time.Duration {
	return time.Duration(c.Backup.QuarantineRetentionHours) * time.Hour
}

// Simulated reports whether the daemon runs against local filesystem
// stand-ins instead of GCS and BigQuery.
func (c *Config) Simulated() bool {
	return c.Blob.SimulateDir != "" || c.Warehouse.SimulateDir != ""
}
