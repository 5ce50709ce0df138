package config

import (
	"errors"
	"fmt"
	"time"
)

// Valid warehouse load priorities.
const (
	PriorityBatch       = "BATCH"
	PriorityInteractive = "INTERACTIVE"
)

// Valid log levels and formats.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks a resolved Config for values that would misbehave at
// runtime. All problems are reported at once rather than one per run.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Scheduler.TickIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval_minutes must be >= 1, got %d",
			cfg.Scheduler.TickIntervalMinutes))
	}

	if cfg.Scheduler.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(cfg.Scheduler.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.shutdown_timeout %q: %w",
				cfg.Scheduler.ShutdownTimeout, err))
		}
	}

	if cfg.Queue.RedisAddr == "" {
		errs = append(errs, errors.New("queue.redis_addr must not be empty"))
	}

	if cfg.Queue.GPSKey == "" || cfg.Queue.MobileKey == "" {
		errs = append(errs, errors.New("queue.gps_key and queue.mobile_key must not be empty"))
	}

	if cfg.Queue.GPSKey == cfg.Queue.MobileKey {
		errs = append(errs, fmt.Errorf("queue.gps_key and queue.mobile_key must differ, both are %q",
			cfg.Queue.GPSKey))
	}

	if cfg.Blob.SimulateDir == "" && cfg.Blob.Bucket == "" {
		errs = append(errs, errors.New("blob.bucket is required unless blob.simulate_dir is set"))
	}

	if cfg.Warehouse.SimulateDir == "" {
		if cfg.Warehouse.Project == "" || cfg.Warehouse.Dataset == "" {
			errs = append(errs, errors.New("warehouse.project and warehouse.dataset are required unless warehouse.simulate_dir is set"))
		}
	}

	if cfg.Warehouse.GPSTable == "" || cfg.Warehouse.MobileTable == "" {
		errs = append(errs, errors.New("warehouse.gps_table and warehouse.mobile_table must not be empty"))
	}

	if cfg.Warehouse.JobTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("warehouse.job_timeout_ms must be >= 1, got %d",
			cfg.Warehouse.JobTimeoutMS))
	}

	if cfg.Warehouse.MaxBadRecords < 0 {
		errs = append(errs, fmt.Errorf("warehouse.max_bad_records must be >= 0, got %d",
			cfg.Warehouse.MaxBadRecords))
	}

	if p := cfg.Warehouse.Priority; p != PriorityBatch && p != PriorityInteractive {
		errs = append(errs, fmt.Errorf("warehouse.priority must be %s or %s, got %q",
			PriorityBatch, PriorityInteractive, p))
	}

	if cfg.Backup.Root == "" {
		errs = append(errs, errors.New("backup.root must not be empty"))
	}

	if cfg.Backup.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("backup.max_retries must be >= 0, got %d",
			cfg.Backup.MaxRetries))
	}

	if cfg.Backup.QuarantineRetentionHours < 0 {
		errs = append(errs, fmt.Errorf("backup.quarantine_retention_hours must be >= 0, got %d",
			cfg.Backup.QuarantineRetentionHours))
	}

	if cfg.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path must not be empty"))
	}

	if !validLogLevels[cfg.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level must be debug, info, warn or error, got %q",
			cfg.Logging.LogLevel))
	}

	if !validLogFormats[cfg.Logging.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format must be auto, text or json, got %q",
			cfg.Logging.LogFormat))
	}

	return errors.Join(errs...)
}
