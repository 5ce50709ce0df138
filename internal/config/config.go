// Package config implements TOML configuration loading, validation, and
// path resolution for locship. It supports a four-layer override chain
// (defaults -> config file -> environment -> CLI flags); environment
// variables are enumerated, never pattern-matched.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Queue     QueueConfig     `toml:"queue"`
	Blob      BlobConfig      `toml:"blob"`
	Warehouse WarehouseConfig `toml:"warehouse"`
	Backup    BackupConfig    `toml:"backup"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Logging   LoggingConfig   `toml:"logging"`
}

// SchedulerConfig controls the tick cadence and shutdown timing of the
// serve loop.
type SchedulerConfig struct {
	TickIntervalMinutes int    `toml:"tick_interval_minutes"`
	ShutdownTimeout     string `toml:"shutdown_timeout"`
}

// QueueConfig names the Redis endpoint and the two list keys drained each
// cycle.
type QueueConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	GPSKey        string `toml:"gps_key"`
	MobileKey     string `toml:"mobile_key"`
}

// BlobConfig controls the batch object store. When SimulateDir is set the
// daemon writes objects to a local directory tree instead of GCS, which
// keeps development and CI off the network.
type BlobConfig struct {
	Bucket          string `toml:"bucket"`
	GPSPrefix       string `toml:"gps_prefix"`
	MobilePrefix    string `toml:"mobile_prefix"`
	CredentialsFile string `toml:"credentials_file"`
	SimulateDir     string `toml:"simulate_dir"`
}

// WarehouseConfig controls load-job submission. SimulateDir switches to
// the local filesystem warehouse, paired with blob simulation.
type WarehouseConfig struct {
	Project         string `toml:"project"`
	Dataset         string `toml:"dataset"`
	Region          string `toml:"region"`
	GPSTable        string `toml:"gps_table"`
	MobileTable     string `toml:"mobile_table"`
	JobTimeoutMS    int    `toml:"job_timeout_ms"`
	MaxBadRecords   int    `toml:"max_bad_records"`
	Priority        string `toml:"priority"`
	CredentialsFile string `toml:"credentials_file"`
	SimulateDir     string `toml:"simulate_dir"`
}

// BackupConfig controls the durable journal for failed batches.
type BackupConfig struct {
	Root                     string `toml:"root"`
	MaxRetries               int    `toml:"max_retries"`
	QuarantineRetentionHours int    `toml:"quarantine_retention_hours"`
}

// LedgerConfig names the cycle-history database.
type LedgerConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig controls the Prometheus endpoint. An empty listen address
// disables the listener.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	SimulateDir *string // --simulate flag: local root for blob + warehouse
	LogLevel    *string // --verbose / --quiet
	LogFormat   *string // --json
}
