package config

// Default values for configuration options. These are "layer 0" of the
// override chain and match the daemon's documented behavior when no config
// file exists.
const (
	defaultTickIntervalMinutes = 5
	defaultShutdownTimeout     = "30s"

	defaultRedisAddr = "localhost:6379"
	defaultGPSKey    = "gps:history:global"
	defaultMobileKey = "mobile:history:global"

	defaultGPSPrefix    = "gps-data"
	defaultMobilePrefix = "mobile-data"

	defaultGPSTable      = "gps_history"
	defaultMobileTable   = "mobile_history"
	defaultJobTimeoutMS  = 300_000
	defaultMaxBadRecords = 0
	defaultPriority      = "BATCH"

	defaultMaxRetries               = 3
	defaultQuarantineRetentionHours = 24

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickIntervalMinutes: defaultTickIntervalMinutes,
			ShutdownTimeout:     defaultShutdownTimeout,
		},
		Queue: QueueConfig{
			RedisAddr: defaultRedisAddr,
			GPSKey:    defaultGPSKey,
			MobileKey: defaultMobileKey,
		},
		Blob: BlobConfig{
			GPSPrefix:    defaultGPSPrefix,
			MobilePrefix: defaultMobilePrefix,
		},
		Warehouse: WarehouseConfig{
			GPSTable:      defaultGPSTable,
			MobileTable:   defaultMobileTable,
			JobTimeoutMS:  defaultJobTimeoutMS,
			MaxBadRecords: defaultMaxBadRecords,
			Priority:      defaultPriority,
		},
		Backup: BackupConfig{
			Root:                     DefaultBackupRoot(),
			MaxRetries:               defaultMaxRetries,
			QuarantineRetentionHours: defaultQuarantineRetentionHours,
		},
		Ledger: LedgerConfig{
			Path: DefaultLedgerPath(),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
