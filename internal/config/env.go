package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names. Enumerated: anything not listed here is
// never read from the environment.
const (
	EnvConfig = "LOCSHIP_CONFIG"

	EnvTickIntervalMinutes = "TICK_INTERVAL_MINUTES"

	EnvRedisAddr = "QUEUE_REDIS_ADDR"
	EnvGPSKey    = "QUEUE_GPS_KEY"
	EnvMobileKey = "QUEUE_MOBILE_KEY"

	EnvBlobBucket   = "BLOB_BUCKET"
	EnvGPSPrefix    = "BLOB_GPS_PREFIX"
	EnvMobilePrefix = "BLOB_MOBILE_PREFIX"

	EnvWarehouseProject   = "WAREHOUSE_PROJECT"
	EnvWarehouseDataset   = "WAREHOUSE_DATASET"
	EnvWarehouseRegion    = "WAREHOUSE_REGION"
	EnvGPSTable           = "WAREHOUSE_GPS_TABLE"
	EnvMobileTable        = "WAREHOUSE_MOBILE_TABLE"
	EnvJobTimeoutMS       = "WAREHOUSE_JOB_TIMEOUT_MS"
	EnvMaxBadRecords      = "WAREHOUSE_MAX_BAD_RECORDS"
	EnvWarehousePriority  = "WAREHOUSE_PRIORITY"

	EnvBackupRoot           = "BACKUP_ROOT"
	EnvBackupMaxRetries     = "BACKUP_MAX_RETRIES"
	EnvQuarantineRetentionH = "BACKUP_QUARANTINE_RETENTION_HOURS"
)

// EnvOverrides holds values read from the environment, applied on top of
// the config file. String fields use "" for "not set"; numeric fields use
// pointers for the same reason.
type EnvOverrides struct {
	ConfigPath string

	TickIntervalMinutes *int

	RedisAddr string
	GPSKey    string
	MobileKey string

	BlobBucket   string
	GPSPrefix    string
	MobilePrefix string

	WarehouseProject  string
	WarehouseDataset  string
	WarehouseRegion   string
	GPSTable          string
	MobileTable       string
	JobTimeoutMS      *int
	MaxBadRecords     *int
	WarehousePriority string

	BackupRoot              string
	BackupMaxRetries        *int
	QuarantineRetentionHour *int
}

// ReadEnvOverrides reads the enumerated environment variables. Malformed
// numeric values are an error rather than a silent fallback.
func ReadEnvOverrides() (EnvOverrides, error) {
	env := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),

		RedisAddr: os.Getenv(EnvRedisAddr),
		GPSKey:    os.Getenv(EnvGPSKey),
		MobileKey: os.Getenv(EnvMobileKey),

		BlobBucket:   os.Getenv(EnvBlobBucket),
		GPSPrefix:    os.Getenv(EnvGPSPrefix),
		MobilePrefix: os.Getenv(EnvMobilePrefix),

		WarehouseProject:  os.Getenv(EnvWarehouseProject),
		WarehouseDataset:  os.Getenv(EnvWarehouseDataset),
		WarehouseRegion:   os.Getenv(EnvWarehouseRegion),
		GPSTable:          os.Getenv(EnvGPSTable),
		MobileTable:       os.Getenv(EnvMobileTable),
		WarehousePriority: os.Getenv(EnvWarehousePriority),

		BackupRoot: os.Getenv(EnvBackupRoot),
	}

	intVars := []struct {
		name string
		dst  **int
	}{
		{EnvTickIntervalMinutes, &env.TickIntervalMinutes},
		{EnvJobTimeoutMS, &env.JobTimeoutMS},
		{EnvMaxBadRecords, &env.MaxBadRecords},
		{EnvBackupMaxRetries, &env.BackupMaxRetries},
		{EnvQuarantineRetentionH, &env.QuarantineRetentionHour},
	}

	for _, v := range intVars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil {
			return EnvOverrides{}, fmt.Errorf("config: %s=%q is not an integer", v.name, raw)
		}

		*v.dst = &n
	}

	return env, nil
}

// apply copies every set override onto cfg.
func (env EnvOverrides) apply(cfg *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}

	setInt(&cfg.Scheduler.TickIntervalMinutes, env.TickIntervalMinutes)

	setString(&cfg.Queue.RedisAddr, env.RedisAddr)
	setString(&cfg.Queue.GPSKey, env.GPSKey)
	setString(&cfg.Queue.MobileKey, env.MobileKey)

	setString(&cfg.Blob.Bucket, env.BlobBucket)
	setString(&cfg.Blob.GPSPrefix, env.GPSPrefix)
	setString(&cfg.Blob.MobilePrefix, env.MobilePrefix)

	setString(&cfg.Warehouse.Project, env.WarehouseProject)
	setString(&cfg.Warehouse.Dataset, env.WarehouseDataset)
	setString(&cfg.Warehouse.Region, env.WarehouseRegion)
	setString(&cfg.Warehouse.GPSTable, env.GPSTable)
	setString(&cfg.Warehouse.MobileTable, env.MobileTable)
	setInt(&cfg.Warehouse.JobTimeoutMS, env.JobTimeoutMS)
	setInt(&cfg.Warehouse.MaxBadRecords, env.MaxBadRecords)
	setString(&cfg.Warehouse.Priority, env.WarehousePriority)

	setString(&cfg.Backup.Root, env.BackupRoot)
	setInt(&cfg.Backup.MaxRetries, env.BackupMaxRetries)
	setInt(&cfg.Backup.QuarantineRetentionHours, env.QuarantineRetentionHour)
}
