package pipeline

import (
	"errors"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/blob"
	"github.com/fleettrace/locship/internal/queue"
	"github.com/fleettrace/locship/internal/warehouse"
)

// Error kinds surfaced at stage boundaries. Used as metric label values and
// recorded in the cycle ledger.
const (
	KindTransient       = "transient_io"
	KindPermanentConfig = "permanent_config"
	KindBackupFatal     = "backup_persist_fatal"
	KindLoadRejected    = "load_job_failed"
	KindUnknown         = "unknown"
)

// classify maps an error from any external client onto the pipeline's
// error-kind taxonomy.
func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, backup.ErrStoreUnusable):
		return KindBackupFatal
	case errors.Is(err, blob.ErrPermanentConfig), errors.Is(err, warehouse.ErrPermanentConfig):
		return KindPermanentConfig
	case errors.Is(err, queue.ErrTransient), errors.Is(err, blob.ErrTransient), errors.Is(err, warehouse.ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}
