package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrace/locship/internal/backup"
)

// ReplayReport summarizes one replay pass over the pending backups.
type ReplayReport struct {
	Attempted   int
	Succeeded   int
	Failed      int
	Quarantined int
	Rejected    int

	// Fatal is set when the backup store itself became unusable and the
	// pass aborted early.
	Fatal error
}

// Replayer re-ships journaled batches before each normal cycle. Entries are
// processed serially, oldest-first across families — replay is a
// pressure-release valve, not a throughput path. A failed entry does not
// stop the pass; only a fatal store error does.
type Replayer struct {
	backups *backup.Store
	shipper *Shipper
	metrics *Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewReplayer wires a Replayer over the backup store and shipper.
func NewReplayer(backups *backup.Store, shipper *Shipper, metrics *Metrics, logger *slog.Logger) *Replayer {
	return &Replayer{
		backups: backups,
		shipper: shipper,
		metrics: metrics,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Replay attempts every pending backup once and reports the outcome of the
// pass. Each attempt re-validates the journaled records and ships them
// under a fresh processing id; the result is recorded via MarkAttempt so
// retry accounting survives the process.
func (r *Replayer) Replay(ctx context.Context) ReplayReport {
	var report ReplayReport

	entries, err := r.backups.ListPending(ctx)
	if err != nil {
		report.Fatal = err
		return report
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			report.Fatal = ctx.Err()
			return report
		}

		report.Attempted++

		if beginErr := r.backups.BeginAttempt(ctx, entry.BackupID); beginErr != nil {
			if errors.Is(beginErr, backup.ErrStoreUnusable) {
				report.Fatal = beginErr
				return report
			}

			// Entry vanished between list and claim; skip it.
			r.logger.Warn("claiming backup entry failed",
				slog.String("backup_id", entry.BackupID),
				slog.String("error", beginErr.Error()),
			)

			report.Failed++

			continue
		}

		batch, rejected := r.reconstruct(entry)
		report.Rejected += rejected

		// An entry whose records all fail re-validation has nothing left
		// to ship; marking it successful retires the file.
		var shipErr error
		if !batch.Empty() {
			_, shipErr = r.shipper.attempt(ctx, batch)
		}

		updated, markErr := r.backups.MarkAttempt(ctx, entry.BackupID, shipErr == nil, shipErr)
		if markErr != nil {
			if errors.Is(markErr, backup.ErrStoreUnusable) {
				report.Fatal = markErr
				return report
			}

			// Entry vanished or similar; log and continue the pass.
			r.logger.Warn("recording replay attempt failed",
				slog.String("backup_id", entry.BackupID),
				slog.String("error", markErr.Error()),
			)

			report.Failed++

			continue
		}

		switch {
		case shipErr == nil:
			report.Succeeded++
			r.metrics.BackupsReplayed.WithLabelValues(entry.Family).Inc()
			r.metrics.RecordsShipped.WithLabelValues(entry.Family).Add(float64(len(batch.Records)))
		case updated.Status == backup.StatusExhausted:
			report.Failed++
			report.Quarantined++
			r.metrics.BackupsQuarantined.WithLabelValues(entry.Family).Inc()
		default:
			report.Failed++
			r.metrics.ShipFailures.WithLabelValues(entry.Family, classify(shipErr)).Inc()
		}
	}

	r.logger.Info("replay pass complete",
		slog.Int("attempted", report.Attempted),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("quarantined", report.Quarantined),
	)

	return report
}

// reconstruct rebuilds a shippable batch from a journal entry. Records are
// re-validated; ones that no longer pass (journal written by an older
// build, say) are dropped and counted, same as on the drain path.
func (r *Replayer) reconstruct(entry *backup.Entry) (*Batch, int) {
	family := Family(entry.Family)

	batch := &Batch{
		Family:       family,
		DrainedAt:    r.nowFunc().UTC(),
		ProcessingID: uuid.NewString(),
	}

	rejected := 0

	for _, raw := range entry.Records {
		record, err := ParseAndValidate(family, string(raw))
		if err != nil {
			rejected++

			reason, _ := IsRejection(err)
			r.metrics.RecordsRejected.WithLabelValues(entry.Family, reason).Inc()

			continue
		}

		batch.Records = append(batch.Records, record)
	}

	batch.Rejected = rejected

	return batch, rejected
}
