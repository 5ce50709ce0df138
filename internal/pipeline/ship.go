package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/blob"
	"github.com/fleettrace/locship/internal/warehouse"
)

// blobTimeLayout names objects with a millisecond UTC timestamp, matching
// the fixed naming contract {prefix}/{ts}_{processingId}.json.
const blobTimeLayout = "2006-01-02T15-04-05.000Z"

// ShipStatus is the tagged outcome of one ship call.
type ShipStatus int

const (
	// ShipOK: the batch is in the warehouse (or was empty).
	ShipOK ShipStatus = iota

	// ShipRecoverable: shipping failed but the records are journaled; the
	// replayer retries them on later cycles.
	ShipRecoverable

	// ShipFatal: shipping failed AND the backup store could not journal
	// the records. The cycle surfaces this as a fatal error.
	ShipFatal
)

// ShipResult reports one batch's outcome.
type ShipResult struct {
	Family         Family
	Status         ShipStatus
	RecordsShipped int
	JobID          string
	BlobURI        string
	BytesProcessed int64
	BackupID       string
	ErrKind        string
	Err            error
}

// Shipper moves one drained batch through upload and warehouse load, with
// the local backup store as the fallback for any downstream failure.
//
// There is no in-call retry: the scheduler tick is the retry cadence, and
// retrying inside the call would let a stuck external system stretch the
// tick unboundedly.
type Shipper struct {
	blobs    blob.Store
	wh       warehouse.Client
	backups  *backup.Store
	tables   map[Family]string
	prefixes map[Family]string
	loadOpts warehouse.LoadOptions
	metrics  *Metrics
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewShipper wires a Shipper. tables and prefixes map each family to its
// warehouse table and blob name prefix.
func NewShipper(
	blobs blob.Store,
	wh warehouse.Client,
	backups *backup.Store,
	tables, prefixes map[Family]string,
	loadOpts warehouse.LoadOptions,
	metrics *Metrics,
	logger *slog.Logger,
) *Shipper {
	return &Shipper{
		blobs:    blobs,
		wh:       wh,
		backups:  backups,
		tables:   tables,
		prefixes: prefixes,
		loadOpts: loadOpts,
		metrics:  metrics,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Ship runs the staged pipeline for one batch. Empty batches succeed with
// zero records. On upload or load failure the original records (not the
// orphan blob) are journaled: the replayer re-uploads under a fresh
// processing id, so a batch is loaded at most once and attempted until its
// retries exhaust. A failure to journal is fatal.
func (s *Shipper) Ship(ctx context.Context, b *Batch) ShipResult {
	if b.Empty() {
		s.logger.Info("nothing to ship", slog.String("family", string(b.Family)))

		return ShipResult{Family: b.Family, Status: ShipOK}
	}

	att, err := s.attempt(ctx, b)
	if err == nil {
		s.metrics.RecordsShipped.WithLabelValues(string(b.Family)).Add(float64(len(b.Records)))

		return ShipResult{
			Family:         b.Family,
			Status:         ShipOK,
			RecordsShipped: len(b.Records),
			JobID:          att.jobID,
			BlobURI:        att.blobURI,
			BytesProcessed: att.bytesProcessed,
		}
	}

	kind := classify(err)
	s.metrics.ShipFailures.WithLabelValues(string(b.Family), kind).Inc()

	s.logger.Error("ship failed, journaling batch",
		slog.String("family", string(b.Family)),
		slog.String("processing_id", b.ProcessingID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)

	backupID, backupErr := s.journal(ctx, b, err)
	if backupErr != nil {
		s.metrics.ShipFailures.WithLabelValues(string(b.Family), KindBackupFatal).Inc()

		return ShipResult{
			Family:  b.Family,
			Status:  ShipFatal,
			ErrKind: KindBackupFatal,
			Err:     fmt.Errorf("pipeline: journaling failed batch: %w", backupErr),
		}
	}

	s.metrics.BackupsCreated.WithLabelValues(string(b.Family)).Inc()

	return ShipResult{
		Family:   b.Family,
		Status:   ShipRecoverable,
		BackupID: backupID,
		ErrKind:  kind,
		Err:      err,
	}
}

// attemptOutcome carries the stage outputs of one successful attempt.
type attemptOutcome struct {
	jobID          string
	blobURI        string
	bytesProcessed int64
}

// attempt runs encode → upload → load → await without any fallback. Shared
// by Ship (which adds the backup fallback) and the replayer (which reports
// the outcome to the backup store instead).
func (s *Shipper) attempt(ctx context.Context, b *Batch) (attemptOutcome, error) {
	body, err := EncodeNDJSON(b.Records)
	if err != nil {
		return attemptOutcome{}, err
	}

	name := s.blobName(b)

	md := blob.Metadata{
		DataType:     string(b.Family),
		ProcessingID: b.ProcessingID,
		RecordCount:  len(b.Records),
		UploadedAt:   s.nowFunc().UTC(),
		Format:       blob.FormatNDJSON,
	}

	info, err := s.blobs.Upload(ctx, name, body, md)
	if err != nil {
		return attemptOutcome{}, err
	}

	s.logger.Info("batch uploaded",
		slog.String("family", string(b.Family)),
		slog.String("uri", info.URI),
		slog.Int("records", len(b.Records)),
		slog.Int64("size_bytes", info.SizeBytes),
	)

	table := s.tables[b.Family]

	jobID, err := s.wh.StartLoad(ctx, info.URI, table, s.loadOpts)
	if err != nil {
		return attemptOutcome{blobURI: info.URI}, err
	}

	job, err := s.wh.AwaitLoad(ctx, jobID, s.loadOpts.JobTimeout)
	if err != nil {
		return attemptOutcome{jobID: jobID, blobURI: info.URI}, err
	}

	if !job.Succeeded() {
		return attemptOutcome{jobID: jobID, blobURI: info.URI},
			fmt.Errorf("pipeline: load job %s for %s finished unsuccessfully (state=%s rows=%d errors=%d): %w",
				jobID, b.Family, job.State, job.RowsLoaded, len(job.Errors), warehouse.ErrTransient)
	}

	s.logger.Info("batch loaded",
		slog.String("family", string(b.Family)),
		slog.String("job_id", jobID),
		slog.String("table", table),
		slog.Int64("rows", job.RowsLoaded),
		slog.Int64("bytes", job.BytesProcessed),
	)

	return attemptOutcome{jobID: jobID, blobURI: info.URI, bytesProcessed: job.BytesProcessed}, nil
}

// journal writes the batch's normalized records to the backup store.
func (s *Shipper) journal(ctx context.Context, b *Batch, cause error) (string, error) {
	raw := make([]json.RawMessage, len(b.Records))

	for i := range b.Records {
		line, err := json.Marshal(b.Records[i])
		if err != nil {
			return "", fmt.Errorf("pipeline: encoding record for backup: %w", err)
		}

		raw[i] = line
	}

	return s.backups.Create(ctx, string(b.Family), raw, cause)
}

// blobName derives {prefix}/{timestamp}_{processingId}.json from the batch.
func (s *Shipper) blobName(b *Batch) string {
	return fmt.Sprintf("%s/%s_%s.json",
		s.prefixes[b.Family],
		b.DrainedAt.UTC().Format(blobTimeLayout),
		b.ProcessingID,
	)
}
