// Package warehouse provides the data-warehouse load-job client. The
// production implementation submits BigQuery load jobs against uploaded
// NDJSON blobs; a filesystem implementation serves offline development and
// the scenario tests. Both sit behind the same capability interface,
// selected at construction.
package warehouse

import (
	"context"
	"errors"
	"time"
)

// Job priorities. Batch is the default and queues behind interactive work
// on the warehouse side.
const (
	PriorityBatch       = "batch"
	PriorityInteractive = "interactive"
)

// DefaultJobTimeout bounds AwaitLoad polling when the caller passes zero.
const DefaultJobTimeout = 300 * time.Second

// Error kinds, classified the same way as the blob store.
var (
	ErrTransient       = errors.New("warehouse: transient error")
	ErrPermanentConfig = errors.New("warehouse: permanent configuration error")
	ErrJobNotFound     = errors.New("warehouse: load job not found")
)

// LoadOptions carries the vendor-facing knobs for one load job.
type LoadOptions struct {
	// Location is the warehouse region the job runs in.
	Location string

	// MaxBadRecords is the number of malformed source lines the warehouse
	// may skip before failing the job.
	MaxBadRecords int64

	// Priority is PriorityBatch or PriorityInteractive.
	Priority string

	// JobTimeout bounds AwaitLoad polling. Zero means DefaultJobTimeout.
	JobTimeout time.Duration
}

// Terminal states of a load job.
const (
	StateDone  = "done"
	StateError = "error"
)

// ErrorDescriptor is one warehouse-side error attached to a finished job.
type ErrorDescriptor struct {
	Reason   string
	Location string
	Message  string
}

// LoadJob describes one ingest task after it reached a terminal state.
type LoadJob struct {
	JobID          string
	BlobURI        string
	Table          string
	SubmittedAt    time.Time
	CompletedAt    time.Time
	RowsLoaded     int64
	BytesProcessed int64
	State          string
	Errors         []ErrorDescriptor
}

// Succeeded reports whether the batch behind this job is ingested: the job
// finished cleanly, produced no errors, and loaded at least one row.
func (j *LoadJob) Succeeded() bool {
	return j.State == StateDone && len(j.Errors) == 0 && j.RowsLoaded > 0
}

// Client is the capability interface the shipper consumes.
type Client interface {
	// StartLoad submits a load job ingesting the blob at blobURI into the
	// named table with append semantics, returning the vendor job id.
	StartLoad(ctx context.Context, blobURI, table string, opts LoadOptions) (string, error)

	// AwaitLoad polls the job until it reaches a terminal state or timeout
	// elapses. A timeout is a failure: the returned error is transient and
	// the batch is routed to backup.
	AwaitLoad(ctx context.Context, jobID string, timeout time.Duration) (*LoadJob, error)
}
