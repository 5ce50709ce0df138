package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// pollInterval is the constant delay between job status checks in AwaitLoad.
const pollInterval = 2 * time.Second

// errJobRunning signals the retry loop that the job is not terminal yet.
var errJobRunning = errors.New("warehouse: load job still running")

// BigQueryClient implements Client against BigQuery load jobs.
type BigQueryClient struct {
	bq      *bigquery.Client
	dataset string
	logger  *slog.Logger

	// jobs remembers submitted jobs by id so AwaitLoad can poll them
	// without a second lookup round-trip. Entries for jobs submitted by a
	// previous process are recovered via JobFromID.
	jobs *jobCache
}

// NewBigQueryClient creates a BigQuery-backed warehouse client for one
// project and dataset.
func NewBigQueryClient(ctx context.Context, project, dataset string, logger *slog.Logger, opts ...option.ClientOption) (*BigQueryClient, error) {
	bq, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: creating BigQuery client: %w", errors.Join(ErrPermanentConfig, err))
	}

	return &BigQueryClient{
		bq:      bq,
		dataset: dataset,
		logger:  logger,
		jobs:    newJobCache(),
	}, nil
}

// Close releases the underlying client.
func (c *BigQueryClient) Close() error {
	return c.bq.Close()
}

// StartLoad submits an append load job reading NDJSON from blobURI into
// {dataset}.{table}.
func (c *BigQueryClient) StartLoad(ctx context.Context, blobURI, table string, opts LoadOptions) (string, error) {
	gcsRef := bigquery.NewGCSReference(blobURI)
	gcsRef.SourceFormat = bigquery.JSON
	gcsRef.MaxBadRecords = opts.MaxBadRecords

	loader := c.bq.Dataset(c.dataset).Table(table).LoaderFrom(gcsRef)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateNever
	loader.Location = opts.Location

	// The load-job API exposes no priority knob; opts.Priority is accepted
	// for interface parity and load jobs run at the service default.
	job, err := loader.Run(ctx)
	if err != nil {
		return "", classifyBQ("submitting load for", blobURI, err)
	}

	c.jobs.put(job.ID(), &submittedJob{job: job, blobURI: blobURI, table: table, submittedAt: time.Now()})

	c.logger.Info("load job submitted",
		slog.String("job_id", job.ID()),
		slog.String("blob_uri", blobURI),
		slog.String("table", table),
	)

	return job.ID(), nil
}

// AwaitLoad polls the job at a constant cadence until terminal or timeout.
func (c *BigQueryClient) AwaitLoad(ctx context.Context, jobID string, timeout time.Duration) (*LoadJob, error) {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	sub := c.jobs.get(jobID)
	if sub == nil {
		job, err := c.bq.JobFromID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("warehouse: looking up job %s: %w", jobID, errors.Join(ErrJobNotFound, err))
		}

		sub = &submittedJob{job: job, submittedAt: time.Now()}
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var status *bigquery.JobStatus

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(pollInterval))

	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		st, statusErr := sub.job.Status(ctx)
		if statusErr != nil {
			return retry.RetryableError(statusErr)
		}

		if !st.Done() {
			return retry.RetryableError(errJobRunning)
		}

		status = st

		return nil
	})
	if err != nil {
		// Timeout or persistent polling failure; the job may still finish
		// on the warehouse side, but this batch is treated as failed.
		return nil, fmt.Errorf("warehouse: awaiting job %s: %w", jobID, errors.Join(ErrTransient, err))
	}

	c.jobs.delete(jobID)

	return buildLoadJob(jobID, sub, status), nil
}

// buildLoadJob maps a terminal BigQuery status onto the LoadJob shape.
func buildLoadJob(jobID string, sub *submittedJob, status *bigquery.JobStatus) *LoadJob {
	lj := &LoadJob{
		JobID:       jobID,
		BlobURI:     sub.blobURI,
		Table:       sub.table,
		SubmittedAt: sub.submittedAt,
		CompletedAt: time.Now(),
		State:       StateDone,
	}

	if stats := status.Statistics; stats != nil {
		lj.SubmittedAt = stats.CreationTime
		lj.CompletedAt = stats.EndTime

		if load, ok := stats.Details.(*bigquery.LoadStatistics); ok {
			lj.RowsLoaded = load.OutputRows
			lj.BytesProcessed = load.OutputBytes
		}
	}

	if status.Err() != nil {
		lj.State = StateError
	}

	for _, e := range status.Errors {
		lj.Errors = append(lj.Errors, ErrorDescriptor{
			Reason:   e.Reason,
			Location: e.Location,
			Message:  e.Message,
		})
	}

	return lj
}

// classifyBQ maps vendor errors onto pipeline error kinds.
func classifyBQ(op, subject string, err error) error {
	kind := ErrTransient

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			kind = ErrPermanentConfig
		}
	}

	return fmt.Errorf("warehouse: %s %s: %w", op, subject, errors.Join(kind, err))
}
