package warehouse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FSWarehouse implements Client on the local filesystem for offline
// development and tests. A "load job" reads the NDJSON blob behind a
// file:// URI, validates each line as JSON, and appends the lines to
// {root}/{table}.ndjson. Jobs complete synchronously inside StartLoad;
// AwaitLoad just returns the recorded result.
type FSWarehouse struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*LoadJob

	nowFunc func() time.Time
}

// NewFSWarehouse creates a filesystem warehouse rooted at root.
func NewFSWarehouse(root string, logger *slog.Logger) (*FSWarehouse, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("warehouse: creating simulation root %s: %w", root, errors.Join(ErrPermanentConfig, err))
	}

	return &FSWarehouse{
		root:    root,
		logger:  logger,
		jobs:    make(map[string]*LoadJob),
		nowFunc: time.Now,
	}, nil
}

// StartLoad performs the load immediately and records the terminal job.
func (w *FSWarehouse) StartLoad(ctx context.Context, blobURI, table string, opts LoadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("warehouse: submitting load for %s: %w", blobURI, errors.Join(ErrTransient, err))
	}

	jobID := "fsjob_" + uuid.NewString()
	submittedAt := w.nowFunc()

	job := &LoadJob{
		JobID:       jobID,
		BlobURI:     blobURI,
		Table:       table,
		SubmittedAt: submittedAt,
		State:       StateDone,
	}

	rows, bytesRead, err := w.ingest(blobURI, table, opts.MaxBadRecords)
	if err != nil {
		job.State = StateError
		job.Errors = append(job.Errors, ErrorDescriptor{
			Reason:  "invalid",
			Message: err.Error(),
		})
	}

	job.RowsLoaded = rows
	job.BytesProcessed = bytesRead
	job.CompletedAt = w.nowFunc()

	w.mu.Lock()
	w.jobs[jobID] = job
	w.mu.Unlock()

	w.logger.Debug("load job completed (simulation)",
		slog.String("job_id", jobID),
		slog.String("table", table),
		slog.Int64("rows", rows),
		slog.String("state", job.State),
	)

	return jobID, nil
}

// AwaitLoad returns the recorded terminal job.
func (w *FSWarehouse) AwaitLoad(ctx context.Context, jobID string, timeout time.Duration) (*LoadJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: awaiting job %s: %w", jobID, errors.Join(ErrTransient, err))
	}

	w.mu.Lock()
	job, ok := w.jobs[jobID]
	w.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("warehouse: awaiting job %s: %w", jobID, ErrJobNotFound)
	}

	return job, nil
}

// RowCount reports the number of rows in a table file. Used by the status
// command and the scenario tests.
func (w *FSWarehouse) RowCount(table string) (int64, error) {
	data, err := os.ReadFile(w.tablePath(table))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("warehouse: counting rows in %s: %w", table, err)
	}

	var rows int64

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			rows++
		}
	}

	return rows, sc.Err()
}

// ingest appends the blob's NDJSON lines to the table file, tolerating up
// to maxBad malformed lines.
func (w *FSWarehouse) ingest(blobURI, table string, maxBad int64) (rows, bytesRead int64, err error) {
	path := strings.TrimPrefix(blobURI, "file://")
	if path == blobURI {
		return 0, 0, fmt.Errorf("unsupported blob URI %q (simulation accepts file:// only)", blobURI)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading source blob: %w", err)
	}

	var good [][]byte
	var bad int64

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) {
			bad++
			continue
		}

		good = append(good, append([]byte(nil), line...))
	}

	if scanErr := sc.Err(); scanErr != nil {
		return 0, 0, fmt.Errorf("scanning source blob: %w", scanErr)
	}

	if bad > maxBad {
		return 0, int64(len(data)), fmt.Errorf("%d malformed lines exceed max bad records %d", bad, maxBad)
	}

	f, err := os.OpenFile(w.tablePath(table), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, int64(len(data)), fmt.Errorf("opening table file: %w", err)
	}
	defer f.Close()

	for _, line := range good {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return rows, int64(len(data)), fmt.Errorf("appending to table file: %w", err)
		}

		rows++
	}

	return rows, int64(len(data)), nil
}

func (w *FSWarehouse) tablePath(table string) string {
	return filepath.Join(w.root, table+".ndjson")
}
