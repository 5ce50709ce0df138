// Package backup provides the durable on-disk journal of batches that
// failed to ship. Each failed batch is one JSON file under
// {root}/pending/; entries whose retries exhaust move to {root}/quarantine/
// for operator review. All writes are temp-file-plus-rename so a reader
// never observes a partially written entry.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds replay attempts per entry before quarantine.
const DefaultMaxRetries = 3

const (
	pendingDir    = "pending"
	quarantineDir = "quarantine"

	dirPerms  = 0o700
	filePerms = 0o600
)

// ErrStoreUnusable marks filesystem failures that make the journal
// unreliable. It is fatal to the running cycle: without a working journal
// a failed batch cannot be preserved.
var ErrStoreUnusable = errors.New("backup: store unusable")

// ErrNotFound is returned by MarkAttempt for an unknown backup id.
var ErrNotFound = errors.New("backup: entry not found")

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusExhausted  = "exhausted"
)

// Entry is one journaled batch. Records are kept as raw JSON so the journal
// does not depend on the record schema; the replayer re-parses and
// re-validates them on each attempt.
type Entry struct {
	BackupID   string            `json:"backupId"`
	Family     string            `json:"family"`
	CreatedAt  time.Time         `json:"createdAt"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	Status     string            `json:"status"`
	LastError  string            `json:"lastError,omitempty"`
	Records    []json.RawMessage `json:"records"`
}

// Store is the journal. Per-backupId mutations are serialized by an
// in-process keyed mutex; operations on distinct ids proceed in parallel.
type Store struct {
	root       string
	maxRetries int
	logger     *slog.Logger
	locks      *keyedMutex
	nowFunc    func() time.Time
}

// NewStore creates (if needed) the pending and quarantine directories under
// root. maxRetries <= 0 selects DefaultMaxRetries.
func NewStore(root string, maxRetries int, logger *slog.Logger) (*Store, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	for _, dir := range []string{filepath.Join(root, pendingDir), filepath.Join(root, quarantineDir)} {
		if err := os.MkdirAll(dir, dirPerms); err != nil {
			return nil, fmt.Errorf("backup: creating %s: %w", dir, errors.Join(ErrStoreUnusable, err))
		}
	}

	return &Store{
		root:       root,
		maxRetries: maxRetries,
		logger:     logger,
		locks:      newKeyedMutex(),
		nowFunc:    time.Now,
	}, nil
}

// Create journals a failed batch and returns its backup id. The file is
// written atomically with status=pending and retryCount=0.
func (s *Store) Create(ctx context.Context, family string, records []json.RawMessage, lastErr error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("backup: creating entry: %w", err)
	}

	now := s.nowFunc().UTC()

	entry := Entry{
		BackupID:   newBackupID(now),
		Family:     family,
		CreatedAt:  now,
		RetryCount: 0,
		MaxRetries: s.maxRetries,
		Status:     StatusPending,
		Records:    records,
	}

	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}

	path := s.pendingPath(&entry)
	if err := s.writeEntryAtomic(path, &entry); err != nil {
		return "", err
	}

	s.logger.Warn("batch journaled to backup",
		slog.String("backup_id", entry.BackupID),
		slog.String("family", family),
		slog.Int("records", len(records)),
		slog.String("last_error", entry.LastError),
	)

	return entry.BackupID, nil
}

// ListPending returns pending entries oldest-first by creation time,
// across both families. Unreadable or half-named files are skipped; the
// atomic write discipline means those can only be foreign files.
func (s *Store) ListPending(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backup: listing pending: %w", err)
	}

	dir := filepath.Join(s.root, pendingDir)

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: listing pending: %w", errors.Join(ErrStoreUnusable, err))
	}

	var entries []*Entry

	for _, de := range dirents {
		if de.IsDir() || !strings.HasPrefix(de.Name(), "backup_") || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}

		entry, readErr := readEntry(filepath.Join(dir, de.Name()))
		if readErr != nil {
			s.logger.Warn("skipping unreadable backup file",
				slog.String("file", de.Name()),
				slog.String("error", readErr.Error()),
			)

			continue
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}

		return entries[i].BackupID < entries[j].BackupID
	})

	return entries, nil
}

// BeginAttempt marks an entry in_progress on disk before a replay attempt,
// so an operator inspecting the journal can tell an entry mid-replay from
// one waiting for the next cycle. The entry stays in the pending directory;
// a crash mid-attempt leaves it there and the next cycle retries it.
// MarkAttempt settles the final status.
func (s *Store) BeginAttempt(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("backup: beginning attempt for %s: %w", backupID, err)
	}

	unlock := s.locks.lock(backupID)
	defer unlock()

	path, err := s.findPending(backupID)
	if err != nil {
		return err
	}

	entry, err := readEntry(path)
	if err != nil {
		return fmt.Errorf("backup: reading entry %s: %w", backupID, errors.Join(ErrStoreUnusable, err))
	}

	entry.Status = StatusInProgress

	return s.writeEntryAtomic(path, entry)
}

// MarkAttempt records the outcome of one replay attempt. On success the
// entry file is deleted. On failure the retry counter is incremented and,
// once it reaches maxRetries, the entry moves to quarantine with
// status=exhausted. The returned entry reflects the on-disk state after
// the call.
func (s *Store) MarkAttempt(ctx context.Context, backupID string, success bool, attemptErr error) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backup: marking attempt for %s: %w", backupID, err)
	}

	unlock := s.locks.lock(backupID)
	defer unlock()

	path, err := s.findPending(backupID)
	if err != nil {
		return nil, err
	}

	entry, err := readEntry(path)
	if err != nil {
		return nil, fmt.Errorf("backup: reading entry %s: %w", backupID, errors.Join(ErrStoreUnusable, err))
	}

	if success {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("backup: deleting replayed entry %s: %w", backupID, errors.Join(ErrStoreUnusable, err))
		}

		s.logger.Info("backup replayed and deleted",
			slog.String("backup_id", backupID),
			slog.String("family", entry.Family),
			slog.Int("records", len(entry.Records)),
		)

		return entry, nil
	}

	entry.RetryCount++
	entry.Status = StatusPending
	if attemptErr != nil {
		entry.LastError = attemptErr.Error()
	}

	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = StatusExhausted

		qPath := filepath.Join(s.root, quarantineDir, filepath.Base(path))
		if err := s.writeEntryAtomic(qPath, entry); err != nil {
			return nil, err
		}

		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("backup: removing exhausted entry %s: %w", backupID, errors.Join(ErrStoreUnusable, err))
		}

		s.logger.Error("backup retries exhausted, entry quarantined",
			slog.String("backup_id", backupID),
			slog.String("family", entry.Family),
			slog.Int("retry_count", entry.RetryCount),
			slog.String("last_error", entry.LastError),
		)

		return entry, nil
	}

	if err := s.writeEntryAtomic(path, entry); err != nil {
		return nil, err
	}

	s.logger.Warn("backup replay attempt failed",
		slog.String("backup_id", backupID),
		slog.Int("retry_count", entry.RetryCount),
		slog.Int("max_retries", entry.MaxRetries),
		slog.String("last_error", entry.LastError),
	)

	return entry, nil
}

// ListQuarantined returns quarantined entries oldest-first. Used by the
// status command; quarantined entries are never replayed.
func (s *Store) ListQuarantined(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backup: listing quarantine: %w", err)
	}

	dir := filepath.Join(s.root, quarantineDir)

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: listing quarantine: %w", errors.Join(ErrStoreUnusable, err))
	}

	var entries []*Entry

	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}

		entry, readErr := readEntry(filepath.Join(dir, de.Name()))
		if readErr != nil {
			continue
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

	return entries, nil
}

// findPending locates the pending file carrying backupID. Filenames embed
// the id as the final underscore-separated token before .json.
func (s *Store) findPending(backupID string) (string, error) {
	pattern := filepath.Join(s.root, pendingDir, "backup_*_"+backupID+".json")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("backup: locating entry %s: %w", backupID, errors.Join(ErrStoreUnusable, err))
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("backup: locating entry %s: %w", backupID, ErrNotFound)
	}

	return matches[0], nil
}

func (s *Store) pendingPath(e *Entry) string {
	name := fmt.Sprintf("backup_%s_%s_%s.json", e.Family, e.CreatedAt.Format("20060102_150405"), e.BackupID)

	return filepath.Join(s.root, pendingDir, name)
}

// writeEntryAtomic marshals and writes an entry via temp+rename in the
// destination directory (same filesystem, so the rename is atomic).
func (s *Store) writeEntryAtomic(path string, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encoding entry %s: %w", entry.BackupID, err)
	}

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".backup-*.tmp")
	if err != nil {
		return fmt.Errorf("backup: creating temp file: %w", errors.Join(ErrStoreUnusable, err))
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: setting permissions: %w", errors.Join(ErrStoreUnusable, err))
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: writing entry: %w", errors.Join(ErrStoreUnusable, err))
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: closing temp file: %w", errors.Join(ErrStoreUnusable, err))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("backup: renaming entry into place: %w", errors.Join(ErrStoreUnusable, err))
	}

	success = true

	return nil
}

// readEntry loads and decodes one entry file.
func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}

	return &entry, nil
}

// newBackupID builds a time-ordered unique id: nanosecond timestamp plus a
// short random suffix so two entries created in the same instant stay
// distinct.
func newBackupID(now time.Time) string {
	return fmt.Sprintf("%016x-%s", now.UnixNano(), uuid.NewString()[:8])
}
