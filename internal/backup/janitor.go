package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultQuarantineRetention is how long quarantined entries are kept
// before the janitor removes them.
const DefaultQuarantineRetention = 24 * time.Hour

// SweepQuarantine deletes quarantined entries older than retention and any
// leftover temp files from interrupted writes. It runs off the cycle's hot
// path; pending entries are never touched.
func (s *Store) SweepQuarantine(ctx context.Context, retention time.Duration) (removed int, err error) {
	if retention <= 0 {
		retention = DefaultQuarantineRetention
	}

	cutoff := s.nowFunc().Add(-retention)

	dir := filepath.Join(s.root, quarantineDir)

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("backup: sweeping quarantine: %w", errors.Join(ErrStoreUnusable, err))
	}

	for _, de := range dirents {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("backup: sweeping quarantine: %w", err)
		}

		if de.IsDir() {
			continue
		}

		path := filepath.Join(dir, de.Name())

		// Stray temp files from a crash mid-write are always removed.
		if strings.HasPrefix(de.Name(), ".backup-") && strings.HasSuffix(de.Name(), ".tmp") {
			if os.Remove(path) == nil {
				removed++
			}

			continue
		}

		entry, readErr := readEntry(path)
		if readErr != nil {
			continue
		}

		if entry.CreatedAt.After(cutoff) {
			continue
		}

		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("failed to remove expired quarantine entry",
				slog.String("file", de.Name()),
				slog.String("error", rmErr.Error()),
			)

			continue
		}

		removed++

		s.logger.Info("expired quarantine entry removed",
			slog.String("backup_id", entry.BackupID),
			slog.String("family", entry.Family),
			slog.Time("created_at", entry.CreatedAt),
		)
	}

	return removed, nil
}

// SweepPendingTemp removes stray temp files in the pending directory left
// by a crash between CreateTemp and rename. Real entries are untouched.
func (s *Store) SweepPendingTemp() int {
	dir := filepath.Join(s.root, pendingDir)

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0

	for _, de := range dirents {
		if de.IsDir() || !strings.HasPrefix(de.Name(), ".backup-") || !strings.HasSuffix(de.Name(), ".tmp") {
			continue
		}

		if os.Remove(filepath.Join(dir, de.Name())) == nil {
			removed++
		}
	}

	return removed
}
