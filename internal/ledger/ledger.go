// Package ledger persists cycle outcomes to a local SQLite database. The
// serve loop records every cycle after it finishes; the status command
// reads recent history back. The database is append-mostly and small: one
// row per cycle plus one row per family outcome.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleettrace/locship/internal/pipeline"
)

// CycleRow is one recorded cycle, as read back from the database.
type CycleRow struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    bool
	Fatal      string

	ReplayAttempted   int
	ReplaySucceeded   int
	ReplayFailed      int
	ReplayQuarantined int

	Outcomes []OutcomeRow
}

// OutcomeRow is one family's outcome within a recorded cycle.
type OutcomeRow struct {
	Family   string
	Drained  int
	Rejected int
	Shipped  int
	Failed   bool
	ErrKind  string
	BackupID string
}

// Ledger owns the cycle-history database. Sole-writer: the serve loop
// records cycles sequentially and the status command opens its own
// read connection.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the cycle database at dbPath and runs
// pending schema migrations.
func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("cycle ledger opened", slog.String("db_path", dbPath))

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordCycle writes one finished cycle and its per-family outcomes in a
// single transaction.
func (l *Ledger) RecordCycle(ctx context.Context, res *pipeline.CycleResult) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin record cycle: %w", err)
	}
	defer tx.Rollback()

	var fatal string
	if res.Fatal != nil {
		fatal = res.Fatal.Error()
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO cycles
			(started_at, finished_at, skipped, fatal,
			 replay_attempted, replay_succeeded, replay_failed, replay_quarantined)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.StartedAt.UnixNano(), res.FinishedAt.UnixNano(),
		boolToInt(res.Skipped), fatal,
		res.Replay.Attempted, res.Replay.Succeeded,
		res.Replay.Failed, res.Replay.Quarantined,
	)
	if err != nil {
		return fmt.Errorf("ledger: inserting cycle: %w", err)
	}

	cycleID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledger: cycle insert ID: %w", err)
	}

	for _, family := range pipeline.Families() {
		outcome, ok := res.Outcomes[family]
		if !ok {
			continue
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO cycle_outcomes
				(cycle_id, family, drained, rejected, shipped, failed, err_kind, backup_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cycleID, string(family),
			outcome.Drained, outcome.Rejected, outcome.Ship.RecordsShipped,
			boolToInt(outcome.Failed()), outcome.Ship.ErrKind, outcome.Ship.BackupID,
		)
		if err != nil {
			return fmt.Errorf("ledger: inserting %s outcome: %w", family, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit record cycle: %w", err)
	}

	l.logger.Debug("cycle recorded", slog.Int64("cycle_id", cycleID))

	return nil
}

// RecentCycles returns the most recent cycles, newest first, with their
// family outcomes attached.
func (l *Ledger) RecentCycles(ctx context.Context, limit int) ([]CycleRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, skipped, fatal,
			replay_attempted, replay_succeeded, replay_failed, replay_quarantined
		 FROM cycles ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: loading recent cycles: %w", err)
	}
	defer rows.Close()

	var cycles []CycleRow

	for rows.Next() {
		var (
			c        CycleRow
			started  int64
			finished int64
			skipped  int
		)

		err := rows.Scan(&c.ID, &started, &finished, &skipped, &c.Fatal,
			&c.ReplayAttempted, &c.ReplaySucceeded, &c.ReplayFailed, &c.ReplayQuarantined)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning cycle row: %w", err)
		}

		c.StartedAt = time.Unix(0, started).UTC()
		c.FinishedAt = time.Unix(0, finished).UTC()
		c.Skipped = skipped != 0

		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating cycle rows: %w", err)
	}

	for i := range cycles {
		outcomes, err := l.loadOutcomes(ctx, cycles[i].ID)
		if err != nil {
			return nil, err
		}

		cycles[i].Outcomes = outcomes
	}

	return cycles, nil
}

func (l *Ledger) loadOutcomes(ctx context.Context, cycleID int64) ([]OutcomeRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT family, drained, rejected, shipped, failed, err_kind, backup_id
		 FROM cycle_outcomes WHERE cycle_id = ? ORDER BY family`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("ledger: loading outcomes for cycle %d: %w", cycleID, err)
	}
	defer rows.Close()

	var outcomes []OutcomeRow

	for rows.Next() {
		var (
			o      OutcomeRow
			failed int
		)

		err := rows.Scan(&o.Family, &o.Drained, &o.Rejected, &o.Shipped, &failed, &o.ErrKind, &o.BackupID)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning outcome row: %w", err)
		}

		o.Failed = failed != 0

		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating outcome rows: %w", err)
	}

	return outcomes, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
