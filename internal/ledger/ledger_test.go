package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleettrace/locship/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "cycles.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { l.Close() })

	return l
}

func sampleResult(started time.Time) *pipeline.CycleResult {
	return &pipeline.CycleResult{
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Replay:     pipeline.ReplayReport{Attempted: 1, Succeeded: 1},
		Outcomes: map[pipeline.Family]*pipeline.FamilyOutcome{
			pipeline.FamilyGPS: {
				Family:   pipeline.FamilyGPS,
				Drained:  3,
				Rejected: 1,
				Ship:     pipeline.ShipResult{Family: pipeline.FamilyGPS, RecordsShipped: 2},
			},
			pipeline.FamilyMobile: {
				Family: pipeline.FamilyMobile,
				Ship:   pipeline.ShipResult{Family: pipeline.FamilyMobile},
			},
		},
	}
}

func TestRecordCycle_RoundTrip(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx := context.Background()

	started := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	if err := l.RecordCycle(ctx, sampleResult(started)); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	cycles, err := l.RecentCycles(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}

	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}

	c := cycles[0]

	if !c.StartedAt.Equal(started) || !c.FinishedAt.Equal(started.Add(2*time.Second)) {
		t.Fatalf("timestamps = %v / %v", c.StartedAt, c.FinishedAt)
	}

	if c.Skipped || c.Fatal != "" {
		t.Fatalf("cycle = %+v, want clean", c)
	}

	if c.ReplayAttempted != 1 || c.ReplaySucceeded != 1 {
		t.Fatalf("replay counts = %+v", c)
	}

	if len(c.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(c.Outcomes))
	}

	// ORDER BY family: gps before mobile.
	gps := c.Outcomes[0]
	if gps.Family != "gps" || gps.Drained != 3 || gps.Rejected != 1 || gps.Shipped != 2 || gps.Failed {
		t.Fatalf("gps outcome = %+v", gps)
	}
}

func TestRecordCycle_FatalAndFailureSurvive(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx := context.Background()

	res := sampleResult(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	res.Fatal = errors.New("backup store unusable")
	res.Outcomes[pipeline.FamilyGPS].Ship = pipeline.ShipResult{
		Family:   pipeline.FamilyGPS,
		Status:   pipeline.ShipRecoverable,
		BackupID: "abc123",
		ErrKind:  pipeline.KindTransient,
	}

	if err := l.RecordCycle(ctx, res); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	cycles, err := l.RecentCycles(ctx, 1)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}

	c := cycles[0]

	if c.Fatal != "backup store unusable" {
		t.Fatalf("fatal = %q", c.Fatal)
	}

	gps := c.Outcomes[0]
	if !gps.Failed || gps.ErrKind != pipeline.KindTransient || gps.BackupID != "abc123" {
		t.Fatalf("gps outcome = %+v", gps)
	}
}

func TestRecentCycles_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := l.RecordCycle(ctx, sampleResult(base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordCycle %d: %v", i, err)
		}
	}

	cycles, err := l.RecentCycles(ctx, 3)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}

	if len(cycles) != 3 {
		t.Fatalf("cycles = %d, want 3", len(cycles))
	}

	for i := 1; i < len(cycles); i++ {
		if !cycles[i].StartedAt.Before(cycles[i-1].StartedAt) {
			t.Fatalf("cycles not newest-first: %v then %v", cycles[i-1].StartedAt, cycles[i].StartedAt)
		}
	}
}

func TestRecordCycle_SkippedCycleHasNoOutcomes(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx := context.Background()

	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	res := &pipeline.CycleResult{
		Skipped:    true,
		StartedAt:  now,
		FinishedAt: now,
		Outcomes:   map[pipeline.Family]*pipeline.FamilyOutcome{},
	}

	if err := l.RecordCycle(ctx, res); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	cycles, err := l.RecentCycles(ctx, 1)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}

	if !cycles[0].Skipped || len(cycles[0].Outcomes) != 0 {
		t.Fatalf("cycle = %+v, want skipped with no outcomes", cycles[0])
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "cycles.db")
	ctx := context.Background()

	l, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.RecordCycle(ctx, sampleResult(time.Now().UTC())); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migrations are idempotent; existing rows survive a reopen.
	l2, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	cycles, err := l2.RecentCycles(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}

	if len(cycles) != 1 {
		t.Fatalf("cycles after reopen = %d, want 1", len(cycles))
	}
}
