package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/blob"
	"github.com/fleettrace/locship/internal/warehouse"
)

// Happy path: three GPS records drain, upload as one NDJSON blob in order,
// load as one job, leave no backups behind.
func TestCycle_HappyGPS(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries...)

	res := h.coord.RunCycle(ctx)

	if res.Skipped || res.Fatal != nil {
		t.Fatalf("cycle = skipped %v fatal %v", res.Skipped, res.Fatal)
	}

	gps := res.Outcomes[FamilyGPS]
	if gps.Failed() || gps.Ship.RecordsShipped != 3 {
		t.Fatalf("gps outcome = %+v", gps)
	}

	if n := h.queueLen(t, gpsKey); n != 0 {
		t.Fatalf("queue length = %d, want 0", n)
	}

	objs, err := h.fsBlobs.List(ctx, "gps-data/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(objs) != 1 {
		t.Fatalf("blobs = %d, want 1", len(objs))
	}

	body, err := h.fsBlobs.Read(ctx, objs[0].Name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	var devices []string

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		r, parseErr := ParseAndValidate(FamilyGPS, sc.Text())
		if parseErr != nil {
			t.Fatalf("blob line unparseable: %v", parseErr)
		}

		devices = append(devices, r.DeviceID)
	}

	if strings.Join(devices, ",") != "A,B,C" {
		t.Fatalf("blob order = %v, want [A B C]", devices)
	}

	if rows := h.rows(t, gpsTable); rows != 3 {
		t.Fatalf("warehouse rows = %d, want 3", rows)
	}

	if entries := h.pending(t); len(entries) != 0 {
		t.Fatalf("pending backups = %d, want 0", len(entries))
	}
}

// Blob store down: the queue still empties, no blob lands, and the batch is
// journaled with retryCount 0.
func TestCycle_BlobStoreFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries...)
	h.blobs.setUploadErr(fmt.Errorf("blob: uploading: %w", blob.ErrTransient))

	res := h.coord.RunCycle(ctx)

	if res.Fatal != nil {
		t.Fatalf("fatal = %v, want recoverable failure", res.Fatal)
	}

	gps := res.Outcomes[FamilyGPS]
	if gps.Ship.Status != ShipRecoverable || gps.Ship.BackupID == "" {
		t.Fatalf("gps ship = %+v, want recoverable with backup id", gps.Ship)
	}

	if gps.Ship.ErrKind != KindTransient {
		t.Fatalf("ErrKind = %q, want %q", gps.Ship.ErrKind, KindTransient)
	}

	if n := h.queueLen(t, gpsKey); n != 0 {
		t.Fatalf("queue length = %d, want 0 (drain already happened)", n)
	}

	objs, _ := h.fsBlobs.List(ctx, "")
	if len(objs) != 0 {
		t.Fatalf("blobs = %v, want none", objs)
	}

	entries := h.pending(t)
	if len(entries) != 1 {
		t.Fatalf("pending backups = %d, want 1", len(entries))
	}

	e := entries[0]
	if e.Family != "gps" || e.RetryCount != 0 || len(e.Records) != 3 {
		t.Fatalf("backup entry = %+v", e)
	}
}

// Recovery: the next cycle replays the journaled batch once the blob store
// is healthy again.
func TestCycle_ReplayOnNextTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries...)
	h.blobs.setUploadErr(fmt.Errorf("blob: uploading: %w", blob.ErrTransient))
	h.coord.RunCycle(ctx)

	h.blobs.setUploadErr(nil)

	res := h.coord.RunCycle(ctx)

	if res.Replay.Attempted != 1 || res.Replay.Succeeded != 1 {
		t.Fatalf("replay = %+v, want one success", res.Replay)
	}

	if entries := h.pending(t); len(entries) != 0 {
		t.Fatalf("pending backups = %d, want 0 after replay", len(entries))
	}

	objs, _ := h.fsBlobs.List(ctx, "gps-data/")
	if len(objs) != 1 {
		t.Fatalf("blobs = %d, want 1 fresh blob", len(objs))
	}

	if rows := h.rows(t, gpsTable); rows != 3 {
		t.Fatalf("warehouse rows = %d, want 3", rows)
	}
}

// Partial validation: the invalid record is dropped and counted, the valid
// ones ship.
func TestCycle_PartialValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey,
		gpsEntries[0],
		`{"deviceId":"X","lat":999,"lng":-77.05,"timestamp":"2024-01-15T10:30:30Z"}`,
		gpsEntries[2],
	)

	res := h.coord.RunCycle(ctx)

	gps := res.Outcomes[FamilyGPS]
	if gps.Failed() {
		t.Fatalf("gps outcome = %+v", gps)
	}

	if gps.Drained != 3 || gps.Rejected != 1 || gps.Ship.RecordsShipped != 2 {
		t.Fatalf("gps = drained %d rejected %d shipped %d, want 3/1/2",
			gps.Drained, gps.Rejected, gps.Ship.RecordsShipped)
	}

	if rows := h.rows(t, gpsTable); rows != 2 {
		t.Fatalf("warehouse rows = %d, want 2", rows)
	}

	if entries := h.pending(t); len(entries) != 0 {
		t.Fatalf("pending backups = %d, want 0", len(entries))
	}
}

// Per-family isolation: a mobile load failure leaves GPS untouched.
func TestCycle_MixedFamiliesOneFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries[0], gpsEntries[1])
	h.seed(t, mobileKey, mobileEntries...)
	h.wh.failTable(mobileTable, fmt.Errorf("warehouse: load denied: %w", warehouse.ErrTransient))

	res := h.coord.RunCycle(ctx)

	gps := res.Outcomes[FamilyGPS]
	if gps.Failed() || gps.Ship.RecordsShipped != 2 {
		t.Fatalf("gps outcome = %+v, want success", gps)
	}

	if rows := h.rows(t, gpsTable); rows != 2 {
		t.Fatalf("gps rows = %d, want 2", rows)
	}

	mobile := res.Outcomes[FamilyMobile]
	if mobile.Ship.Status != ShipRecoverable {
		t.Fatalf("mobile ship = %+v, want recoverable", mobile.Ship)
	}

	if rows := h.rows(t, mobileTable); rows != 0 {
		t.Fatalf("mobile rows = %d, want 0", rows)
	}

	// The mobile blob was uploaded before the load failed; it is a
	// tolerated orphan.
	objs, _ := h.fsBlobs.List(ctx, "mobile-data/")
	if len(objs) != 1 {
		t.Fatalf("mobile blobs = %d, want 1 orphan", len(objs))
	}

	entries := h.pending(t)
	if len(entries) != 1 || entries[0].Family != "mobile" || len(entries[0].Records) != 2 {
		t.Fatalf("pending = %+v, want one mobile backup with 2 records", entries)
	}
}

// Exhaustion: with maxRetries=3, the batch gets one original attempt plus
// three replays, then lands in quarantine and is never listed again.
func TestCycle_RetriesExhaustToQuarantine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries...)
	h.blobs.setUploadErr(fmt.Errorf("blob: uploading: %w", blob.ErrTransient))

	// Cycle 1 fails the original ship and creates the backup; cycles 2-4
	// fail the replays.
	for i := 0; i < 4; i++ {
		res := h.coord.RunCycle(ctx)
		if res.Fatal != nil {
			t.Fatalf("fatal = %v", res.Fatal)
		}
	}

	if entries := h.pending(t); len(entries) != 0 {
		t.Fatalf("pending = %d, want 0 after exhaustion", len(entries))
	}

	quarantined, err := h.backups.ListQuarantined(ctx)
	if err != nil {
		t.Fatalf("ListQuarantined: %v", err)
	}

	if len(quarantined) != 1 || quarantined[0].Status != "exhausted" || quarantined[0].RetryCount != 3 {
		t.Fatalf("quarantined = %+v", quarantined)
	}

	// The next cycle's replay pass sees nothing.
	res := h.coord.RunCycle(ctx)
	if res.Replay.Attempted != 0 {
		t.Fatalf("replay attempted = %d, want 0", res.Replay.Attempted)
	}
}

// Replay runs before drain: the journaled batch's rows land in the table
// before the freshly drained batch's rows.
func TestCycle_ReplayBeforeDrain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	// Cycle 1: journal a batch with device OLD.
	h.seed(t, gpsKey, `{"deviceId":"OLD","lat":1,"lng":2,"timestamp":"2024-01-15T10:00:00Z"}`)
	h.blobs.setUploadErr(fmt.Errorf("down: %w", blob.ErrTransient))
	h.coord.RunCycle(ctx)

	// Cycle 2: healthy, with device NEW queued.
	h.blobs.setUploadErr(nil)
	h.seed(t, gpsKey, `{"deviceId":"NEW","lat":3,"lng":4,"timestamp":"2024-01-15T10:05:00Z"}`)
	h.coord.RunCycle(ctx)

	body, err := h.fswh.RowCount(gpsTable)
	if err != nil || body != 2 {
		t.Fatalf("rows = %d (err %v), want 2", body, err)
	}

	objs, _ := h.fsBlobs.List(ctx, "gps-data/")
	if len(objs) != 2 {
		t.Fatalf("blobs = %d, want 2 (replay uploads a fresh blob)", len(objs))
	}
}

// Overlapping ticks: a second tick while the cycle mutex is held is dropped.
func TestCycle_SkipWhenBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.coord.cycleMu.Lock()
	res := h.coord.RunCycle(context.Background())
	h.coord.cycleMu.Unlock()

	if !res.Skipped {
		t.Fatal("cycle should be skipped while mutex is held")
	}

	// With the mutex free the cycle runs normally.
	res = h.coord.RunCycle(context.Background())
	if res.Skipped {
		t.Fatal("cycle should run once mutex is free")
	}
}

// No-loss accounting: shipped + journaled + rejected covers every drained
// record even when one family fails.
func TestCycle_NoLossAccounting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey,
		gpsEntries[0],
		`{"deviceId":"","lat":1,"lng":2,"timestamp":"2024-01-15T10:30:00Z"}`, // rejected
		gpsEntries[2],
	)
	h.seed(t, mobileKey, mobileEntries...)
	h.wh.failTable(mobileTable, fmt.Errorf("down: %w", warehouse.ErrTransient))

	const totalSeeded = 5

	res := h.coord.RunCycle(ctx)

	shipped := 0
	rejected := 0

	for _, outcome := range res.Outcomes {
		shipped += outcome.Ship.RecordsShipped
		rejected += outcome.Rejected
	}

	journaled := 0
	for _, e := range h.pending(t) {
		journaled += len(e.Records)
	}

	if shipped+rejected+journaled != totalSeeded {
		t.Fatalf("shipped %d + rejected %d + journaled %d != %d",
			shipped, rejected, journaled, totalSeeded)
	}
}

// Fatal path: an unusable backup store aborts the cycle at the replay
// stage, before anything is drained. The queue keeps its records instead
// of being emptied into a journal that cannot hold them.
func TestCycle_BackupUnusableIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.seed(t, gpsKey, gpsEntries...)
	breakBackupStore(t, h)

	res := h.coord.RunCycle(ctx)

	if res.Fatal == nil {
		t.Fatal("cycle should surface a fatal error")
	}

	if !errors.Is(res.Fatal, backup.ErrStoreUnusable) {
		t.Fatalf("fatal = %v, want store-unusable", res.Fatal)
	}

	if n := h.queueLen(t, gpsKey); n != int64(len(gpsEntries)) {
		t.Fatalf("queue len = %d, want %d (nothing drained)", n, len(gpsEntries))
	}
}

// Empty queues: a cycle over empty queues succeeds with zero records.
func TestCycle_EmptyQueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	res := h.coord.RunCycle(context.Background())

	if res.Skipped || res.Fatal != nil {
		t.Fatalf("result = %+v", res)
	}

	for family, outcome := range res.Outcomes {
		if outcome.Failed() || outcome.Drained != 0 {
			t.Fatalf("%s outcome = %+v, want clean empty", family, outcome)
		}
	}
}

// Shutdown before the cycle starts: nothing is drained, the queue keeps
// its records, and the cycle reports a structured failure.
func TestCycle_CanceledBeforeStagesLeavesQueueIntact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.seed(t, gpsKey, gpsEntries...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.coord.RunCycle(ctx)

	if res.Fatal == nil {
		t.Fatal("canceled cycle should report a fatal outcome")
	}

	if n := h.queueLen(t, gpsKey); n != 3 {
		t.Fatalf("queue length = %d, want 3 (drain never ran)", n)
	}
}

// Shutdown between drain and ship: the drained batch is journaled so the
// records survive the process.
func TestCoordinator_JournalsDrainedBatchOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record, err := ParseAndValidate(FamilyGPS, gpsEntries[0])
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}

	batch := &Batch{
		Family:       FamilyGPS,
		Records:      []Record{record},
		DrainedAt:    time.Now().UTC(),
		ProcessingID: "test-processing-id",
	}

	res := &CycleResult{Outcomes: map[Family]*FamilyOutcome{
		FamilyGPS: {Family: FamilyGPS, Drained: 1},
	}}

	h.coord.journalUnshipped(res, map[Family]*Batch{FamilyGPS: batch})

	gps := res.Outcomes[FamilyGPS]
	if gps.Ship.Status != ShipRecoverable || gps.Ship.BackupID == "" {
		t.Fatalf("outcome = %+v, want recoverable with backup id", gps.Ship)
	}

	if !errors.Is(gps.Ship.Err, ErrCycleCanceled) {
		t.Fatalf("Err = %v, want ErrCycleCanceled", gps.Ship.Err)
	}

	entries := h.pending(t)
	if len(entries) != 1 || len(entries[0].Records) != 1 {
		t.Fatalf("pending = %+v, want the drained record journaled", entries)
	}
}
