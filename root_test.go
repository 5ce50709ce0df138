package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettrace/locship/internal/config"
	"github.com/fleettrace/locship/internal/pipeline"
	"github.com/fleettrace/locship/internal/warehouse"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	want := map[string]bool{"serve": false, "run": false, "replay": false, "status": false}

	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}

	for name, found := range want {
		assert.True(t, found, "subcommand %s should be registered", name)
	}
}

func TestBuildLoadOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Warehouse.Region = "us-central1"
	cfg.Warehouse.MaxBadRecords = 5
	cfg.Warehouse.Priority = config.PriorityInteractive
	cfg.Warehouse.JobTimeoutMS = 120_000

	opts := buildLoadOptions(cfg)

	assert.Equal(t, "us-central1", opts.Location)
	assert.Equal(t, int64(5), opts.MaxBadRecords)
	assert.Equal(t, warehouse.PriorityInteractive, opts.Priority)
	assert.Equal(t, 2*time.Minute, opts.JobTimeout)
}

func TestLoadPriority(t *testing.T) {
	assert.Equal(t, warehouse.PriorityBatch, loadPriority(config.PriorityBatch))
	assert.Equal(t, warehouse.PriorityInteractive, loadPriority(config.PriorityInteractive))
	assert.Equal(t, warehouse.PriorityBatch, loadPriority(""), "unknown priority falls back to batch")
}

func sampleCycleResult() *pipeline.CycleResult {
	started := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	return &pipeline.CycleResult{
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Replay:     pipeline.ReplayReport{Attempted: 2, Succeeded: 1, Failed: 1, Quarantined: 1},
		Outcomes: map[pipeline.Family]*pipeline.FamilyOutcome{
			pipeline.FamilyGPS: {
				Family:   pipeline.FamilyGPS,
				Drained:  3,
				Rejected: 1,
				Ship:     pipeline.ShipResult{Family: pipeline.FamilyGPS, RecordsShipped: 2},
			},
			pipeline.FamilyMobile: {
				Family:  pipeline.FamilyMobile,
				Drained: 2,
				Ship: pipeline.ShipResult{
					Family:   pipeline.FamilyMobile,
					Status:   pipeline.ShipRecoverable,
					BackupID: "b1",
					ErrKind:  pipeline.KindTransient,
					Err:      errors.New("blob: transient store error"),
				},
			},
		},
	}
}

func TestCycleSummary(t *testing.T) {
	out := cycleSummary(sampleCycleResult())

	assert.Contains(t, out, "cycle finished in 1.5s")
	assert.Contains(t, out, "gps")
	assert.Contains(t, out, "shipped=2")
	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "replay attempted=2")
}

func TestCycleSummary_Skipped(t *testing.T) {
	out := cycleSummary(&pipeline.CycleResult{Skipped: true})

	assert.Contains(t, out, "skipped")
}

func TestNewCycleView(t *testing.T) {
	view := newCycleView(sampleCycleResult())

	require.Len(t, view.Families, 2)

	// Families() order: gps first.
	gps := view.Families[0]
	assert.Equal(t, "gps", gps.Family)
	assert.Equal(t, 2, gps.Shipped)
	assert.False(t, gps.Failed)
	assert.Empty(t, gps.Error)

	mobile := view.Families[1]
	assert.Equal(t, "mobile", mobile.Family)
	assert.True(t, mobile.Failed)
	assert.Equal(t, pipeline.KindTransient, mobile.ErrKind)
	assert.Equal(t, "b1", mobile.BackupID)
	assert.Contains(t, mobile.Error, "transient")

	assert.Equal(t, 1, view.Replay.Quarantined)
	assert.Empty(t, view.Fatal)
}

func TestNewReplayView_FatalRendersAsString(t *testing.T) {
	view := newReplayView(pipeline.ReplayReport{Fatal: errors.New("store unusable")})

	assert.Equal(t, "store unusable", view.Fatal)
}
