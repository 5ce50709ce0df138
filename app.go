package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/blob"
	"github.com/fleettrace/locship/internal/config"
	"github.com/fleettrace/locship/internal/ledger"
	"github.com/fleettrace/locship/internal/pipeline"
	"github.com/fleettrace/locship/internal/queue"
	"github.com/fleettrace/locship/internal/warehouse"
)

// app holds everything a command needs: the wired pipeline, the stores
// behind it, and the ledger. Built once per invocation by buildApp.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *pipeline.Metrics

	rdb     *redis.Client
	queues  *queue.RedisStore
	blobs   blob.Store
	wh      warehouse.Client
	backups *backup.Store
	cycles  *ledger.Ledger

	coord    *pipeline.Coordinator
	replayer *pipeline.Replayer
}

// buildApp constructs all clients from the resolved config. Simulation
// directories switch the blob store and warehouse to their local
// filesystem implementations; everything else is identical in both modes.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = pipeline.NewMetrics(a.registry)

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	a.queues = queue.NewRedisStore(a.rdb, logger)

	var err error

	if a.blobs, err = buildBlobStore(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	if a.wh, err = buildWarehouseClient(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	if a.backups, err = backup.NewStore(cfg.Backup.Root, cfg.Backup.MaxRetries, logger); err != nil {
		a.Close()
		return nil, err
	}

	if a.cycles, err = ledger.Open(cfg.Ledger.Path, logger); err != nil {
		a.Close()
		return nil, err
	}

	keys := map[pipeline.Family]string{
		pipeline.FamilyGPS:    cfg.Queue.GPSKey,
		pipeline.FamilyMobile: cfg.Queue.MobileKey,
	}
	tables := map[pipeline.Family]string{
		pipeline.FamilyGPS:    cfg.Warehouse.GPSTable,
		pipeline.FamilyMobile: cfg.Warehouse.MobileTable,
	}
	prefixes := map[pipeline.Family]string{
		pipeline.FamilyGPS:    cfg.Blob.GPSPrefix,
		pipeline.FamilyMobile: cfg.Blob.MobilePrefix,
	}

	drainer := pipeline.NewDrainer(a.queues, keys, a.metrics, logger)
	shipper := pipeline.NewShipper(a.blobs, a.wh, a.backups, tables, prefixes, buildLoadOptions(cfg), a.metrics, logger)
	a.replayer = pipeline.NewReplayer(a.backups, shipper, a.metrics, logger)
	a.coord = pipeline.NewCoordinator(drainer, shipper, a.replayer, a.metrics, logger)

	return a, nil
}

// Close releases every client the app holds. Safe to call on a partially
// built app.
func (a *app) Close() {
	if a.cycles != nil {
		if err := a.cycles.Close(); err != nil {
			a.logger.Warn("closing cycle ledger", slog.String("error", err.Error()))
		}
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("closing redis client", slog.String("error", err.Error()))
		}
	}
}

func buildBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	if dir := cfg.Blob.SimulateDir; dir != "" {
		return blob.NewFSStore(filepath.Join(dir, "blobs"), logger)
	}

	var opts []option.ClientOption
	if cfg.Blob.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Blob.CredentialsFile))
	}

	return blob.NewGCSStore(ctx, cfg.Blob.Bucket, logger, opts...)
}

func buildWarehouseClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (warehouse.Client, error) {
	if dir := cfg.Warehouse.SimulateDir; dir != "" {
		return warehouse.NewFSWarehouse(filepath.Join(dir, "warehouse"), logger)
	}

	var opts []option.ClientOption
	if cfg.Warehouse.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Warehouse.CredentialsFile))
	}

	return warehouse.NewBigQueryClient(ctx, cfg.Warehouse.Project, cfg.Warehouse.Dataset, logger, opts...)
}

// buildLoadOptions maps the warehouse config section onto the load-job
// options every ship shares.
func buildLoadOptions(cfg *config.Config) warehouse.LoadOptions {
	return warehouse.LoadOptions{
		Location:      cfg.Warehouse.Region,
		MaxBadRecords: int64(cfg.Warehouse.MaxBadRecords),
		Priority:      loadPriority(cfg.Warehouse.Priority),
		JobTimeout:    cfg.JobTimeout(),
	}
}

// loadPriority maps the config's BATCH/INTERACTIVE spelling onto the
// warehouse client's constants.
func loadPriority(p string) string {
	if p == config.PriorityInteractive {
		return warehouse.PriorityInteractive
	}

	return warehouse.PriorityBatch
}

// recordCycle writes a finished cycle to the ledger. Recording failures
// are logged, never fatal: losing a history row is not worth killing the
// daemon over.
func (a *app) recordCycle(res *pipeline.CycleResult) {
	if err := a.cycles.RecordCycle(context.Background(), res); err != nil {
		a.logger.Warn("recording cycle failed", slog.String("error", err.Error()))
	}
}

// cycleView is the JSON shape of a cycle result. Error values render as
// strings; a bare error field would marshal as an empty object.
type cycleView struct {
	Skipped    bool         `json:"skipped"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Replay     replayView   `json:"replay"`
	Families   []familyView `json:"families,omitempty"`
	Fatal      string       `json:"fatal,omitempty"`
}

type familyView struct {
	Family   string `json:"family"`
	Drained  int    `json:"drained"`
	Rejected int    `json:"rejected"`
	Shipped  int    `json:"shipped"`
	Failed   bool   `json:"failed"`
	ErrKind  string `json:"errKind,omitempty"`
	BackupID string `json:"backupId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type replayView struct {
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Quarantined int    `json:"quarantined"`
	Rejected    int    `json:"rejected"`
	Fatal       string `json:"fatal,omitempty"`
}

func newCycleView(res *pipeline.CycleResult) cycleView {
	view := cycleView{
		Skipped:    res.Skipped,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Replay:     newReplayView(res.Replay),
	}

	if res.Fatal != nil {
		view.Fatal = res.Fatal.Error()
	}

	for _, family := range pipeline.Families() {
		outcome, ok := res.Outcomes[family]
		if !ok {
			continue
		}

		fv := familyView{
			Family:   string(family),
			Drained:  outcome.Drained,
			Rejected: outcome.Rejected,
			Shipped:  outcome.Ship.RecordsShipped,
			Failed:   outcome.Failed(),
			ErrKind:  outcome.Ship.ErrKind,
			BackupID: outcome.Ship.BackupID,
		}

		switch {
		case outcome.DrainErr != nil:
			fv.Error = outcome.DrainErr.Error()
		case outcome.Ship.Err != nil:
			fv.Error = outcome.Ship.Err.Error()
		}

		view.Families = append(view.Families, fv)
	}

	return view
}

func newReplayView(report pipeline.ReplayReport) replayView {
	view := replayView{
		Attempted:   report.Attempted,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		Quarantined: report.Quarantined,
		Rejected:    report.Rejected,
	}

	if report.Fatal != nil {
		view.Fatal = report.Fatal.Error()
	}

	return view
}

// cycleSummary renders a short human-readable line per family, for the
// run and serve commands' stdout.
func cycleSummary(res *pipeline.CycleResult) string {
	if res.Skipped {
		return "cycle skipped: previous cycle still running"
	}

	out := fmt.Sprintf("cycle finished in %s", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	for _, family := range pipeline.Families() {
		outcome, ok := res.Outcomes[family]
		if !ok {
			continue
		}

		status := "ok"
		if outcome.Failed() {
			status = "failed"
		}

		out += fmt.Sprintf("\n  %-6s drained=%d rejected=%d shipped=%d status=%s",
			family, outcome.Drained, outcome.Rejected, outcome.Ship.RecordsShipped, status)
	}

	if res.Replay.Attempted > 0 {
		out += fmt.Sprintf("\n  replay attempted=%d succeeded=%d quarantined=%d",
			res.Replay.Attempted, res.Replay.Succeeded, res.Replay.Quarantined)
	}

	if res.Fatal != nil {
		out += fmt.Sprintf("\n  fatal: %v", res.Fatal)
	}

	return out
}
