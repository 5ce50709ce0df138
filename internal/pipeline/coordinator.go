package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle states, exposed for the status surface.
const (
	StateIdle      = "idle"
	StateReplaying = "replaying"
	StateDraining  = "draining"
	StateShipping  = "shipping"
)

// ErrCycleCanceled marks a cycle cut short by shutdown between stages.
var ErrCycleCanceled = errors.New("pipeline: cycle canceled")

// FamilyOutcome is one family's result within a cycle.
type FamilyOutcome struct {
	Family   Family
	Drained  int
	Rejected int
	Ship     ShipResult

	// DrainErr is set when the drain itself failed; the records are still
	// queued and nothing was shipped or journaled for this family.
	DrainErr error
}

// Failed reports whether this family's pipeline did not fully succeed.
func (o *FamilyOutcome) Failed() bool {
	return o.DrainErr != nil || o.Ship.Status != ShipOK
}

// CycleResult is the structured outcome of one tick. The coordinator never
// panics or returns a bare error to the scheduler; it always produces one
// of these.
type CycleResult struct {
	Skipped    bool
	StartedAt  time.Time
	FinishedAt time.Time
	Replay     ReplayReport
	Outcomes   map[Family]*FamilyOutcome

	// Fatal aggregates backup-persist failures and store-unusable replay
	// aborts — conditions that need an operator.
	Fatal error
}

// Coordinator runs one drain-and-ship cycle per scheduler tick:
// replay pending backups, then drain and ship both families concurrently.
// A try-lock guarantees single-cycle-at-a-time; overlapping ticks are
// dropped with a metric, never queued.
type Coordinator struct {
	drainer  *Drainer
	shipper  *Shipper
	replayer *Replayer
	metrics  *Metrics
	logger   *slog.Logger
	nowFunc  func() time.Time

	cycleMu sync.Mutex

	stateMu sync.Mutex
	state   string
}

// NewCoordinator wires the coordinator.
func NewCoordinator(drainer *Drainer, shipper *Shipper, replayer *Replayer, metrics *Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		drainer:  drainer,
		shipper:  shipper,
		replayer: replayer,
		metrics:  metrics,
		logger:   logger,
		nowFunc:  time.Now,
		state:    StateIdle,
	}
}

// State returns the coordinator's current stage.
func (c *Coordinator) State() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

func (c *Coordinator) setState(s string) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// RunCycle executes one full cycle. If a cycle is already running the tick
// is dropped and the result is marked Skipped. Shutdown (ctx cancellation)
// is honored between stages; an in-flight upload or load finishes or fails
// by its own deadline.
func (c *Coordinator) RunCycle(ctx context.Context) *CycleResult {
	res := &CycleResult{
		StartedAt: c.nowFunc().UTC(),
		Outcomes:  make(map[Family]*FamilyOutcome),
	}

	if !c.cycleMu.TryLock() {
		c.metrics.CyclesSkippedBusy.Inc()
		c.logger.Warn("tick dropped, cycle already running")

		res.Skipped = true
		res.FinishedAt = res.StartedAt

		return res
	}

	defer func() {
		c.setState(StateIdle)
		c.cycleMu.Unlock()
	}()

	c.logger.Info("cycle starting")

	// Stage 1: replay pending backups.
	c.setState(StateReplaying)

	res.Replay = c.replayer.Replay(ctx)
	if res.Replay.Fatal != nil {
		res.Fatal = fmt.Errorf("pipeline: replay aborted: %w", res.Replay.Fatal)

		return c.finish(res)
	}

	if err := ctx.Err(); err != nil {
		res.Fatal = ErrCycleCanceled

		return c.finish(res)
	}

	// Stage 2: drain both families concurrently. A drain failure in one
	// family never blocks the other; per-family errors are captured in
	// the outcome, not returned through the group.
	c.setState(StateDraining)

	batches := make(map[Family]*Batch)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, family := range Families() {
		family := family
		g.Go(func() error {
			batch, err := c.drainer.Drain(gctx, family)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				res.Outcomes[family] = &FamilyOutcome{Family: family, DrainErr: err}
				return nil
			}

			batches[family] = batch
			res.Outcomes[family] = &FamilyOutcome{
				Family:   family,
				Drained:  len(batch.Records) + batch.Rejected,
				Rejected: batch.Rejected,
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Drained records are only in memory now; journal them rather
		// than abandon the cycle mid-flight.
		c.journalUnshipped(res, batches)
		res.Fatal = errors.Join(ErrCycleCanceled, res.Fatal)

		return c.finish(res)
	}

	// Stage 3: ship both families concurrently.
	c.setState(StateShipping)

	g, gctx = errgroup.WithContext(ctx)

	for family, batch := range batches {
		family, batch := family, batch
		g.Go(func() error {
			ship := c.shipper.Ship(gctx, batch)

			mu.Lock()
			res.Outcomes[family].Ship = ship
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	// Stage 4: aggregate.
	for _, outcome := range res.Outcomes {
		if outcome.Ship.Status == ShipFatal {
			res.Fatal = errors.Join(res.Fatal, outcome.Ship.Err)
		}
	}

	return c.finish(res)
}

// journalUnshipped routes already-drained batches to the backup store when
// shutdown lands between drain and ship. The backup write is durable, so
// the records survive the process.
func (c *Coordinator) journalUnshipped(res *CycleResult, batches map[Family]*Batch) {
	for family, batch := range batches {
		if batch.Empty() {
			continue
		}

		backupID, err := c.shipper.journal(context.Background(), batch, ErrCycleCanceled)
		if err != nil {
			res.Fatal = errors.Join(res.Fatal, fmt.Errorf("pipeline: journaling drained %s batch on shutdown: %w", family, err))
			continue
		}

		c.metrics.BackupsCreated.WithLabelValues(string(family)).Inc()

		res.Outcomes[family].Ship = ShipResult{
			Family:   family,
			Status:   ShipRecoverable,
			BackupID: backupID,
			ErrKind:  KindTransient,
			Err:      ErrCycleCanceled,
		}
	}
}

// finish stamps timing, records cycle metrics and logs the summary.
func (c *Coordinator) finish(res *CycleResult) *CycleResult {
	res.FinishedAt = c.nowFunc().UTC()

	c.metrics.CyclesTotal.Inc()
	c.metrics.CycleDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	attrs := []any{
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
		slog.Int("replay_attempted", res.Replay.Attempted),
	}

	for _, family := range Families() {
		if outcome, ok := res.Outcomes[family]; ok {
			attrs = append(attrs,
				slog.Group(string(family),
					slog.Int("drained", outcome.Drained),
					slog.Int("shipped", outcome.Ship.RecordsShipped),
					slog.Bool("failed", outcome.Failed()),
				),
			)
		}
	}

	if res.Fatal != nil {
		attrs = append(attrs, slog.String("fatal", res.Fatal.Error()))
		c.logger.Error("cycle finished with fatal error", attrs...)
	} else {
		c.logger.Info("cycle finished", attrs...)
	}

	return res
}
