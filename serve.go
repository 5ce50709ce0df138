package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// janitorInterval is how often the quarantine sweep runs while serving.
const janitorInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the drain-and-ship scheduler until interrupted",
		Long: `Run one drain-and-ship cycle immediately, then one per tick interval.
Overlapping ticks are dropped: at most one cycle runs at a time. SIGINT or
SIGTERM stops the scheduler and waits for the in-flight cycle.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := buildLogger(resolvedCfg)
	ctx := shutdownContext(context.Background(), logger)

	a, err := buildApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stopMetrics := startMetricsServer(a, logger)
	defer stopMetrics()

	logger.Info("scheduler starting",
		slog.Duration("tick_interval", resolvedCfg.TickInterval()),
		slog.Bool("simulated", resolvedCfg.Simulated()),
	)

	ticker := time.NewTicker(resolvedCfg.TickInterval())
	defer ticker.Stop()

	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	var wg sync.WaitGroup

	// Each tick runs in its own goroutine so the loop keeps observing the
	// ticker; the coordinator's try-lock drops overlapping ticks itself.
	runTick := func() {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res := a.coord.RunCycle(ctx)
			if !res.Skipped {
				a.recordCycle(res)
			}
		}()
	}

	runTick()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			runTick()
		case <-janitor.C:
			sweepQuarantine(ctx, a, logger)
		}
	}

	return waitForCycles(&wg, resolvedCfg.Scheduler.ShutdownTimeout, logger)
}

// sweepQuarantine removes quarantined entries older than the retention
// horizon, plus any stray temp files.
func sweepQuarantine(ctx context.Context, a *app, logger *slog.Logger) {
	removed, err := a.backups.SweepQuarantine(ctx, resolvedCfg.QuarantineRetention())
	if err != nil {
		logger.Warn("quarantine sweep failed", slog.String("error", err.Error()))
		return
	}

	if removed > 0 {
		logger.Info("quarantine swept", slog.Int("removed", removed))
	}
}

// waitForCycles blocks until the in-flight cycle finishes or the shutdown
// timeout expires. An expired timeout is an error: it means records may
// still have been in memory.
func waitForCycles(wg *sync.WaitGroup, timeoutStr string, logger *slog.Logger) error {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(timeoutStr); err == nil && timeoutStr != "" {
		timeout = d
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("scheduler stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timed out waiting for the in-flight cycle")
	}
}

// startMetricsServer exposes the Prometheus registry when a listen
// address is configured. Returns a stop function; a no-op when disabled.
func startMetricsServer(a *app, logger *slog.Logger) func() {
	addr := a.cfg.Metrics.ListenAddr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
}
