package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single drain-and-ship cycle and exit",
		Long: `Run one full cycle — replay pending backups, drain both queues, ship the
batches — then exit. Exit status is non-zero only for fatal conditions
(backup store unusable); recoverable failures are journaled and reported
in the summary.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runOnce()
		},
	}
}

func runOnce() error {
	logger := buildLogger(resolvedCfg)
	ctx := shutdownContext(context.Background(), logger)

	a, err := buildApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.coord.RunCycle(ctx)
	a.recordCycle(res)

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(newCycleView(res)); err != nil {
			return fmt.Errorf("encoding cycle result: %w", err)
		}
	} else {
		fmt.Println(cycleSummary(res))
	}

	if res.Fatal != nil {
		return fmt.Errorf("cycle failed: %w", res.Fatal)
	}

	return nil
}
