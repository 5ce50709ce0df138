package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-ship pending backups without draining the queues",
		Long: `Attempt every pending backup once, oldest first. Entries that ship are
deleted; entries that fail again have their retry count incremented and
move to quarantine when retries are exhausted.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runReplay()
		},
	}
}

func runReplay() error {
	logger := buildLogger(resolvedCfg)
	ctx := shutdownContext(context.Background(), logger)

	a, err := buildApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.replayer.Replay(ctx)

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(newReplayView(report)); err != nil {
			return fmt.Errorf("encoding replay report: %w", err)
		}
	} else {
		fmt.Printf("replay: attempted=%d succeeded=%d failed=%d quarantined=%d rejected=%d\n",
			report.Attempted, report.Succeeded, report.Failed, report.Quarantined, report.Rejected)
	}

	if report.Fatal != nil {
		return fmt.Errorf("replay aborted: %w", report.Fatal)
	}

	return nil
}
