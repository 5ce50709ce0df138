package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleettrace/locship/internal/backup"
	"github.com/fleettrace/locship/internal/ledger"
)

// recentCycleLimit is how many cycles the status command shows.
const recentCycleLimit = 10

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending backups, quarantine, and recent cycle history",
		Long: `Inspect local state only: the backup journal and the cycle ledger. Does
not touch Redis, the blob store, or the warehouse.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStatus()
		},
	}
}

// statusView is the JSON shape of the status command output.
type statusView struct {
	Pending     []backupEntryView `json:"pending"`
	Quarantined []backupEntryView `json:"quarantined"`
	Cycles      []cycleRowView    `json:"cycles"`
}

type backupEntryView struct {
	BackupID   string    `json:"backupId"`
	Family     string    `json:"family"`
	CreatedAt  time.Time `json:"createdAt"`
	Records    int       `json:"records"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	LastError  string    `json:"lastError,omitempty"`
}

type cycleRowView struct {
	StartedAt time.Time       `json:"startedAt"`
	Duration  string          `json:"duration"`
	Skipped   bool            `json:"skipped"`
	Fatal     string          `json:"fatal,omitempty"`
	Outcomes  []ledgerRowView `json:"outcomes,omitempty"`
}

type ledgerRowView struct {
	Family  string `json:"family"`
	Drained int    `json:"drained"`
	Shipped int    `json:"shipped"`
	Failed  bool   `json:"failed"`
	ErrKind string `json:"errKind,omitempty"`
}

func runStatus() error {
	logger := buildLogger(resolvedCfg)
	ctx := context.Background()

	backups, err := backup.NewStore(resolvedCfg.Backup.Root, resolvedCfg.Backup.MaxRetries, logger)
	if err != nil {
		return err
	}

	pending, err := backups.ListPending(ctx)
	if err != nil {
		return err
	}

	quarantined, err := backups.ListQuarantined(ctx)
	if err != nil {
		return err
	}

	cycles, err := ledger.Open(resolvedCfg.Ledger.Path, logger)
	if err != nil {
		return err
	}
	defer cycles.Close()

	recent, err := cycles.RecentCycles(ctx, recentCycleLimit)
	if err != nil {
		return err
	}

	view := statusView{
		Pending:     entryViews(pending),
		Quarantined: entryViews(quarantined),
		Cycles:      cycleRowViews(recent),
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(view)
	}

	printStatus(view)

	return nil
}

func entryViews(entries []*backup.Entry) []backupEntryView {
	views := make([]backupEntryView, 0, len(entries))

	for _, e := range entries {
		views = append(views, backupEntryView{
			BackupID:   e.BackupID,
			Family:     e.Family,
			CreatedAt:  e.CreatedAt,
			Records:    len(e.Records),
			RetryCount: e.RetryCount,
			MaxRetries: e.MaxRetries,
			LastError:  e.LastError,
		})
	}

	return views
}

func cycleRowViews(rows []ledger.CycleRow) []cycleRowView {
	views := make([]cycleRowView, 0, len(rows))

	for _, row := range rows {
		view := cycleRowView{
			StartedAt: row.StartedAt,
			Duration:  row.FinishedAt.Sub(row.StartedAt).Round(time.Millisecond).String(),
			Skipped:   row.Skipped,
			Fatal:     row.Fatal,
		}

		for _, o := range row.Outcomes {
			view.Outcomes = append(view.Outcomes, ledgerRowView{
				Family:  o.Family,
				Drained: o.Drained,
				Shipped: o.Shipped,
				Failed:  o.Failed,
				ErrKind: o.ErrKind,
			})
		}

		views = append(views, view)
	}

	return views
}

func printStatus(view statusView) {
	fmt.Printf("Pending backups: %d\n", len(view.Pending))

	for _, e := range view.Pending {
		fmt.Printf("  %s  %-6s  records=%d  retries=%d/%d  created=%s\n",
			e.BackupID, e.Family, e.Records, e.RetryCount, e.MaxRetries,
			e.CreatedAt.Format(time.RFC3339))
	}

	fmt.Printf("Quarantined: %d\n", len(view.Quarantined))

	for _, e := range view.Quarantined {
		fmt.Printf("  %s  %-6s  records=%d  last error: %s\n",
			e.BackupID, e.Family, e.Records, e.LastError)
	}

	fmt.Printf("Recent cycles: %d\n", len(view.Cycles))

	for _, c := range view.Cycles {
		if c.Skipped {
			fmt.Printf("  %s  skipped\n", c.StartedAt.Format(time.RFC3339))
			continue
		}

		line := fmt.Sprintf("  %s  %s", c.StartedAt.Format(time.RFC3339), c.Duration)

		for _, o := range c.Outcomes {
			status := "ok"
			if o.Failed {
				status = o.ErrKind
				if status == "" {
					status = "failed"
				}
			}

			line += fmt.Sprintf("  %s: %d/%d %s", o.Family, o.Shipped, o.Drained, status)
		}

		if c.Fatal != "" {
			line += "  FATAL: " + c.Fatal
		}

		fmt.Println(line)
	}
}
