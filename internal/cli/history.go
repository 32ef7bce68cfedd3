package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/cardflow/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List journaled batch runs",
	Long: `Lists the batch runs recorded in the journal, newest first.

A run still marked running belongs to a session that was killed before the
batch finished. The board lives in memory only, so such a run cannot be
resumed. Pass its id with --close to mark it cancelled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyLimit       int
	historyInterrupted bool
	historyClose       bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().BoolVar(&historyInterrupted, "interrupted", false, "Only show runs that never finished")
	historyCmd.Flags().BoolVar(&historyClose, "close", false, "Mark the given interrupted run as cancelled")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := mustJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	if historyClose {
		if len(args) == 0 {
			return fmt.Errorf("--close needs a run id")
		}
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run ID: %s", args[0])
		}
		return closeRun(s, runID)
	}

	var runs []store.Run
	if historyInterrupted {
		runs, err = s.ListInterruptedRuns()
	} else {
		runs, err = s.ListRuns(historyLimit)
	}
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		if historyInterrupted {
			fmt.Printf("  %s✓ No interrupted runs found.%s\n", colorGreen, colorReset)
		} else {
			fmt.Println("No runs journaled yet")
		}
		return nil
	}

	fmt.Printf("%s╔══════════════════════════════════════╗%s\n", colorBold, colorReset)
	fmt.Printf("%s║  Batch runs                          ║%s\n", colorBold, colorReset)
	fmt.Printf("%s╚══════════════════════════════════════╝%s\n\n", colorBold, colorReset)

	interrupted := 0
	for _, run := range runs {
		printRun(s, run)
		if run.Status == store.RunRunning {
			interrupted++
		}
	}

	if interrupted > 0 {
		fmt.Printf("  %s⚠ %d run(s) never finished.%s Close with: %scardflow history <run-id> --close%s\n",
			colorYellow, interrupted, colorReset, colorCyan, colorReset)
	}
	return nil
}

func printRun(s *store.Store, run store.Run) {
	title := run.ParentID
	if events, err := s.GetEvents(run.ParentID); err == nil && len(events) > 0 && events[0].Title != "" {
		title = events[0].Title
	}

	fmt.Printf("  %sRun #%d%s  %s%s%s %s\n",
		colorYellow, run.ID, colorReset,
		colorCyan, run.ParentID, colorReset,
		title)
	fmt.Printf("    Batch:    %s\n", run.BatchID)
	fmt.Printf("    Status:   %s\n", runStatusLabel(run.Status))

	var ended string
	if !run.EndedAt.IsZero() {
		ended = run.EndedAt.Sub(run.StartedAt).Round(time.Second).String()
	} else {
		ended = fmt.Sprintf("started %s ago", time.Since(run.StartedAt).Truncate(time.Second))
	}
	fmt.Printf("    Started:  %s (%s)\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"), ended)

	tasks := fmt.Sprintf("%d sub-tasks", run.TaskCount)
	if run.Failed > 0 {
		tasks += fmt.Sprintf(", %s%d failed%s", colorRed, run.Failed, colorReset)
	}
	fmt.Printf("    Tasks:    %s\n\n", tasks)
}

func runStatusLabel(status store.RunStatus) string {
	switch status {
	case store.RunCompleted:
		return colorGreen + string(status) + colorReset
	case store.RunRunning:
		return colorRed + "interrupted" + colorReset
	case store.RunRejected:
		return colorRed + string(status) + colorReset
	default:
		return colorYellow + string(status) + colorReset
	}
}

func closeRun(s *store.Store, runID int64) error {
	runs, err := s.ListInterruptedRuns()
	if err != nil {
		return err
	}

	var target *store.Run
	for i := range runs {
		if runs[i].ID == runID {
			target = &runs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("run #%d not found or not in 'running' state (already finished?)", runID)
	}

	if err := s.EndRun(target.ID, store.RunCancelled, target.Failed); err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	fmt.Printf("  %s✓ Marked run #%d as cancelled%s\n", colorGreen, target.ID, colorReset)
	return nil
}
