package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/cardflow/internal/board"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"stats"},
	Short:   "Quick overview of journaled executions",
	RunE:    runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := mustJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	execs, err := s.ListExecutions("", 1000)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Printf("No executions yet. Run: %scardflow run \"your task\"%s\n", colorCyan, colorReset)
		return nil
	}

	type tally struct {
		completed, failed, executing int
		total                        time.Duration
	}
	byType := map[board.ExecutionType]*tally{}
	for _, x := range execs {
		t := byType[x.Type]
		if t == nil {
			t = &tally{}
			byType[x.Type] = t
		}
		switch x.Status {
		case board.ExecutionCompleted:
			t.completed++
		case board.ExecutionFailed:
			t.failed++
		default:
			t.executing++
		}
		if x.CompletedAt != nil {
			t.total += x.CompletedAt.Sub(x.StartedAt)
		}
	}

	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, string(typ))
	}
	sort.Strings(types)

	fmt.Printf("%sExecutions: %d total%s\n", colorBold, len(execs), colorReset)
	for _, typ := range types {
		t := byType[board.ExecutionType(typ)]
		finished := t.completed + t.failed
		avg := time.Duration(0)
		if finished > 0 {
			avg = t.total / time.Duration(finished)
		}
		fmt.Printf("  %-14s %s%d ok%s  %s%d failed%s", typ+":", colorGreen, t.completed, colorReset, colorRed, t.failed, colorReset)
		if t.executing > 0 {
			fmt.Printf("  %s%d unfinished%s", colorYellow, t.executing, colorReset)
		}
		fmt.Printf("  %savg %s%s\n", colorDim, avg.Round(time.Millisecond), colorReset)
	}

	var failed []board.Execution
	for _, x := range execs {
		if x.Status == board.ExecutionFailed {
			failed = append(failed, x)
		}
	}
	if len(failed) > 0 {
		fmt.Printf("\n%s✗  Recent failures:%s\n", colorRed+colorBold, colorReset)
		for _, x := range failed[:min(len(failed), 5)] {
			printExecution(x.TaskID, string(x.Type), string(x.Status), x.Error, x.StartedAt, x.CompletedAt)
		}
	}

	interrupted, err := s.ListInterruptedRuns()
	if err == nil && len(interrupted) > 0 {
		fmt.Printf("\n  %s⚠ %d interrupted run(s).%s See: %scardflow history --interrupted%s\n",
			colorYellow, len(interrupted), colorReset, colorCyan, colorReset)
	}
	return nil
}

func printExecution(id, typ, status, errMsg string, started time.Time, completed *time.Time) {
	took := "running"
	if completed != nil {
		took = completed.Sub(started).Round(time.Millisecond).String()
	}
	color := colorGreen
	switch status {
	case string(board.ExecutionFailed):
		color = colorRed
	case string(board.ExecutionExecuting), string(board.ExecutionPending):
		color = colorYellow
	}
	fmt.Printf("  %s  %-26s %-14s %s%-10s%s %s\n", started.Local().Format("2006-01-02 15:04:05"), id, typ, color, status, colorReset, took)
	if errMsg != "" {
		fmt.Printf("      %s%s%s\n", colorRed, truncate(errMsg, 100), colorReset)
	}
}
