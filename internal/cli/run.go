package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/cardflow/internal/board"
	"github.com/imkarma/cardflow/internal/execution"
	"github.com/imkarma/cardflow/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run \"task title\"",
	Short: "Decompose a task and run its sub-tasks",
	Long: `Creates a task, sends it to the decomposition service and runs the
resulting sub-tasks one at a time in dependency order:

  research_task  → deep web search
  phone_task     → outbound phone call
  anything else  → generic AI agent

Failed sub-tasks return to todo with their error; the rest of the batch
still runs. Ctrl-C stops the batch before the next sub-task starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runDescription string
	runWebSearch   bool
	runPhoneCalls  bool
	runQuiet       bool
)

func init() {
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "Task description sent along with the title")
	runCmd.Flags().BoolVar(&runWebSearch, "web-search", true, "Allow web search sub-tasks (overrides config when set)")
	runCmd.Flags().BoolVar(&runPhoneCalls, "phone-calls", false, "Allow phone call sub-tasks (overrides config when set)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final board")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := mustConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("web-search") {
		cfg.Features.WebSearch = runWebSearch
	}
	if cmd.Flags().Changed("phone-calls") {
		cfg.Features.PhoneCalls = runPhoneCalls
	}

	session, closeAll, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	if !runQuiet {
		unsub := session.Board().Subscribe(printEvent)
		defer unsub()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	task, err := session.CreateTask(args[0], runDescription)
	if err != nil {
		return err
	}

	fmt.Printf("%s╔══════════════════════════════════════╗%s\n", colorBold, colorReset)
	fmt.Printf("%s║  cardflow run                        ║%s\n", colorBold, colorReset)
	fmt.Printf("%s╚══════════════════════════════════════╝%s\n\n", colorBold, colorReset)
	fmt.Printf("  Task:     %s%s%s %s\n", colorYellow, task.ID, colorReset, task.Title)
	fmt.Printf("  Backend:  %s%s%s\n", colorCyan, cfg.API.BaseURL, colorReset)
	flags := session.Flags()
	fmt.Printf("  Features: web search %s, phone calls %s\n", onOff(flags.WebSearch), onOff(flags.PhoneCalls))
	fmt.Println()

	printPhase("DECOMPOSE", "Breaking task into sub-tasks")
	start := time.Now()
	report, err := session.Process(ctx, task.ID)
	if err != nil {
		fmt.Printf("\n  %s✗ %v%s\n\n", colorRed, err, colorReset)
		printBoard(session.Board().Snapshot())
		return fmt.Errorf("process %s: %w", task.ID, err)
	}

	fmt.Println()
	printPhase("RESULT", fmt.Sprintf("finished in %s", time.Since(start).Round(time.Millisecond)))
	printReport(session, report)
	printBoard(session.Board().Snapshot())
	fmt.Println()
	printStats(session.Stats())

	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Printf("\n  %s⚠ Interrupted. Remaining sub-tasks were not run.%s\n", colorYellow, colorReset)
	}
	return nil
}

func printEvent(ev board.Event) {
	t := ev.Task
	switch ev.Type {
	case board.EventBatchAdded:
		fmt.Printf("  %s+%s %s\n", colorCyan, colorReset, ev.Message)
	case board.EventExecutionStart:
		fmt.Printf("  %s▶%s %-40s %s[%s]%s\n", colorBlue, colorReset, truncate(t.Title, 40), colorDim, ev.Message, colorReset)
	case board.EventExecutionDone:
		if !t.IsParent() {
			fmt.Printf("  %s✓%s %s\n", colorGreen, colorReset, truncate(t.Title, 60))
		}
	case board.EventExecutionFailed:
		fmt.Printf("  %s✗%s %s: %s%s%s\n", colorRed, colorReset, truncate(t.Title, 40), colorRed, ev.Message, colorReset)
	case board.EventParentCompleted:
		fmt.Printf("  %s★ %s%s — %s\n", colorGreen+colorBold, t.Title, colorReset, ev.Message)
	}
}

func printReport(session *orchestrator.Session, report *orchestrator.Report) {
	if report.Rejected {
		fmt.Printf("  %s✗ Batch rejected: dependency cycle%s\n", colorRed, colorReset)
	}
	for _, e := range report.Cycles {
		fmt.Printf("  %s⚠ cycle: %s%s\n", colorYellow, e, colorReset)
	}
	if len(report.Order) == 0 {
		fmt.Printf("  No sub-tasks.\n\n")
		return
	}

	fmt.Printf("  Batch %s%s%s, %d sub-tasks, %d failed\n\n", colorCyan, report.BatchID, colorReset, len(report.Order), report.Failed())
	for _, r := range report.Results {
		t, _ := session.Board().Task(r.TaskID)
		switch {
		case r.Skipped:
			fmt.Printf("  %s- %s skipped (not on board)%s\n", colorDim, r.TaskID, colorReset)
		case r.Err != nil:
			fmt.Printf("  %s✗%s %s %s(%s)%s\n", colorRed, colorReset, t.Title, colorDim, r.Duration.Round(time.Millisecond), colorReset)
		default:
			fmt.Printf("  %s✓%s %s %s(%s)%s\n", colorGreen, colorReset, t.Title, colorDim, r.Duration.Round(time.Millisecond), colorReset)
			if t.AIResponse != "" {
				fmt.Printf("      %s\n", truncate(strings.ReplaceAll(t.AIResponse, "\n", " "), 100))
			}
		}
	}
	fmt.Println()
}

func printStats(stats execution.Stats) {
	fmt.Printf("%sExecuting: %d%s", colorBold, stats.Total, colorReset)
	types := make([]string, 0, len(stats.ByType))
	for typ := range stats.ByType {
		types = append(types, string(typ))
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Printf("  %s=%d", typ, stats.ByType[board.ExecutionType(typ)])
	}
	if stats.LongestRunning.TaskID != "" {
		fmt.Printf("  longest %s (%s)", stats.LongestRunning.TaskID, stats.LongestRunning.Duration.Round(time.Second))
	}
	fmt.Println()
}

func onOff(on bool) string {
	if on {
		return colorGreen + "on" + colorReset
	}
	return colorDim + "off" + colorReset
}
