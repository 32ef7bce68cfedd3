package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/cardflow/internal/store"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show the journaled events for a task, or the latest events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLog,
}

var logLimit int

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 30, "Number of recent events to show without a task id")
}

func runLog(cmd *cobra.Command, args []string) error {
	s, err := mustJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	var events []store.Event
	if len(args) == 0 {
		events, err = s.RecentEvents(logLimit)
	} else {
		events, err = s.GetEvents(args[0])
	}
	if err != nil {
		return err
	}

	if len(events) == 0 {
		if len(args) == 0 {
			fmt.Println("No events journaled yet")
		} else {
			fmt.Printf("No events for task %s\n", args[0])
		}
		return nil
	}

	if len(args) == 0 {
		fmt.Printf("Last %d events:\n\n", len(events))
	} else {
		fmt.Printf("Events for task %s:\n\n", args[0])
	}
	for _, e := range events {
		task := ""
		if len(args) == 0 {
			task = fmt.Sprintf("%s[%s]%s ", colorCyan, e.TaskID, colorReset)
		}
		fmt.Printf("  %s  %s%-20s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), task, e.Type, e.Content)
	}

	if len(args) == 1 {
		execs, err := s.ListExecutions(args[0], 20)
		if err != nil || len(execs) == 0 {
			return err
		}
		fmt.Printf("\nExecutions:\n\n")
		for _, x := range execs {
			printExecution(x.ID, string(x.Type), string(x.Status), x.Error, x.StartedAt, x.CompletedAt)
		}
	}
	return nil
}
