package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cardflow",
	Short: "Kanban board that decomposes tasks and runs them",
	Long: "cardflow — a kanban board whose tasks are split into sub-tasks by an AI\n" +
		"backend and executed one at a time: web searches, phone calls and agent runs.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
}
