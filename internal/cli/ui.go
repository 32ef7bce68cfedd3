package cli

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	cflog "github.com/imkarma/cardflow/internal/log"
	"github.com/imkarma/cardflow/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the interactive board",
	Long: `Opens the three-column board. Create tasks, drag them between columns
and run them; the board updates live while sub-tasks execute.

Logs go to .cardflow/ui.log while the board owns the terminal.`,
	RunE: runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(cardflowPath("ui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	cflog.SetOutput(logFile)
	defer cflog.SetOutput(os.Stderr)

	session, closeAll, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	model := tui.New(session)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
