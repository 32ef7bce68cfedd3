package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/cardflow/internal/config"
	"github.com/imkarma/cardflow/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize cardflow in the current directory",
	Long:  "Creates a .cardflow/ directory with default config and journal.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check if already initialized.
	if _, err := os.Stat(config.Dir); err == nil {
		return fmt.Errorf("cardflow already initialized in this directory (%s/ exists)", config.Dir)
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", config.Dir, err)
	}

	// Write default config.
	cfg := config.DefaultConfig()
	if err := config.Save(cardflowPath(config.File), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Create the journal by opening it (migration runs automatically).
	j, err := store.New(cfg.Journal)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	j.Close()

	fmt.Printf("Initialized cardflow in %s/\n", config.Dir)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to point at your backend (or set %s)\n", cardflowPath(config.File), config.EnvAPIURL)
	fmt.Println("  2. Add phone contacts if you enable phone calls")
	fmt.Println("  3. Run: cardflow run \"your task\"  or  cardflow ui")

	return nil
}
