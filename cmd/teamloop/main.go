package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mkessler/teamloop/internal/config"
	"github.com/mkessler/teamloop/internal/storage"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags
var version = "dev"

var (
	cfgPath string
	dbPath  string

	cfg   *config.Config
	store storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "teamloop",
	Short: "Autonomous multi-agent development orchestrator",
	Long: `Teamloop runs a team of coding agents against a project:
a CEO plans, a Staff Engineer breaks the plan into tasks, developers
implement them in parallel, QA and E2E agents review, and the CEO
approves or rejects. The loop repeats until approval.

State lives in .teamloop/teamloop.db next to your project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Storage.Path = dbPath
		}

		store, err = storage.NewStorage(cmd.Context(), &storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the teamloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("teamloop %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default .teamloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database file path (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
