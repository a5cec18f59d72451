package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old stopped orchestrator instance records",
	Long: `Delete stopped orchestrator instance rows older than the configured
age (cleanup.instance_age_hours, default 24), keeping the most recent
ones as history (cleanup.instance_keep, default 10).`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Cleanup.InstanceAgeHours == 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray("Instance cleanup is disabled (cleanup.instance_age_hours = 0)"))
			return
		}

		n, err := store.PruneStoppedInstances(cmd.Context(), cfg.Cleanup.InstanceAge(), cfg.Cleanup.InstanceKeep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Pruned %d stopped instance(s)\n", green("✓"), n)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
