package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mkessler/teamloop/internal/agent"
	"github.com/mkessler/teamloop/internal/control"
	"github.com/mkessler/teamloop/internal/loop"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [requirements...]",
	Short: "Start the orchestration loop",
	Long: `Start the orchestration loop against the current directory.

The loop will:
1. Have the CEO agent produce a project plan
2. Have the Staff Engineer break it into task batches
3. Run developer agents in parallel over the tasks
4. Run QA and E2E review agents
5. Ask the CEO for approval and repeat until approved

Requirements can be given as arguments, in the config file, or via
TEAMLOOP_REQUIREMENTS. Stop with Ctrl+C; the in-flight iteration
finishes before the loop exits.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			cfg.Requirements = strings.Join(args, " ")
		}
		if maxIter, _ := cmd.Flags().GetInt("max-iterations"); maxIter > 0 {
			cfg.Loop.MaxIterations = maxIter
		}
		if parallel, _ := cmd.Flags().GetInt("parallel"); parallel > 0 {
			cfg.Loop.MaxParallelDevelopers = parallel
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get current directory: %v\n", err)
			os.Exit(1)
		}

		runner := agent.NewRunner(&agent.Config{
			Kind:       agent.Kind(cfg.Agent.Kind),
			Command:    cfg.Agent.Command,
			WorkingDir: cwd,
			Timeout:    time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
			StreamJSON: cfg.Agent.StreamJSON,
		})

		controller, err := loop.New(cfg, store, loop.NewRunnerInvoker(runner), cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ctrlServer, err := control.NewServer(control.SocketFileName, controller)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := ctrlServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: control socket unavailable: %v\n", err)
		} else {
			defer ctrlServer.Stop()
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("\n%s Starting orchestration for %s\n", green("✓"), cfg.ProjectName)
		fmt.Printf("  %s\n\n", gray(fmt.Sprintf("agent=%s parallel=%d max-iterations=%d",
			cfg.Agent.Kind, cfg.Loop.MaxParallelDevelopers, cfg.Loop.MaxIterations)))

		if err := controller.Run(ctx); err != nil {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(os.Stderr, "\n%s %v\n", red("✗"), err)
			if reason := controller.FailureReason(); reason != "" {
				fmt.Fprintf(os.Stderr, "  %s\n", gray(reason))
			}
			os.Exit(1)
		}

		if controller.IsProjectComplete() {
			fmt.Printf("\n%s Project complete after %d iteration(s)\n", green("✓"), controller.Iteration())
		} else {
			fmt.Printf("\n%s Loop stopped (phase: %s)\n", gray("○"), controller.Phase())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("max-iterations", 0, "Override the iteration cap")
	runCmd.Flags().Int("parallel", 0, "Override the developer pool size")
}
