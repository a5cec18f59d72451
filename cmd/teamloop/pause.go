package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mkessler/teamloop/internal/control"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [reason...]",
	Short: "Pause a running orchestration loop",
	Long: `Pause the orchestrator at its next iteration boundary. In-flight
agent work finishes; no new iteration starts until 'teamloop resume'.`,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := control.NewClient("").Pause(strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printControlResponse(resp)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused orchestration loop",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := control.NewClient("").Resume()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printControlResponse(resp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop a running orchestration loop",
	Long:  `Ask the orchestrator to stop after its current iteration completes.`,
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := control.NewClient("").Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printControlResponse(resp)
	},
}

func printControlResponse(resp *control.Response) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), resp.Error)
		os.Exit(1)
	}

	fmt.Printf("%s %s\n", green("✓"), resp.Message)
	fmt.Printf("  %s\n", gray(fmt.Sprintf("phase=%s iteration=%d pending=%d active=%d done=%d",
		resp.Status.Phase, resp.Status.Iteration,
		resp.Status.PendingTasks, resp.Status.ActiveTasks, resp.Status.DoneTasks)))
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
}
