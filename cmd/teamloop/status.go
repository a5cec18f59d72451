package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mkessler/teamloop/internal/control"
	"github.com/mkessler/teamloop/internal/handoff"
	"github.com/mkessler/teamloop/internal/types"
	"github.com/spf13/cobra"
)

// staleHeartbeat is how old a running instance's heartbeat can be
// before status flags it
const staleHeartbeat = 2 * time.Minute

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator instances and the human queue",
	Long:  `Display running orchestrator instances, open escalations, and the most recent agent handoffs.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Teamloop Status ==="))

		if summary, err := store.GetConfig(ctx, "plan.summary"); err == nil && summary != "" {
			fmt.Printf("%s %s\n\n", yellow("Plan:"), summary)
		}

		instances, err := store.GetActiveInstances(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get instances: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s\n", yellow("Orchestrator Instances:"))
		if len(instances) == 0 {
			fmt.Printf("  %s\n", gray("No running orchestrators"))
		}
		for _, inst := range instances {
			icon, paint := "●", green
			if time.Since(inst.LastHeartbeat) > staleHeartbeat {
				icon, paint = "⚠", yellow
			}
			fmt.Printf("  %s %s\n", paint(icon), inst.InstanceID)
			fmt.Printf("    Host:      %s (PID %d)\n", inst.Hostname, inst.PID)
			fmt.Printf("    Started:   %s\n", inst.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("    Heartbeat: %s (%v ago)\n",
				inst.LastHeartbeat.Format("15:04:05"),
				time.Since(inst.LastHeartbeat).Round(time.Second))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Loop:"))
		if resp, err := control.NewClient("").Status(); err != nil {
			fmt.Printf("  %s\n", gray("Not reachable (no loop running here)"))
		} else {
			state := green("running")
			if resp.Status.Paused {
				state = yellow(fmt.Sprintf("paused: %s", resp.Status.PauseReason))
			}
			fmt.Printf("  %s phase=%s iteration=%d\n", state, resp.Status.Phase, resp.Status.Iteration)
			fmt.Printf("  %s\n", gray(fmt.Sprintf("tasks: %d pending, %d active, %d done, %d failed",
				resp.Status.PendingTasks, resp.Status.ActiveTasks,
				resp.Status.DoneTasks, resp.Status.FailedTasks)))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Human Queue:"))
		printHumanQueue(ctx, red, gray)
		fmt.Println()

		fmt.Printf("%s\n", yellow("Recent Handoffs:"))
		printHandoffs(ctx, gray)
		fmt.Println()
	},
}

func printHumanQueue(ctx context.Context, red, gray func(...interface{}) string) {
	open, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{Status: types.HumanMessageOpen})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list human messages: %v\n", err)
		os.Exit(1)
	}
	if len(open) == 0 {
		fmt.Printf("  %s\n", gray("Nothing waiting on you"))
		return
	}
	for _, m := range open {
		marker := "•"
		if m.Blocking {
			marker = red("■ BLOCKING")
		}
		fmt.Printf("  %s [%s] %s\n", marker, m.Type, m.Body)
		fmt.Printf("    %s\n", gray(fmt.Sprintf("id=%s priority=%d %s",
			m.ID, m.Priority, m.CreatedAt.Format("2006-01-02 15:04"))))
	}
}

func printHandoffs(ctx context.Context, gray func(...interface{}) string) {
	recorder, err := handoff.NewRecorder(store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	roles := []types.AgentRole{types.RoleCEO, types.RoleStaffEngineer, types.RoleDeveloper, types.RoleQA, types.RoleE2E}
	any := false
	for _, role := range roles {
		h, err := recorder.Latest(ctx, role)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list handoffs: %v\n", err)
			os.Exit(1)
		}
		if h == nil {
			continue
		}
		any = true
		summary := gray("no structured summary")
		if h.Parsed != nil {
			if h.Parsed.CurrentState != "" {
				summary = h.Parsed.CurrentState
			}
			summary = fmt.Sprintf("[%s] %s", h.Parsed.Status, summary)
		}
		fmt.Printf("  %-16s %s\n", role, summary)
		fmt.Printf("    %s\n", gray(fmt.Sprintf("agent=%s at %s",
			h.AgentID, h.Timestamp.Format("2006-01-02 15:04"))))
	}
	if !any {
		fmt.Printf("  %s\n", gray("No handoffs recorded"))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
