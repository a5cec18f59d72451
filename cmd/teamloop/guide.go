package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mkessler/teamloop/internal/types"
	"github.com/spf13/cobra"
)

var guideCmd = &cobra.Command{
	Use:   "guide [message...]",
	Short: "Send guidance to a running orchestrator",
	Long: `Send guidance to a running orchestrator, or answer its open
escalations.

Guidance triggers a full replan at the next iteration boundary: the
CEO re-plans with your message folded into the requirements.

With a message argument the guidance is sent directly. Without one an
interactive session opens: open escalations are shown for answering
first, then anything you type is queued as guidance. Exit with Ctrl+D.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if len(args) > 0 {
			if err := sendGuidance(ctx, strings.Join(args, " ")); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if err := interactiveGuide(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func sendGuidance(ctx context.Context, body string) error {
	msg := &types.HumanMessage{
		ID:        uuid.New().String(),
		Type:      types.HumanGuidance,
		Status:    types.HumanMessageOpen,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := store.AddHumanMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue guidance: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s Guidance queued\n", green("✓"))
	fmt.Printf("  %s\n", gray("the loop replans at its next iteration boundary"))
	return nil
}

func interactiveGuide(ctx context.Context) error {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("guide> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	if err := answerEscalations(ctx, rl, red, green, gray); err != nil {
		return err
	}

	fmt.Printf("%s\n", gray("Type guidance for the orchestrator. Ctrl+D to exit."))
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := sendGuidance(ctx, line); err != nil {
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

// answerEscalations walks the open escalations one at a time. An empty
// answer leaves the escalation open.
func answerEscalations(ctx context.Context, rl *readline.Instance, red, green, gray func(...interface{}) string) error {
	open, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{
		Status: types.HumanMessageOpen,
		Type:   types.HumanEscalation,
	})
	if err != nil {
		return fmt.Errorf("failed to list escalations: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	fmt.Printf("%s %d open escalation(s):\n\n", red("■"), len(open))
	for _, m := range open {
		fmt.Printf("  %s\n", m.Body)
		fmt.Printf("  %s\n", gray(m.CreatedAt.Format("2006-01-02 15:04")))

		rl.SetPrompt(gray("answer (empty to skip)> "))
		answer, err := rl.Readline()
		rl.SetPrompt(color.New(color.FgCyan).SprintFunc()("guide> "))
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}

		answer = strings.TrimSpace(answer)
		if answer == "" {
			fmt.Printf("  %s\n\n", gray("left open"))
			continue
		}
		if err := store.UpdateHumanMessage(ctx, m.ID, types.HumanMessageAnswered, answer); err != nil {
			return fmt.Errorf("failed to answer escalation: %w", err)
		}
		fmt.Printf("  %s answered\n\n", green("✓"))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(guideCmd)
}
