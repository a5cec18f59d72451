// Package health watches running agents for silence and repeated
// errors and decides a remedial action. Detection lives in the
// Monitor; the decision function sits behind the Decider interface so
// the default heuristic can be swapped for a model-backed judgment
// without touching the monitoring loop.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

// Action is the remedy chosen for an unhealthy agent.
type Action string

const (
	// ActionContinue leaves the agent alone for another check cycle.
	ActionContinue Action = "continue"
	// ActionInjectGuidance sends the agent a nudge prompt.
	ActionInjectGuidance Action = "inject_guidance"
	// ActionRespawn replaces the agent via the handoff path.
	ActionRespawn Action = "respawn"
	// ActionEscalate pauses the run pending human input. The agent is
	// left running.
	ActionEscalate Action = "escalate_to_user"
)

// IsValid checks if the action value is valid
func (a Action) IsValid() bool {
	switch a {
	case ActionContinue, ActionInjectGuidance, ActionRespawn, ActionEscalate:
		return true
	}
	return false
}

// IssueType classifies what the monitor observed.
type IssueType string

const (
	// IssueStuck means the agent produced no output past the staleness
	// threshold.
	IssueStuck IssueType = "stuck"
	// IssueErrorStreak means the agent failed several times in a row.
	IssueErrorStreak IssueType = "error_streak"
)

// Report describes one detected issue, with enough context for a
// decider to pick an action.
type Report struct {
	AgentID      string
	Role         types.AgentRole
	Issue        IssueType
	Description  string
	SilentFor    time.Duration
	ErrorStreak  int
	OutputTail   []string
	PriorActions []Action
}

// Decider maps a health report to a remedial action.
type Decider interface {
	Decide(ctx context.Context, report *Report) (Action, error)
}

// Interventions is implemented by the orchestrator. The monitor calls
// these when a decider picks an action; it never spawns or kills
// agents itself.
type Interventions interface {
	// RespawnAgent hands off and replaces an agent, returning the
	// replacement's id. An unknown agent id is an invariant violation
	// and must return an error.
	RespawnAgent(ctx context.Context, agentID string) (string, error)
	// InjectGuidance delivers a nudge prompt to a running agent.
	InjectGuidance(ctx context.Context, agentID, guidance string) error
	// EscalateToUser pauses forward progress pending human input.
	EscalateToUser(ctx context.Context, agentID, reason string) error
}

// HeuristicDecider is the default rule-based decision function.
type HeuristicDecider struct {
	// MaxInterventions is how many respawn/guidance attempts an agent
	// gets before the decider gives up and escalates.
	MaxInterventions int
	// StuckRespawnAfter is the silence duration past which guidance is
	// pointless and the agent is replaced outright.
	StuckRespawnAfter time.Duration
	// ErrorStreakRespawn is the consecutive-error count that warrants
	// replacement rather than a nudge.
	ErrorStreakRespawn int
}

// NewHeuristicDecider returns a decider with the stock thresholds.
func NewHeuristicDecider() *HeuristicDecider {
	return &HeuristicDecider{
		MaxInterventions:   3,
		StuckRespawnAfter:  15 * time.Minute,
		ErrorStreakRespawn: 5,
	}
}

// Decide picks an action from the report alone. It never returns an
// error; the error slot exists for model-backed implementations.
func (d *HeuristicDecider) Decide(_ context.Context, report *Report) (Action, error) {
	if len(report.PriorActions) >= d.MaxInterventions {
		return ActionEscalate, nil
	}

	switch report.Issue {
	case IssueStuck:
		if report.SilentFor >= d.StuckRespawnAfter {
			return ActionRespawn, nil
		}
		return ActionInjectGuidance, nil

	case IssueErrorStreak:
		if report.ErrorStreak >= d.ErrorStreakRespawn {
			return ActionRespawn, nil
		}
		return ActionInjectGuidance, nil
	}

	return ActionContinue, nil
}

// guidanceFor renders the nudge prompt injected into a stuck or
// erroring agent.
func guidanceFor(report *Report) string {
	switch report.Issue {
	case IssueStuck:
		return fmt.Sprintf(
			"You have produced no output for %s. If you are blocked, emit a handoff block describing current state and blockers. Otherwise report what you are working on and continue.",
			report.SilentFor.Round(time.Second))
	case IssueErrorStreak:
		return fmt.Sprintf(
			"Your last %d attempts failed. Stop repeating the same approach: re-read the most recent error, state a different hypothesis, and try that instead.",
			report.ErrorStreak)
	}
	return "Report your current status."
}
