package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a dev task
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// IsValid checks if the task status value is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskComplete, TaskFailed:
		return true
	}
	return false
}

// Complexity tiers drive model selection and review depth.
// Simple tasks can be handled by cheaper models.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// IsValid checks if the complexity value is valid
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexitySimple, ComplexityStandard, ComplexityComplex, "":
		return true
	}
	return false
}

// DefaultMaxRetries is the retry cap applied to tasks that don't
// declare their own.
const DefaultMaxRetries = 2

// DevTask is a single unit of work handed to a developer agent.
// Tasks are owned by the batch that contains them; the task queue holds
// pointers so status mutations are visible to the owning batch.
type DevTask struct {
	ID          int        `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Files       []string   `json:"files,omitempty"`
	Status      TaskStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Complexity  Complexity `json:"complexity,omitempty"`
	Context     string     `json:"context,omitempty"`
	DependsOn   []int      `json:"depends_on,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastFailure string     `json:"last_failure,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks if the task has valid field values
func (t *DevTask) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("task id must be positive (got %d)", t.ID)
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if !t.Complexity.IsValid() {
		return fmt.Errorf("invalid complexity: %s", t.Complexity)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

// Retryable reports whether a failed task may be attempted again.
// A task that has exhausted its retries stays failed permanently.
func (t *DevTask) Retryable() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetries
}

// HasHumanResolution reports whether a human has supplied resolution
// guidance for this task. Rebalancing boosts such tasks to the front.
func (t *DevTask) HasHumanResolution() bool {
	return strings.Contains(t.Context, HumanResolutionMarker)
}

// HumanResolutionMarker tags task context that carries a human-supplied
// resolution for a previously escalated failure.
const HumanResolutionMarker = "[human-resolution]"

// BatchStatus mirrors the aggregate state of a batch's tasks
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// TaskBatch is an ordered group of tasks with a parallelism ceiling.
// Batches are created once during task breakdown and never merged or
// split afterwards.
type TaskBatch struct {
	ID               int         `json:"id"`
	Name             string      `json:"name"`
	Tasks            []*DevTask  `json:"tasks"`
	MaxParallelTasks int         `json:"max_parallel_tasks"`
	Status           BatchStatus `json:"status"`
}

// AllComplete reports whether every task in the batch is complete.
// An empty batch is trivially complete.
func (b *TaskBatch) AllComplete() bool {
	for _, t := range b.Tasks {
		if t.Status != TaskComplete {
			return false
		}
	}
	return true
}

// RefreshStatus recomputes the batch status from its tasks.
func (b *TaskBatch) RefreshStatus() {
	if b.AllComplete() {
		b.Status = BatchComplete
		return
	}
	failed := false
	running := false
	for _, t := range b.Tasks {
		switch t.Status {
		case TaskFailed:
			if !t.Retryable() {
				failed = true
			}
		case TaskRunning:
			running = true
		}
	}
	switch {
	case failed:
		b.Status = BatchFailed
	case running:
		b.Status = BatchRunning
	default:
		b.Status = BatchPending
	}
}

// AgentRole identifies an agent's job within the team
type AgentRole string

const (
	RoleCEO           AgentRole = "ceo"
	RoleStaffEngineer AgentRole = "staff_engineer"
	RoleDeveloper     AgentRole = "developer"
	RoleQA            AgentRole = "qa"
	RoleE2E           AgentRole = "e2e"
)

// IsValid checks if the role value is valid
func (r AgentRole) IsValid() bool {
	switch r {
	case RoleCEO, RoleStaffEngineer, RoleDeveloper, RoleQA, RoleE2E:
		return true
	}
	return false
}

// Phase represents the loop controller's current position in the
// orchestration state machine.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePlanning      Phase = "planning"
	PhaseTaskBreakdown Phase = "task_breakdown"
	PhaseDevelopment   Phase = "development"
	PhaseTesting       Phase = "testing"
	PhaseReview        Phase = "review"
	PhaseCEOApproval   Phase = "ceo_approval"
	PhaseComplete      Phase = "complete"
	PhaseFailed        Phase = "failed"
)

// IsValid checks if the phase value is valid
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseTaskBreakdown, PhaseDevelopment,
		PhaseTesting, PhaseReview, PhaseCEOApproval, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether the phase ends the orchestration run
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// TokenUsage is a snapshot of an agent's context consumption, recorded
// at handoff time so a replacement agent's briefing can mention it.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// OrchestratorInstance tracks a running orchestrator process.
// Registered on startup and heartbeated so `teamloop status` can tell
// whether a run is live.
type OrchestratorInstance struct {
	InstanceID    string    `json:"instance_id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       string    `json:"version"`
}
