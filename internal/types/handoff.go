package types

import "time"

// HandoffStatus is the replaced agent's self-reported progress state
type HandoffStatus string

const (
	HandoffPending        HandoffStatus = "pending"
	HandoffInProgress     HandoffStatus = "in_progress"
	HandoffBlocked        HandoffStatus = "blocked"
	HandoffNearlyComplete HandoffStatus = "nearly_complete"
)

// IsValid checks if the handoff status value is valid
func (s HandoffStatus) IsValid() bool {
	switch s {
	case HandoffPending, HandoffInProgress, HandoffBlocked, HandoffNearlyComplete:
		return true
	}
	return false
}

// FileModification describes a file the departing agent touched
type FileModification struct {
	Path      string `json:"path"`
	Lines     string `json:"lines,omitempty"`
	Functions string `json:"functions,omitempty"`
}

// PlannedFile describes a file the departing agent intended to touch
type PlannedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// ParsedHandoff is the structured block extracted from an agent's
// free-text output. Parsing is best-effort: missing sub-fields degrade
// to empty values instead of failing the whole parse.
type ParsedHandoff struct {
	TaskID        int                `json:"task_id"`
	Status        HandoffStatus      `json:"status"`
	FilesModified []FileModification `json:"files_modified,omitempty"`
	FilesToTouch  []PlannedFile      `json:"files_to_touch,omitempty"`
	CurrentState  string             `json:"current_state,omitempty"`
	Blockers      string             `json:"blockers,omitempty"`
	NextSteps     string             `json:"next_steps"`
	Context       string             `json:"context,omitempty"`
}

// AgentHandoff is one immutable handoff record. A replacement never
// edits an existing record; it writes a new one.
type AgentHandoff struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Role       AgentRole      `json:"role"`
	TaskID     int            `json:"task_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	TokenUsage TokenUsage     `json:"token_usage"`
	Parsed     *ParsedHandoff `json:"parsed,omitempty"`
}
