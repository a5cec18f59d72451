package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkessler/teamloop/internal/storage"
	"github.com/mkessler/teamloop/internal/types"
)

// Recorder persists handoff records and retrieves them for briefing
// replacement agents. Records are append-only.
type Recorder struct {
	store storage.Storage
}

// NewRecorder creates a handoff recorder
func NewRecorder(st storage.Storage) (*Recorder, error) {
	if st == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Recorder{store: st}, nil
}

// Record builds and persists one handoff record from the departing
// agent's accumulated output. Parsing failure is not an error: a
// record with no parsed block still tells the replacement that the
// previous agent left nothing structured behind.
func (r *Recorder) Record(ctx context.Context, agentID string, role types.AgentRole, taskID int, usage types.TokenUsage, agentOutput string) (*types.AgentHandoff, error) {
	parsed, _ := ParseHandoffBlock(agentOutput)

	h := &types.AgentHandoff{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Role:       role,
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
		TokenUsage: usage,
		Parsed:     parsed,
	}

	if err := r.store.RecordHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to persist handoff for agent %s: %w", agentID, err)
	}
	return h, nil
}

// Latest returns the newest handoff for a role, or nil when the role
// has never handed off.
func (r *Recorder) Latest(ctx context.Context, role types.AgentRole) (*types.AgentHandoff, error) {
	list, err := r.ListByRole(ctx, role, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoffs for role %s: %w", role, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// ListByRole returns handoff records for a role, newest first
func (r *Recorder) ListByRole(ctx context.Context, role types.AgentRole, limit int) ([]*types.AgentHandoff, error) {
	return r.store.ListHandoffsByRole(ctx, role, limit)
}
