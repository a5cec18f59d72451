package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mkessler/teamloop/internal/types"
)

// liveAgent tracks one in-flight agent invocation so the health
// monitor's interventions have something to act on. Entries exist only
// while an invocation is running.
type liveAgent struct {
	id     string
	role   types.AgentRole
	taskID int
	// cancel aborts the in-flight invocation (used by respawn)
	cancel context.CancelFunc
	// output returns the lines captured so far, for handoff recording
	output func() []string
	usage  func() types.TokenUsage

	respawned     bool
	replacementID string
	needsHandoff  bool
}

// registry is the controller's view of currently running agents.
type registry struct {
	mu     sync.Mutex
	agents map[string]*liveAgent
}

func newRegistry() *registry {
	return &registry{agents: make(map[string]*liveAgent)}
}

func (r *registry) add(a *liveAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.id] = a
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

func (r *registry) get(id string) (*liveAgent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// newAgentID mints a fresh agent id for a role.
func newAgentID(role types.AgentRole) string {
	return fmt.Sprintf("%s-%s", role, uuid.New().String()[:8])
}

// RespawnAgent implements health.Interventions. It records a handoff
// from the agent's accumulated output, cancels the in-flight
// invocation, and reserves a replacement id the owning worker picks up
// when the cancellation surfaces. An unknown agent id is an internal
// invariant violation and propagates hard.
func (c *Controller) RespawnAgent(ctx context.Context, agentID string) (string, error) {
	a, ok := c.registry.get(agentID)
	if !ok {
		return "", fmt.Errorf("respawn requested for unknown agent %s", agentID)
	}

	var usage types.TokenUsage
	if a.usage != nil {
		usage = a.usage()
	}
	if _, err := c.recorder.Record(ctx, a.id, a.role, a.taskID, usage, strings.Join(a.output(), "\n")); err != nil {
		return "", fmt.Errorf("failed to record handoff before respawn: %w", err)
	}

	newID := newAgentID(a.role)

	c.registry.mu.Lock()
	a.respawned = true
	a.replacementID = newID
	c.registry.mu.Unlock()

	a.cancel()
	return newID, nil
}

// InjectGuidance implements health.Interventions. Subprocess agents
// cannot take mid-run input, and agent ids are minted fresh per
// invocation, so the nudge is queued by role and prepended to that
// role's next invocation; it is also persisted so `teamloop status`
// can show it.
func (c *Controller) InjectGuidance(ctx context.Context, agentID, guidance string) error {
	a, ok := c.registry.get(agentID)
	if !ok {
		return fmt.Errorf("guidance requested for unknown agent %s", agentID)
	}

	c.mu.Lock()
	c.pendingGuidance[a.role] = guidance
	c.mu.Unlock()

	msg := &types.HumanMessage{
		ID:        uuid.New().String(),
		Type:      types.HumanGuidance,
		Status:    types.HumanMessageAnswered,
		Body:      fmt.Sprintf("agent %s nudged: %s", agentID, guidance),
		Response:  "auto-injected by health monitor",
		CreatedAt: c.now(),
	}
	if err := c.store.AddHumanMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to record guidance for agent %s: %w", agentID, err)
	}
	return nil
}

// EscalateToUser implements health.Interventions. It pauses the loop
// by posting a blocking escalation message; the agent keeps running.
func (c *Controller) EscalateToUser(ctx context.Context, agentID, reason string) error {
	msg := &types.HumanMessage{
		ID:        uuid.New().String(),
		Type:      types.HumanEscalation,
		Status:    types.HumanMessageOpen,
		Blocking:  true,
		Priority:  10,
		Body:      fmt.Sprintf("agent %s needs attention: %s", agentID, reason),
		CreatedAt: c.now(),
	}
	if err := c.store.AddHumanMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to escalate agent %s: %w", agentID, err)
	}

	c.mu.Lock()
	c.paused = true
	c.pauseReason = msg.Body
	c.mu.Unlock()
	return nil
}

// takeGuidanceFor pops any pending nudge queued for a role.
func (c *Controller) takeGuidanceFor(role types.AgentRole) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.pendingGuidance[role]
	delete(c.pendingGuidance, role)
	return g
}
