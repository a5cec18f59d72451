package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

// Config holds monitor configuration
type Config struct {
	// CheckInterval is how often the background loop examines agents.
	// Default: 30s
	CheckInterval time.Duration
	// StuckThreshold is the silence duration that flags an agent as
	// stuck. Default: 5m
	StuckThreshold time.Duration
	// ErrorStreakThreshold is the consecutive-error count that flags
	// an agent. Default: 3
	ErrorStreakThreshold int
	// TailLines is how many recent output lines to keep per agent for
	// decider context. Default: 20
	TailLines int
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:        30 * time.Second,
		StuckThreshold:       5 * time.Minute,
		ErrorStreakThreshold: 3,
		TailLines:            20,
	}
}

// agentRecord is the monitor's view of one registered agent.
type agentRecord struct {
	id            string
	role          types.AgentRole
	registeredAt  time.Time
	lastOutputAt  time.Time
	lastError     string
	errorStreak   int
	totalErrors   int
	interventions []Action
}

// AgentStatus is a read-only snapshot of one agent's health state.
type AgentStatus struct {
	AgentID       string
	Role          types.AgentRole
	LastOutputAt  time.Time
	ErrorStreak   int
	TotalErrors   int
	Interventions int
}

// Monitor tracks per-agent liveness and runs the periodic health
// check. Detection is threshold-based; the chosen remedy comes from
// the Decider.
type Monitor struct {
	mu sync.RWMutex

	agents map[string]*agentRecord
	tails  map[string][]string

	config        *Config
	decider       Decider
	interventions Interventions

	// now is swappable for tests
	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a health monitor. The interventions collaborator
// is required; a nil decider falls back to the stock heuristic.
func NewMonitor(cfg *Config, decider Decider, interventions Interventions) (*Monitor, error) {
	if interventions == nil {
		return nil, fmt.Errorf("interventions collaborator is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 20
	}
	if decider == nil {
		decider = NewHeuristicDecider()
	}

	return &Monitor{
		agents:        make(map[string]*agentRecord),
		tails:         make(map[string][]string),
		config:        cfg,
		decider:       decider,
		interventions: interventions,
		now:           time.Now,
	}, nil
}

// Register starts tracking an agent. Registration counts as output so
// a freshly spawned agent is not immediately stale.
func (m *Monitor) Register(agentID string, role types.AgentRole) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.agents[agentID] = &agentRecord{
		id:           agentID,
		role:         role,
		registeredAt: now,
		lastOutputAt: now,
	}
	m.tails[agentID] = nil
}

// Deregister stops tracking an agent (normal completion).
func (m *Monitor) Deregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	delete(m.tails, agentID)
}

// RecordOutput notes that an agent produced output, resetting its
// staleness clock and extending its tail.
func (m *Monitor) RecordOutput(agentID, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.lastOutputAt = m.now()

	tail := append(m.tails[agentID], line)
	if len(tail) > m.config.TailLines {
		tail = tail[len(tail)-m.config.TailLines:]
	}
	m.tails[agentID] = tail
}

// RecordError notes a failed attempt by an agent.
func (m *Monitor) RecordError(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.errorStreak++
	rec.totalErrors++
	if err != nil {
		rec.lastError = err.Error()
	}
}

// RecordSuccess clears an agent's error streak.
func (m *Monitor) RecordSuccess(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.agents[agentID]; ok {
		rec.errorStreak = 0
	}
}

// Snapshot returns a copy of all tracked agents' health state.
func (m *Monitor) Snapshot() []AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentStatus, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, AgentStatus{
			AgentID:       rec.id,
			Role:          rec.role,
			LastOutputAt:  rec.lastOutputAt,
			ErrorStreak:   rec.errorStreak,
			TotalErrors:   rec.totalErrors,
			Interventions: len(rec.interventions),
		})
	}
	return out
}

// Start begins the background check loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("health monitor already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.checkLoop()

	return nil
}

// Stop halts the background loop and waits for the in-flight check to
// finish. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// checkLoop runs the periodic health check independent of the main
// loop's cadence. It keeps ticking while the orchestrator is paused or
// blocked on an agent.
func (m *Monitor) checkLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(m.ctx, m.config.CheckInterval)
			if err := m.CheckOnce(tickCtx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: health check failed: %v\n", err)
			}
			cancel()
		}
	}
}

// CheckOnce examines every tracked agent, asks the decider about any
// with an issue, and applies the chosen actions. Exported so tests and
// the orchestrator can force a check without waiting for the timer.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	reports := m.detect()

	var firstErr error
	for _, report := range reports {
		action, err := m.decider.Decide(ctx, report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: health decision failed for agent %s: %v\n", report.AgentID, err)
			continue
		}
		if err := m.apply(ctx, report, action); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// detect builds reports for agents past a threshold. Holds the lock
// only while reading; actions run unlocked.
func (m *Monitor) detect() []*Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var reports []*Report
	for _, rec := range m.agents {
		silent := now.Sub(rec.lastOutputAt)

		var issue IssueType
		var desc string
		switch {
		case rec.errorStreak >= m.config.ErrorStreakThreshold:
			issue = IssueErrorStreak
			desc = fmt.Sprintf("%d consecutive errors, last: %s", rec.errorStreak, rec.lastError)
		case silent >= m.config.StuckThreshold:
			issue = IssueStuck
			desc = fmt.Sprintf("no output for %s", silent.Round(time.Second))
		default:
			continue
		}

		reports = append(reports, &Report{
			AgentID:      rec.id,
			Role:         rec.role,
			Issue:        issue,
			Description:  desc,
			SilentFor:    silent,
			ErrorStreak:  rec.errorStreak,
			OutputTail:   append([]string(nil), m.tails[rec.id]...),
			PriorActions: append([]Action(nil), rec.interventions...),
		})
	}
	return reports
}

// apply executes one action. Respawn re-registers the replacement
// under the new id so monitoring continues across the boundary.
func (m *Monitor) apply(ctx context.Context, report *Report, action Action) error {
	switch action {
	case ActionContinue:
		return nil

	case ActionInjectGuidance:
		if err := m.interventions.InjectGuidance(ctx, report.AgentID, guidanceFor(report)); err != nil {
			return fmt.Errorf("failed to inject guidance into agent %s: %w", report.AgentID, err)
		}
		m.noteIntervention(report.AgentID, action)
		return nil

	case ActionRespawn:
		newID, err := m.interventions.RespawnAgent(ctx, report.AgentID)
		if err != nil {
			return fmt.Errorf("failed to respawn agent %s: %w", report.AgentID, err)
		}
		m.replaceRegistration(report.AgentID, newID, report.Role, report.PriorActions, action)
		return nil

	case ActionEscalate:
		if err := m.interventions.EscalateToUser(ctx, report.AgentID, report.Description); err != nil {
			return fmt.Errorf("failed to escalate agent %s: %w", report.AgentID, err)
		}
		m.noteIntervention(report.AgentID, action)
		return nil

	default:
		return fmt.Errorf("unknown health action %q for agent %s", action, report.AgentID)
	}
}

func (m *Monitor) noteIntervention(agentID string, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.agents[agentID]; ok {
		rec.interventions = append(rec.interventions, action)
	}
}

// replaceRegistration swaps the old agent's record for the
// replacement. The intervention history carries over so a flapping
// agent eventually escalates instead of respawning forever.
func (m *Monitor) replaceRegistration(oldID, newID string, role types.AgentRole, prior []Action, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.agents, oldID)
	delete(m.tails, oldID)

	now := m.now()
	m.agents[newID] = &agentRecord{
		id:            newID,
		role:          role,
		registeredAt:  now,
		lastOutputAt:  now,
		interventions: append(append([]Action(nil), prior...), action),
	}
	m.tails[newID] = nil
}
