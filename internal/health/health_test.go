package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

// fakeInterventions records calls and optionally fails them.
type fakeInterventions struct {
	mu         sync.Mutex
	respawned  []string
	guided     map[string]string
	escalated  map[string]string
	respawnErr error
	nextID     int
}

func newFakeInterventions() *fakeInterventions {
	return &fakeInterventions{
		guided:    make(map[string]string),
		escalated: make(map[string]string),
	}
}

func (f *fakeInterventions) RespawnAgent(_ context.Context, agentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respawnErr != nil {
		return "", f.respawnErr
	}
	f.respawned = append(f.respawned, agentID)
	f.nextID++
	return fmt.Sprintf("%s-r%d", agentID, f.nextID), nil
}

func (f *fakeInterventions) InjectGuidance(_ context.Context, agentID, guidance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guided[agentID] = guidance
	return nil
}

func (f *fakeInterventions) EscalateToUser(_ context.Context, agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated[agentID] = reason
	return nil
}

// fixedDecider always returns the same action.
type fixedDecider struct {
	action Action
	calls  int
}

func (d *fixedDecider) Decide(_ context.Context, _ *Report) (Action, error) {
	d.calls++
	return d.action, nil
}

func newTestMonitor(t *testing.T, decider Decider, iv Interventions) (*Monitor, *time.Time) {
	t.Helper()
	m, err := NewMonitor(&Config{
		CheckInterval:        time.Second,
		StuckThreshold:       5 * time.Minute,
		ErrorStreakThreshold: 3,
		TailLines:            5,
	}, decider, iv)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestHealthyAgentNotReported(t *testing.T) {
	dec := &fixedDecider{action: ActionContinue}
	m, now := newTestMonitor(t, dec, newFakeInterventions())

	m.Register("dev-1", types.RoleDeveloper)
	*now = now.Add(4 * time.Minute)

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.calls != 0 {
		t.Errorf("decider consulted %d times for a healthy agent", dec.calls)
	}
}

func TestStuckDetection(t *testing.T) {
	iv := newFakeInterventions()
	m, now := newTestMonitor(t, &fixedDecider{action: ActionInjectGuidance}, iv)

	m.Register("dev-1", types.RoleDeveloper)
	m.RecordOutput("dev-1", "working on it")
	*now = now.Add(6 * time.Minute)

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, ok := iv.guided["dev-1"]; !ok {
		t.Error("stale agent should receive guidance")
	}

	// Output resets the staleness clock
	m.RecordOutput("dev-1", "making progress")
	iv2 := newFakeInterventions()
	m.interventions = iv2
	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(iv2.guided) != 0 {
		t.Error("fresh output should clear the stuck signal")
	}
}

func TestErrorStreakDetectionAndReset(t *testing.T) {
	iv := newFakeInterventions()
	dec := &fixedDecider{action: ActionContinue}
	m, _ := newTestMonitor(t, dec, iv)

	m.Register("qa-1", types.RoleQA)
	m.RecordError("qa-1", errors.New("test run failed"))
	m.RecordError("qa-1", errors.New("test run failed again"))

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.calls != 0 {
		t.Error("two errors is below the streak threshold")
	}

	m.RecordError("qa-1", errors.New("third failure"))
	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.calls != 1 {
		t.Errorf("decider calls = %d, want 1", dec.calls)
	}

	m.RecordSuccess("qa-1")
	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.calls != 1 {
		t.Error("success should clear the error streak")
	}
}

func TestRespawnReregistersReplacement(t *testing.T) {
	iv := newFakeInterventions()
	m, now := newTestMonitor(t, &fixedDecider{action: ActionRespawn}, iv)

	m.Register("dev-1", types.RoleDeveloper)
	*now = now.Add(10 * time.Minute)

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(iv.respawned) != 1 || iv.respawned[0] != "dev-1" {
		t.Fatalf("respawned = %v", iv.respawned)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("tracked agents = %d, want 1", len(snap))
	}
	if snap[0].AgentID != "dev-1-r1" {
		t.Errorf("tracked agent = %s, want the replacement id", snap[0].AgentID)
	}
	if snap[0].Interventions != 1 {
		t.Errorf("intervention history = %d, want 1 (carried across respawn)", snap[0].Interventions)
	}
}

func TestRespawnFailurePropagates(t *testing.T) {
	iv := newFakeInterventions()
	iv.respawnErr = errors.New("no such agent")
	m, now := newTestMonitor(t, &fixedDecider{action: ActionRespawn}, iv)

	m.Register("dev-1", types.RoleDeveloper)
	*now = now.Add(10 * time.Minute)

	if err := m.CheckOnce(context.Background()); err == nil {
		t.Error("a failed respawn is an invariant violation and must surface")
	}
}

func TestEscalatePausesWithoutDeregistering(t *testing.T) {
	iv := newFakeInterventions()
	m, now := newTestMonitor(t, &fixedDecider{action: ActionEscalate}, iv)

	m.Register("dev-1", types.RoleDeveloper)
	*now = now.Add(10 * time.Minute)

	if err := m.CheckOnce(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, ok := iv.escalated["dev-1"]; !ok {
		t.Error("expected escalation")
	}
	if len(m.Snapshot()) != 1 {
		t.Error("escalation must not kill or deregister the agent")
	}
}

func TestHeuristicDecider(t *testing.T) {
	d := NewHeuristicDecider()
	ctx := context.Background()

	tests := []struct {
		name   string
		report *Report
		want   Action
	}{
		{
			name:   "briefly stuck gets guidance",
			report: &Report{Issue: IssueStuck, SilentFor: 6 * time.Minute},
			want:   ActionInjectGuidance,
		},
		{
			name:   "long stuck gets respawned",
			report: &Report{Issue: IssueStuck, SilentFor: 20 * time.Minute},
			want:   ActionRespawn,
		},
		{
			name:   "short error streak gets guidance",
			report: &Report{Issue: IssueErrorStreak, ErrorStreak: 3},
			want:   ActionInjectGuidance,
		},
		{
			name:   "deep error streak gets respawned",
			report: &Report{Issue: IssueErrorStreak, ErrorStreak: 6},
			want:   ActionRespawn,
		},
		{
			name: "exhausted interventions escalate",
			report: &Report{
				Issue:        IssueStuck,
				SilentFor:    6 * time.Minute,
				PriorActions: []Action{ActionInjectGuidance, ActionRespawn, ActionInjectGuidance},
			},
			want: ActionEscalate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decide(ctx, tt.report)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if got != tt.want {
				t.Errorf("action = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMonitorStartStop(t *testing.T) {
	m, _ := newTestMonitor(t, &fixedDecider{action: ActionContinue}, newFakeInterventions())

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second start should fail")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return; check loop leaked")
	}
}

func TestBreakerTripAndRecover(t *testing.T) {
	b := newBreaker(2, 1, 50*time.Millisecond)

	if err := b.allow(); err != nil {
		t.Fatalf("closed breaker should allow: %v", err)
	}
	b.recordFailure()
	b.recordFailure()
	if err := b.allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("breaker should be open, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.allow(); err != nil {
		t.Fatalf("breaker should probe after timeout: %v", err)
	}
	b.recordSuccess()
	if b.currentState() != breakerClosed {
		t.Errorf("state = %s, want CLOSED", b.currentState())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := newBreaker(1, 2, 50*time.Millisecond)
	b.recordFailure()
	time.Sleep(60 * time.Millisecond)
	if err := b.allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	b.recordFailure()
	if err := b.allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Error("probe failure should reopen the breaker")
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "plain json",
			text: `{"action": "respawn", "reasoning": "agent is looping"}`,
			want: "respawn",
		},
		{
			name: "fenced json with prose",
			text: "Here is my judgment:\n```json\n{\"action\": \"continue\", \"reasoning\": \"normal pause\"}\n```\nDone.",
			want: "continue",
		},
		{
			name:    "no json",
			text:    "I think you should restart it",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := parseDecision(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if dec.Action != tt.want {
				t.Errorf("action = %s, want %s", dec.Action, tt.want)
			}
		})
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("429 rate limit exceeded"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("connection reset by peer"), true},
		{context.DeadlineExceeded, true},
		{errors.New("401 unauthorized"), false},
		{errors.New("invalid request body"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isRetriable(tt.err); got != tt.want {
			t.Errorf("isRetriable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
