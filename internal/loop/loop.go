// Package loop is the top-level orchestration state machine. It runs
// the one-time planning phases, then repeats development, testing,
// review, and CEO approval cycles until the CEO approves, the
// iteration cap trips, or the run is stopped.
package loop

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkessler/teamloop/internal/agent"
	"github.com/mkessler/teamloop/internal/config"
	"github.com/mkessler/teamloop/internal/handoff"
	"github.com/mkessler/teamloop/internal/health"
	"github.com/mkessler/teamloop/internal/plan"
	"github.com/mkessler/teamloop/internal/queue"
	"github.com/mkessler/teamloop/internal/retryctx"
	"github.com/mkessler/teamloop/internal/storage"
	"github.com/mkessler/teamloop/internal/types"
	"github.com/mkessler/teamloop/internal/verify"
	"golang.org/x/time/rate"
)

// pausePollInterval is how often a paused loop re-checks for
// unblocking. Cooperative wait, not busy-spin.
const pausePollInterval = 500 * time.Millisecond

// contextExhaustionTokens is the cumulative token usage past which a
// running agent is flagged for handoff and replacement.
const contextExhaustionTokens = 150_000

// Invocation is one running agent the controller can wait on, observe
// mid-run, and cancel.
type Invocation interface {
	Wait(ctx context.Context) (*agent.Result, error)
	Output() []string
	Usage() types.TokenUsage
}

// Invoker starts agent invocations. *agent.Runner is the production
// implementation; tests substitute scripted fakes.
type Invoker interface {
	Start(ctx context.Context, agentID, prompt string) (Invocation, error)
}

// runnerInvoker adapts *agent.Runner to the Invoker interface.
type runnerInvoker struct {
	runner *agent.Runner
}

func (r *runnerInvoker) Start(ctx context.Context, agentID, prompt string) (Invocation, error) {
	return r.runner.Start(ctx, agentID, prompt)
}

// NewRunnerInvoker wraps an agent runner as the controller's Invoker.
func NewRunnerInvoker(runner *agent.Runner) Invoker {
	return &runnerInvoker{runner: runner}
}

// Controller drives the orchestration run. One controller owns one
// project run; concurrent runs get separate controllers.
type Controller struct {
	cfg      *config.Config
	store    storage.Storage
	queue    *queue.TaskQueue
	retry    *retryctx.Store
	recorder *handoff.Recorder
	invoker  Invoker
	monitor  *health.Monitor
	registry *registry

	verifyStages []verify.Stage
	workingDir   string
	limiter      *rate.Limiter
	instanceID   string

	now func() time.Time

	mu              sync.Mutex
	phase           types.Phase
	plan            *plan.Plan
	batches         []*types.TaskBatch
	iteration       int
	failureReason   string
	paused          bool
	pauseReason     string
	stopRequested   bool
	pendingGuidance map[types.AgentRole]string

	completionsSinceRebalance int
}

// New creates a loop controller. The working directory is where
// verification stages run (usually the project root).
func New(cfg *config.Config, store storage.Storage, invoker Invoker, workingDir string) (*Controller, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}

	retryStore, err := retryctx.NewStore(store)
	if err != nil {
		return nil, err
	}
	recorder, err := handoff.NewRecorder(store)
	if err != nil {
		return nil, err
	}

	var stages []verify.Stage
	if cfg.Verify.Enabled {
		stages, err = verify.LoadStages(workingDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load verification stages: %w", err)
		}
	}

	delay := time.Duration(cfg.Loop.IterationDelaySeconds) * time.Second
	var limiter *rate.Limiter
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	c := &Controller{
		cfg:             cfg,
		store:           store,
		queue:           queue.New(),
		retry:           retryStore,
		recorder:        recorder,
		invoker:         invoker,
		registry:        newRegistry(),
		verifyStages:    stages,
		workingDir:      workingDir,
		limiter:         limiter,
		instanceID:      uuid.New().String(),
		now:             time.Now,
		phase:           types.PhaseIdle,
		pendingGuidance: make(map[types.AgentRole]string),
	}

	var decider health.Decider
	if cfg.Health.UseAIDecider {
		decider, err = health.NewAIDecider(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: AI health decider unavailable, using heuristic: %v\n", err)
			decider = nil
		}
	}
	monitor, err := health.NewMonitor(&health.Config{
		CheckInterval:        time.Duration(cfg.Health.CheckIntervalSeconds) * time.Second,
		StuckThreshold:       time.Duration(cfg.Health.StuckThresholdMinutes) * time.Minute,
		ErrorStreakThreshold: cfg.Health.ErrorStreakThreshold,
	}, decider, c)
	if err != nil {
		return nil, err
	}
	c.monitor = monitor

	return c, nil
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() types.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p types.Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Iteration returns the current cycle count.
func (c *Controller) Iteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// FailureReason returns why the run failed, if it did.
func (c *Controller) FailureReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureReason
}

// Stop requests a graceful stop: the in-flight iteration finishes,
// then the loop exits.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

// Pause blocks forward progress at the next iteration boundary.
func (c *Controller) Pause(reason string) {
	c.mu.Lock()
	c.paused = true
	c.pauseReason = reason
	c.mu.Unlock()
}

// Resume clears a pause set by Pause or an escalation.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.pauseReason = ""
	c.mu.Unlock()
}

func (c *Controller) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Status is a point-in-time snapshot of the controller for operators.
type Status struct {
	Phase         types.Phase `json:"phase"`
	Iteration     int         `json:"iteration"`
	Paused        bool        `json:"paused"`
	PauseReason   string      `json:"pause_reason,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	PendingTasks  int         `json:"pending_tasks"`
	ActiveTasks   int         `json:"active_tasks"`
	DoneTasks     int         `json:"done_tasks"`
	FailedTasks   int         `json:"failed_tasks"`
}

// Snapshot returns the controller's current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:         c.phase,
		Iteration:     c.iteration,
		Paused:        c.paused,
		PauseReason:   c.pauseReason,
		FailureReason: c.failureReason,
		PendingTasks:  c.queue.PendingCount(),
		ActiveTasks:   c.queue.ActiveCount(),
		DoneTasks:     c.queue.CompletedCount(),
		FailedTasks:   c.queue.FailedCount(),
	}
}

// IsProjectComplete reports whether every task across all batches is
// complete AND the current phase is complete. Both conditions are
// required; neither alone suffices.
func (c *Controller) IsProjectComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != types.PhaseComplete {
		return false
	}
	for _, b := range c.batches {
		if !b.AllComplete() {
			return false
		}
	}
	return true
}

// Run drives the full orchestration: one-time planning and task
// breakdown, then cycles until approval, the iteration cap, or stop.
func (c *Controller) Run(ctx context.Context) error {
	inst := &types.OrchestratorInstance{
		InstanceID:    c.instanceID,
		PID:           os.Getpid(),
		Status:        "running",
		StartedAt:     c.now(),
		LastHeartbeat: c.now(),
	}
	if host, err := os.Hostname(); err == nil {
		inst.Hostname = host
	}
	if err := c.store.RegisterInstance(ctx, inst); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to register instance: %v\n", err)
	}
	defer func() {
		if err := c.store.MarkInstanceStopped(context.Background(), c.instanceID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to mark instance stopped: %v\n", err)
		}
	}()

	if err := c.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	// The monitor's timer must stop on every exit path: completion,
	// failure, or panic.
	defer c.monitor.Stop()

	// One-time planning phases, regardless of later iteration count
	if err := c.runPlanningPhases(ctx, ""); err != nil {
		c.fail(fmt.Sprintf("planning failed: %v", err))
		return err
	}

	for {
		c.mu.Lock()
		c.iteration++
		iteration := c.iteration
		c.mu.Unlock()

		if iteration > c.cfg.Loop.MaxIterations {
			reason := fmt.Sprintf("reached maximum iterations (%d) without CEO approval", c.cfg.Loop.MaxIterations)
			c.fail(reason)
			return fmt.Errorf("%s", reason)
		}
		if c.stopped() || ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.waitWhilePaused(ctx); err != nil {
			return err
		}

		c.applyHumanResolutions(ctx)

		// User guidance triggers a full replan: new plan, new
		// breakdown, batch progress reset
		if guidance := c.collectGuidance(ctx); guidance != "" {
			if err := c.runPlanningPhases(ctx, guidance); err != nil {
				c.fail(fmt.Sprintf("replan failed: %v", err))
				return err
			}
		}

		approved, err := c.runOneCycle(ctx)
		if err != nil {
			if ctx.Err() != nil || c.stopped() {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "warning: iteration %d failed: %v\n", iteration, err)
		}
		if approved {
			c.setPhase(types.PhaseComplete)
			return nil
		}

		if err := c.store.UpdateHeartbeat(ctx, c.instanceID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: heartbeat failed: %v\n", err)
		}

		// Fixed delay between iterations bounds CPU under
		// pathological fast-rejecting cycles
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) fail(reason string) {
	c.mu.Lock()
	c.phase = types.PhaseFailed
	c.failureReason = reason
	c.mu.Unlock()
}

// runPlanningPhases runs the CEO plan and Staff Engineer breakdown.
// With guidance it is a replan: the queue and batch progress reset.
func (c *Controller) runPlanningPhases(ctx context.Context, guidance string) error {
	c.setPhase(types.PhasePlanning)

	requirements := c.cfg.Requirements
	if requirements == "" {
		requirements = c.cfg.ProjectName
	}
	if guidance != "" {
		requirements += "\n\n# USER GUIDANCE\n\n" + guidance
	}

	planPrompt, err := plan.BuildPlanPrompt(requirements)
	if err != nil {
		return err
	}
	planOut, err := c.invokeRole(ctx, types.RoleCEO, 0, planPrompt, types.PromisePlanComplete)
	if err != nil {
		return err
	}
	p, err := plan.ParsePlan(planOut)
	if err != nil {
		return err
	}

	c.setPhase(types.PhaseTaskBreakdown)
	breakdownPrompt, err := plan.BuildBreakdownPrompt(p)
	if err != nil {
		return err
	}
	breakdownOut, err := c.invokeRole(ctx, types.RoleStaffEngineer, 0, breakdownPrompt, types.PromiseTasksReady)
	if err != nil {
		return err
	}
	batches, err := plan.ParseTaskBreakdown(breakdownOut)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.plan = p
	c.batches = batches
	c.queue = queue.New()
	c.mu.Unlock()

	if err := c.store.SetConfig(ctx, "plan.summary", p.Summary); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist plan summary: %v\n", err)
	}

	return nil
}

// runOneCycle executes development, testing, review, and CEO approval.
// Returns true when the CEO approved.
func (c *Controller) runOneCycle(ctx context.Context) (bool, error) {
	c.setPhase(types.PhaseDevelopment)
	if err := c.runDevelopment(ctx); err != nil {
		return false, err
	}

	c.setPhase(types.PhaseTesting)
	qaReport, err := c.runQA(ctx, types.RoleQA, types.PromiseReviewComplete)
	if err != nil {
		return false, err
	}

	c.setPhase(types.PhaseReview)
	e2eReport, err := c.runQA(ctx, types.RoleE2E, types.PromiseE2EComplete)
	if err != nil {
		return false, err
	}

	c.setPhase(types.PhaseCEOApproval)
	return c.runApproval(ctx, qaReport+"\n\n"+e2eReport)
}

// runQA runs one review-style phase and returns the agent's report.
func (c *Controller) runQA(ctx context.Context, role types.AgentRole, promise types.Promise) (string, error) {
	c.mu.Lock()
	projectName := c.cfg.ProjectName
	var done []*types.DevTask
	for _, b := range c.batches {
		for _, t := range b.Tasks {
			if t.Status == types.TaskComplete {
				done = append(done, t)
			}
		}
	}
	c.mu.Unlock()

	prompt, err := plan.BuildQAPrompt(projectName, done)
	if err != nil {
		return "", err
	}
	return c.invokeRole(ctx, role, 0, prompt, promise)
}

// runApproval asks the CEO for the release decision.
func (c *Controller) runApproval(ctx context.Context, qaReport string) (bool, error) {
	c.mu.Lock()
	p := c.plan
	c.mu.Unlock()

	prompt, err := plan.BuildApprovalPrompt(p, qaReport)
	if err != nil {
		return false, err
	}
	out, err := c.invokeRole(ctx, types.RoleCEO, 0, prompt, "")
	if err != nil {
		return false, err
	}

	// An APPROVED without REJECTED is authoritative and short-circuits
	// the loop
	if types.ContainsPromise(out, types.PromiseApproved) && !types.ContainsPromise(out, types.PromiseRejected) {
		return true, nil
	}
	return false, nil
}

// invokeRole runs one agent invocation for a phase role, registered
// with the health monitor and the respawn registry for its duration.
// A respawn triggered mid-run is retried once with the recorded
// handoff injected.
func (c *Controller) invokeRole(ctx context.Context, role types.AgentRole, taskID int, prompt string, want types.Promise) (string, error) {
	agentID := newAgentID(role)

	out, respawnedTo, err := c.invokeOnce(ctx, agentID, role, taskID, prompt)
	if respawnedTo != "" {
		briefing, berr := c.handoffBriefing(ctx, role)
		if berr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", berr)
		}
		out, _, err = c.invokeOnce(ctx, respawnedTo, role, taskID, briefing+prompt)
	}
	if err != nil {
		return "", err
	}

	if want != "" && !types.ContainsPromise(out, want) {
		return out, fmt.Errorf("agent %s finished without emitting %s", agentID, want)
	}
	return out, nil
}

// invokeOnce runs a single invocation. The third return carries the
// replacement agent id when the health monitor respawned us mid-run.
func (c *Controller) invokeOnce(ctx context.Context, agentID string, role types.AgentRole, taskID int, prompt string) (string, string, error) {
	if nudge := c.takeGuidanceFor(role); nudge != "" {
		prompt = "# SUPERVISOR GUIDANCE\n\n" + nudge + "\n\n" + prompt
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := c.invoker.Start(runCtx, agentID, prompt)
	if err != nil {
		return "", "", err
	}

	entry := &liveAgent{
		id:     agentID,
		role:   role,
		taskID: taskID,
		cancel: cancel,
		output: proc.Output,
		usage:  proc.Usage,
	}
	c.registry.add(entry)
	c.monitor.Register(agentID, role)
	sinkStop := c.feedMonitor(ctx, entry, proc)

	res, err := proc.Wait(runCtx)

	sinkStop()
	switch {
	case err != nil:
		c.monitor.RecordError(agentID, err)
	case !res.Success:
		c.monitor.RecordError(agentID, fmt.Errorf("exit code %d", res.ExitCode))
	default:
		c.monitor.RecordSuccess(agentID)
	}
	c.monitor.Deregister(agentID)

	c.registry.mu.Lock()
	respawnedTo := entry.replacementID
	c.registry.mu.Unlock()
	c.registry.remove(agentID)

	if err != nil {
		if respawnedTo != "" {
			return "", respawnedTo, nil
		}
		return "", "", err
	}
	if respawnedTo != "" {
		return "", respawnedTo, nil
	}
	if !res.Success {
		return res.OutputText(), "", fmt.Errorf("agent %s exited with code %d", agentID, res.ExitCode)
	}
	return res.OutputText(), "", nil
}

// feedMonitor polls an invocation's output into the health monitor so
// staleness detection sees progress, and forces a handoff-and-replace
// once token usage crosses context exhaustion. Returns a stop
// function.
func (c *Controller) feedMonitor(ctx context.Context, entry *liveAgent, proc Invocation) func() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		seen := 0
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				lines := proc.Output()
				for ; seen < len(lines); seen++ {
					c.monitor.RecordOutput(entry.id, lines[seen])
				}

				usage := proc.Usage()
				if usage.InputTokens+usage.OutputTokens > contextExhaustionTokens {
					c.registry.mu.Lock()
					flagged := entry.needsHandoff
					entry.needsHandoff = true
					c.registry.mu.Unlock()
					if !flagged {
						if _, err := c.RespawnAgent(ctx, entry.id); err != nil {
							fmt.Fprintf(os.Stderr, "warning: failed to replace exhausted agent %s: %v\n", entry.id, err)
						}
					}
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

// handoffBriefing renders the latest handoff for a role into a prompt
// prefix for the replacement agent.
func (c *Controller) handoffBriefing(ctx context.Context, role types.AgentRole) (string, error) {
	latest, err := c.recorder.Latest(ctx, role)
	if err != nil {
		return "", fmt.Errorf("failed to load handoff for role %s: %w", role, err)
	}
	return handoff.FormatForInjection(latest) + "\n\n", nil
}

// waitWhilePaused blocks cooperatively while the loop is paused,
// either explicitly or by an open blocking escalation. The health
// monitor keeps running throughout.
func (c *Controller) waitWhilePaused(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.stopped() {
			return nil
		}

		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()

		if !paused {
			blocking := true
			open, err := c.store.ListHumanMessages(ctx, types.HumanMessageFilter{
				Status:   types.HumanMessageOpen,
				Blocking: &blocking,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to check escalations: %v\n", err)
			}
			paused = len(open) > 0
		}

		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
}

// collectGuidance drains open user guidance messages, marking them
// answered. Non-empty output triggers a replan.
func (c *Controller) collectGuidance(ctx context.Context) string {
	msgs, err := c.store.ListHumanMessages(ctx, types.HumanMessageFilter{
		Status: types.HumanMessageOpen,
		Type:   types.HumanGuidance,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check guidance: %v\n", err)
		return ""
	}

	var parts []string
	for _, m := range msgs {
		parts = append(parts, m.Body)
		if err := c.store.UpdateHumanMessage(ctx, m.ID, types.HumanMessageAnswered, "applied as replan input"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to mark guidance answered: %v\n", err)
		}
	}
	return strings.Join(parts, "\n")
}

// applyHumanResolutions consumes answered task escalations. The answer
// lands in the task's retry context and the task re-enters the queue
// with a fresh retry budget.
func (c *Controller) applyHumanResolutions(ctx context.Context) {
	msgs, err := c.store.ListHumanMessages(ctx, types.HumanMessageFilter{
		Status: types.HumanMessageAnswered,
		Type:   types.HumanEscalation,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check answered escalations: %v\n", err)
		return
	}

	resolved := false
	for _, m := range msgs {
		if m.TaskID == 0 {
			continue
		}
		if err := c.retry.SetHumanResolution(ctx, m.TaskID, m.Response); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to store resolution for task %d: %v\n", m.TaskID, err)
			continue
		}
		if c.queue.ApplyHumanResolution(m.TaskID, m.Response) {
			resolved = true
		}
		if err := c.store.UpdateHumanMessage(ctx, m.ID, types.HumanMessageDismissed, m.Response); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close escalation %s: %v\n", m.ID, err)
		}
	}
	if !resolved {
		return
	}

	for _, t := range c.queue.GetRetryableFailed() {
		c.queue.RequeueTask(t)
	}
}
