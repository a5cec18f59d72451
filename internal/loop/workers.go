package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mkessler/teamloop/internal/plan"
	"github.com/mkessler/teamloop/internal/queue"
	"github.com/mkessler/teamloop/internal/retryctx"
	"github.com/mkessler/teamloop/internal/types"
	"github.com/mkessler/teamloop/internal/verify"
	"golang.org/x/sync/errgroup"
)

// runDevelopment drains every batch in order. Batches are sequential;
// tasks within a batch run on a bounded worker pool.
func (c *Controller) runDevelopment(ctx context.Context) error {
	c.mu.Lock()
	batches := c.batches
	c.mu.Unlock()

	for _, batch := range batches {
		if batch.AllComplete() {
			continue
		}
		if err := c.runBatch(ctx, batch); err != nil {
			return err
		}
		batch.RefreshStatus()
	}
	return nil
}

// runBatch seeds the queue with the batch's incomplete tasks and runs
// workers until neither pending nor active work remains. Workers pull
// on their own pace; a fast worker takes more tasks.
//
// A task whose retry budget is exhausted stays failed permanently; it
// only re-enters the queue through a human resolution. Tasks already
// queued (a human-resolved requeue at the iteration boundary) are not
// enqueued a second time.
func (c *Controller) runBatch(ctx context.Context, batch *types.TaskBatch) error {
	for _, t := range batch.Tasks {
		if t.Status == types.TaskComplete || c.queue.Contains(t.ID) {
			continue
		}
		if t.Status == types.TaskFailed {
			if t.Retryable() {
				c.queue.RequeueTask(t)
			}
			continue
		}
		t.Status = types.TaskPending
		t.Assignee = ""
		c.queue.Add(t)
	}

	parallel := c.cfg.Loop.MaxParallelDevelopers
	if batch.MaxParallelTasks > 0 && batch.MaxParallelTasks < parallel {
		parallel = batch.MaxParallelTasks
	}
	if parallel < 1 {
		parallel = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parallel; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return c.developerWorker(gctx, workerID)
		})
	}
	return g.Wait()
}

// developerWorker pulls tasks until the batch is drained. ErrNoTask
// with other workers still active means a requeue may be coming, so
// the worker backs off and polls again.
func (c *Controller) developerWorker(ctx context.Context, workerID string) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = 100 * time.Millisecond
	poll.MaxInterval = 2 * time.Second
	poll.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.stopped() {
			return nil
		}

		task, err := c.queue.GetNextTask()
		if errors.Is(err, queue.ErrNoTask) {
			if c.queue.ActiveCount() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll.NextBackOff()):
			}
			continue
		}
		poll.Reset()

		if err := c.runTask(ctx, workerID, task); err != nil {
			return err
		}
	}
}

// runTask runs one attempt of one task end to end: prompt assembly
// with retry history, agent invocation, verification, and the
// retry-or-exhaust decision.
func (c *Controller) runTask(ctx context.Context, workerID string, task *types.DevTask) error {
	c.queue.StartTask(workerID, task)

	prompt, err := c.buildTaskPrompt(ctx, task)
	if err != nil {
		c.queue.CompleteTask(workerID, false)
		return err
	}

	agentID := newAgentID(types.RoleDeveloper)
	output, attemptErr := c.invokeDeveloper(ctx, agentID, task.ID, prompt)
	if ctx.Err() != nil {
		c.queue.CompleteTask(workerID, false)
		return ctx.Err()
	}

	success := attemptErr == nil && types.ContainsPromise(output, types.PromiseTaskComplete)

	var verifyFailures []types.VerificationFailure
	if success && len(c.verifyStages) > 0 {
		res := c.runVerification(ctx)
		if !res.RequiredPassed {
			success = false
			verifyFailures = collectFailures(res)
		}
	}

	if success {
		if _, err := c.queue.CompleteTask(workerID, true); err != nil {
			return err
		}
		if err := c.retry.Clear(ctx, task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to clear retry context for task %d: %v\n", task.ID, err)
		}
		c.afterTaskCompletion(ctx)
		return nil
	}

	reason := "agent did not report completion"
	if attemptErr != nil {
		reason = attemptErr.Error()
	} else if len(verifyFailures) > 0 {
		reason = fmt.Sprintf("verification failed: %s", verifyFailures[0].Stage)
	}
	task.LastFailure = reason

	if _, err := c.retry.IncrementAttempts(ctx, task.ID, reason, verifyFailures, task.Files); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record retry context for task %d: %v\n", task.ID, err)
	}

	failed, err := c.queue.CompleteTask(workerID, false)
	if err != nil {
		return err
	}
	if failed.Retryable() {
		c.queue.RequeueTask(failed)
	} else {
		fmt.Fprintf(os.Stderr, "warning: task %d (%s) exhausted retries: %s\n", task.ID, task.Title, reason)
		c.escalateExhaustedTask(ctx, task, reason)
	}
	return nil
}

// escalateExhaustedTask posts a non-blocking escalation so a human can
// supply a resolution. An answered escalation restores the task's
// retry budget at the next iteration boundary.
func (c *Controller) escalateExhaustedTask(ctx context.Context, task *types.DevTask, reason string) {
	msg := &types.HumanMessage{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Type:      types.HumanEscalation,
		Status:    types.HumanMessageOpen,
		Priority:  5,
		Body:      fmt.Sprintf("task %d (%s) exhausted retries: %s", task.ID, task.Title, reason),
		CreatedAt: c.now(),
	}
	if err := c.store.AddHumanMessage(ctx, msg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to escalate task %d: %v\n", task.ID, err)
	}
}

// buildTaskPrompt assembles the developer prompt, prefixed with the
// task's accumulated failure history on retry attempts.
func (c *Controller) buildTaskPrompt(ctx context.Context, task *types.DevTask) (string, error) {
	prompt, err := plan.BuildTaskPrompt(task)
	if err != nil {
		return "", err
	}

	rc, err := c.retry.Get(ctx, task.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load retry context for task %d: %v\n", task.ID, err)
		return prompt, nil
	}
	if rc != nil && rc.PreviousAttempts > 0 {
		prompt = retryctx.BuildRetryPrompt(rc) + "\n\n" + prompt
	}
	return prompt, nil
}

// invokeDeveloper is invokeRole specialized for task work: errors feed
// the health monitor's streak tracking instead of aborting the batch.
func (c *Controller) invokeDeveloper(ctx context.Context, agentID string, taskID int, prompt string) (string, error) {
	out, respawnedTo, err := c.invokeOnce(ctx, agentID, types.RoleDeveloper, taskID, prompt)
	if respawnedTo != "" {
		briefing, berr := c.handoffBriefing(ctx, types.RoleDeveloper)
		if berr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", berr)
		}
		out, _, err = c.invokeOnce(ctx, respawnedTo, types.RoleDeveloper, taskID, briefing+prompt)
	}
	return out, err
}

// runVerification executes the configured pipeline in the project
// working directory.
func (c *Controller) runVerification(ctx context.Context) *verify.Result {
	p := verify.NewPipeline(&verify.Config{
		Stages:            c.verifyStages,
		WorkingDir:        c.workingDir,
		ContinueOnFailure: c.cfg.Verify.ContinueOnFailure,
	})
	return p.Run(ctx)
}

func collectFailures(res *verify.Result) []types.VerificationFailure {
	var out []types.VerificationFailure
	for _, sr := range res.Stages {
		if !sr.Passed && !sr.Skipped {
			out = append(out, types.VerificationFailure{
				Stage:  sr.Stage.Name,
				Output: sr.ErrorSummary,
			})
		}
	}
	return out
}

// afterTaskCompletion bumps the completion counter and rebalances the
// queue every N completions.
func (c *Controller) afterTaskCompletion(ctx context.Context) {
	c.mu.Lock()
	c.completionsSinceRebalance++
	rebalance := c.cfg.Loop.RebalanceEvery > 0 && c.completionsSinceRebalance >= c.cfg.Loop.RebalanceEvery
	if rebalance {
		c.completionsSinceRebalance = 0
	}
	now := c.now()
	c.mu.Unlock()

	if rebalance {
		c.queue.RebalancePriorities(func(t *types.DevTask) time.Duration {
			if t.CreatedAt.IsZero() {
				return 0
			}
			return now.Sub(t.CreatedAt)
		})
	}
}
