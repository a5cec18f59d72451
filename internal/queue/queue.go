package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

// ErrNoTask is returned by GetNextTask when no pending work exists.
// Callers should back off and poll again rather than treat this as
// terminal: another worker's failure can requeue work at any time.
var ErrNoTask = errors.New("no pending task")

// ErrNoActiveTask is returned by CompleteTask when the worker has no
// recorded active assignment.
var ErrNoActiveTask = errors.New("worker has no active task")

// ActiveTask binds a worker to a task for the duration of an attempt
type ActiveTask struct {
	WorkerID  string
	Task      *types.DevTask
	StartedAt time.Time
}

// Rebalance boost weights. Tuned constants, not a contract; see
// RebalanceConfig for overriding.
const (
	boostRetry           = 2
	boostAge             = 1
	boostHumanResolution = 3
	boostCutoff          = 2
	boostAgeThreshold    = time.Hour
)

// TaskQueue distributes tasks to independently-paced workers. Workers
// pull on their own schedule, so faster workers naturally do more
// work; there is no wait-for-slowest barrier.
//
// Every mutating operation holds the single mutex for its full
// duration. Queue operations are pure in-memory bookkeeping, never
// I/O, so serializing them is cheap and guarantees at-most-one-worker
// per task.
type TaskQueue struct {
	mu        sync.Mutex
	pending   []*types.DevTask
	active    map[string]*ActiveTask
	completed []*types.DevTask
	failed    []*types.DevTask

	// now is swappable for tests
	now func() time.Time
}

// New creates an empty task queue
func New() *TaskQueue {
	return &TaskQueue{
		active: make(map[string]*ActiveTask),
		now:    time.Now,
	}
}

// Add appends tasks to the back of the pending sequence
func (q *TaskQueue) Add(tasks ...*types.DevTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, tasks...)
}

// GetNextTask atomically pops and returns the front pending task.
// Safe to call concurrently from any number of workers; no two calls
// return the same task.
func (q *TaskQueue) GetNextTask() (*types.DevTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, ErrNoTask
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return task, nil
}

// StartTask records the task as active for the worker. Overwrites any
// previous active record for that worker; callers are expected to call
// this exactly once per obtained task.
func (q *TaskQueue) StartTask(workerID string, task *types.DevTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Status = types.TaskRunning
	task.Assignee = workerID
	q.active[workerID] = &ActiveTask{
		WorkerID:  workerID,
		Task:      task,
		StartedAt: q.now(),
	}
}

// CompleteTask removes the worker's active record and records the
// outcome. On failure the task's retry counter is incremented; whether
// it re-enters the queue is the caller's decision via RequeueTask.
func (q *TaskQueue) CompleteTask(workerID string, success bool) (*types.DevTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	at, ok := q.active[workerID]
	if !ok {
		return nil, ErrNoActiveTask
	}
	delete(q.active, workerID)

	task := at.Task
	if success {
		task.Status = types.TaskComplete
		q.completed = append(q.completed, task)
	} else {
		task.Status = types.TaskFailed
		task.RetryCount++
		q.failed = append(q.failed, task)
	}
	return task, nil
}

// RequeueTask resets a task to pending and pushes it to the FRONT of
// the pending sequence. Retries cut ahead of fresh work; this is a
// deliberate departure from plain FIFO. The task is removed from the
// failed history so the failed count reflects current outcomes only.
func (q *TaskQueue) RequeueTask(task *types.DevTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Status = types.TaskPending
	task.Assignee = ""

	for i, f := range q.failed {
		if f == task {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			break
		}
	}

	q.pending = append([]*types.DevTask{task}, q.pending...)
}

// ApplyHumanResolution attaches human-supplied resolution text to a
// failed task and resets its retry budget so it becomes retryable
// again. Returns false when no failed task has the given id.
func (q *TaskQueue) ApplyHumanResolution(taskID int, resolution string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.failed {
		if t.ID == taskID {
			t.Context += "\n\n" + types.HumanResolutionMarker + " " + resolution
			t.RetryCount = 0
			return true
		}
	}
	return false
}

// RebalancePriorities recomputes pending order from boost signals:
// a prior retryable failure (+2), age over one hour per ageFn (+1),
// and a human-resolution marker in the task context (+3). Tasks with
// boost >= 2 move to the front; relative order is preserved within the
// boosted group and within the rest. Intended to run after every N
// completions, not on every mutation.
func (q *TaskQueue) RebalancePriorities(ageFn func(*types.DevTask) time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) < 2 {
		return
	}

	boosted := make([]*types.DevTask, 0, len(q.pending))
	rest := make([]*types.DevTask, 0, len(q.pending))

	for _, t := range q.pending {
		boost := 0
		if t.RetryCount > 0 && t.RetryCount <= t.MaxRetries {
			boost += boostRetry
		}
		if ageFn != nil && ageFn(t) > boostAgeThreshold {
			boost += boostAge
		}
		if t.HasHumanResolution() {
			boost += boostHumanResolution
		}
		if boost >= boostCutoff {
			boosted = append(boosted, t)
		} else {
			rest = append(rest, t)
		}
	}

	q.pending = append(boosted, rest...)
}

// Contains reports whether a task is currently pending or active.
// Completed and failed history entries don't count; a failed task is
// out of the queue until explicitly requeued.
func (q *TaskQueue) Contains(taskID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.pending {
		if t.ID == taskID {
			return true
		}
	}
	for _, at := range q.active {
		if at.Task.ID == taskID {
			return true
		}
	}
	return false
}

// HasNext reports whether pending work exists. A snapshot only; the
// answer can be stale by the time the caller acts on it.
func (q *TaskQueue) HasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// IsEmpty reports whether the queue has neither pending nor active work
func (q *TaskQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.active) == 0
}

// PendingCount returns the number of tasks awaiting a worker
func (q *TaskQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveCount returns the number of tasks currently held by workers
func (q *TaskQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// CompletedCount returns the number of successfully completed tasks
func (q *TaskQueue) CompletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

// FailedCount returns the number of tasks whose latest outcome was
// failure
func (q *TaskQueue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// IsWorkerBusy reports whether the worker currently holds a task
func (q *TaskQueue) IsWorkerBusy(workerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[workerID]
	return ok
}

// GetActiveTask returns a copy of the worker's active assignment
func (q *TaskQueue) GetActiveTask(workerID string) (*ActiveTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	at, ok := q.active[workerID]
	if !ok {
		return nil, false
	}
	cp := *at
	return &cp, true
}

// GetRetryableFailed returns failed tasks that are still under their
// retry cap. Tasks at or over the cap stay failed permanently and are
// excluded.
func (q *TaskQueue) GetRetryableFailed() []*types.DevTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.DevTask
	for _, t := range q.failed {
		if t.Retryable() {
			out = append(out, t)
		}
	}
	return out
}
