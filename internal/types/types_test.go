package types

import (
	"testing"
	"time"
)

func TestDevTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    DevTask
		wantErr bool
	}{
		{
			name: "valid task",
			task: DevTask{ID: 1, Title: "Add login endpoint", Status: TaskPending, MaxRetries: 2},
		},
		{
			name:    "missing title",
			task:    DevTask{ID: 1, Status: TaskPending},
			wantErr: true,
		},
		{
			name:    "zero id",
			task:    DevTask{Title: "x", Status: TaskPending},
			wantErr: true,
		},
		{
			name:    "bad status",
			task:    DevTask{ID: 1, Title: "x", Status: "done"},
			wantErr: true,
		},
		{
			name:    "negative max retries",
			task:    DevTask{ID: 1, Title: "x", Status: TaskPending, MaxRetries: -1},
			wantErr: true,
		},
		{
			name: "complexity tier accepted",
			task: DevTask{ID: 1, Title: "x", Status: TaskPending, Complexity: ComplexityComplex},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevTaskRetryable(t *testing.T) {
	tests := []struct {
		name       string
		status     TaskStatus
		retryCount int
		maxRetries int
		want       bool
	}{
		{"failed under cap", TaskFailed, 1, 2, true},
		{"failed at cap", TaskFailed, 2, 2, false},
		{"failed over cap", TaskFailed, 3, 2, false},
		{"zero max retries", TaskFailed, 0, 0, false},
		{"pending never retryable", TaskPending, 0, 2, false},
		{"complete never retryable", TaskComplete, 0, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &DevTask{Status: tt.status, RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := task.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBatchRefreshStatus(t *testing.T) {
	batch := &TaskBatch{
		ID:   1,
		Name: "auth",
		Tasks: []*DevTask{
			{ID: 1, Status: TaskComplete},
			{ID: 2, Status: TaskRunning},
		},
	}
	batch.RefreshStatus()
	if batch.Status != BatchRunning {
		t.Errorf("status = %s, want %s", batch.Status, BatchRunning)
	}

	batch.Tasks[1].Status = TaskComplete
	batch.RefreshStatus()
	if batch.Status != BatchComplete {
		t.Errorf("status = %s, want %s", batch.Status, BatchComplete)
	}

	// Permanently failed task marks the batch failed
	batch.Tasks[1].Status = TaskFailed
	batch.Tasks[1].RetryCount = 2
	batch.Tasks[1].MaxRetries = 2
	batch.RefreshStatus()
	if batch.Status != BatchFailed {
		t.Errorf("status = %s, want %s", batch.Status, BatchFailed)
	}

	// A retryable failure is not terminal
	batch.Tasks[1].RetryCount = 0
	batch.RefreshStatus()
	if batch.Status != BatchPending {
		t.Errorf("status = %s, want %s", batch.Status, BatchPending)
	}
}

func TestAppendTraceBound(t *testing.T) {
	rc := &RetryContext{TaskID: 7}
	for i := 1; i <= 8; i++ {
		rc.AppendTrace(ErrorTrace{Iteration: i, Timestamp: time.Now()})
	}
	if len(rc.ErrorTraces) != MaxErrorTraces {
		t.Fatalf("trace count = %d, want %d", len(rc.ErrorTraces), MaxErrorTraces)
	}
	// Survivors are the 5 most recent by iteration
	for i, trace := range rc.ErrorTraces {
		want := i + 4
		if trace.Iteration != want {
			t.Errorf("trace[%d].Iteration = %d, want %d", i, trace.Iteration, want)
		}
	}
}

func TestScanPromises(t *testing.T) {
	output := "work done\nTASK_COMPLETE\nsome trailing text APPROVED\n"
	found := ScanPromises(output)
	if len(found) != 2 {
		t.Fatalf("found %d promises, want 2: %v", len(found), found)
	}
	if !ContainsPromise(output, PromiseTaskComplete) {
		t.Error("expected TASK_COMPLETE to be detected")
	}
	if ContainsPromise(output, PromiseRejected) {
		t.Error("did not expect REJECTED")
	}
}

func TestPhaseTerminal(t *testing.T) {
	if !PhaseComplete.Terminal() || !PhaseFailed.Terminal() {
		t.Error("complete and failed must be terminal")
	}
	if PhaseDevelopment.Terminal() {
		t.Error("development must not be terminal")
	}
}
