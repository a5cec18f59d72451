package types

import "time"

// MaxErrorTraces bounds the per-task failure history ring.
// Oldest traces are evicted first once the bound is reached.
const MaxErrorTraces = 5

// ErrorTrace captures one failed attempt at a task
type ErrorTrace struct {
	Iteration     int       `json:"iteration"`
	Timestamp     time.Time `json:"timestamp"`
	ErrorType     string    `json:"error_type"`
	Message       string    `json:"message"`
	FilesInvolved []string  `json:"files_involved,omitempty"`
	SuggestedFix  string    `json:"suggested_fix,omitempty"`
	StackTrace    string    `json:"stack_trace,omitempty"`
}

// VerificationFailure is one failed check result carried into the
// retry context so the next attempt can see what objectively broke.
type VerificationFailure struct {
	Stage  string `json:"stage"`
	Output string `json:"output"`
}

// RetryContext is the durable failure history for a task, keyed by
// task id. Created on first failure, grown on every subsequent one,
// deleted on success or explicit clear.
type RetryContext struct {
	TaskID               int                   `json:"task_id"`
	PreviousAttempts     int                   `json:"previous_attempts"`
	LastError            string                `json:"last_error"`
	VerificationFailures []VerificationFailure `json:"verification_failures,omitempty"`
	HumanResolution      string                `json:"human_resolution,omitempty"`
	ErrorTraces          []ErrorTrace          `json:"error_traces,omitempty"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// AppendTrace adds a trace to the ring, evicting the oldest entry when
// the ring is full.
func (rc *RetryContext) AppendTrace(trace ErrorTrace) {
	rc.ErrorTraces = append(rc.ErrorTraces, trace)
	if len(rc.ErrorTraces) > MaxErrorTraces {
		rc.ErrorTraces = rc.ErrorTraces[len(rc.ErrorTraces)-MaxErrorTraces:]
	}
}
