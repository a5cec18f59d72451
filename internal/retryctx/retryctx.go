// Package retryctx converts verification failures into durable,
// boundedly-growing context that is replayed to the next attempt so
// agents do not repeat identical mistakes.
package retryctx

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/mkessler/teamloop/internal/storage"
	"github.com/mkessler/teamloop/internal/types"
)

// Store persists per-task retry context through the durable store
type Store struct {
	store storage.Storage
}

// NewStore creates a retry context store
func NewStore(st storage.Storage) (*Store, error) {
	if st == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Store{store: st}, nil
}

// Get returns the retry context for a task. A task with zero prior
// attempts yields a valid, mostly empty context rather than an error.
func (s *Store) Get(ctx context.Context, taskID int) (*types.RetryContext, error) {
	rc, err := s.store.GetRetryContext(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.RetryContext{TaskID: taskID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retry context for task %d: %w", taskID, err)
	}
	return rc, nil
}

// IncrementAttempts records a failed attempt: appends one trace to the
// bounded ring, bumps the attempt counter, refreshes the verification
// failures, and persists. A human resolution already on the context
// survives the increment.
func (s *Store) IncrementAttempts(ctx context.Context, taskID int, errMsg string, failures []types.VerificationFailure, filesInvolved []string) (*types.RetryContext, error) {
	rc, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rc.PreviousAttempts++
	rc.LastError = errMsg
	rc.VerificationFailures = failures

	errorType := classifyError(errMsg)
	rc.AppendTrace(types.ErrorTrace{
		Iteration:     rc.PreviousAttempts,
		Timestamp:     time.Now().UTC(),
		ErrorType:     errorType,
		Message:       errMsg,
		FilesInvolved: filesInvolved,
		SuggestedFix:  suggestFix(errorType, errMsg),
	})

	if err := s.store.SaveRetryContext(ctx, rc); err != nil {
		return nil, fmt.Errorf("failed to persist retry context for task %d: %w", taskID, err)
	}
	return rc, nil
}

// SetHumanResolution attaches human-supplied resolution text. It
// persists across subsequent failure increments until cleared.
func (s *Store) SetHumanResolution(ctx context.Context, taskID int, resolution string) error {
	rc, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	rc.HumanResolution = resolution
	if err := s.store.SaveRetryContext(ctx, rc); err != nil {
		return fmt.Errorf("failed to persist human resolution for task %d: %w", taskID, err)
	}
	return nil
}

// Clear removes the retry context, typically on task success
func (s *Store) Clear(ctx context.Context, taskID int) error {
	return s.store.DeleteRetryContext(ctx, taskID)
}

// Known error signatures mapped to fix hints. Checked in order; first
// match wins.
var fixPatterns = []struct {
	re   *regexp.Regexp
	hint string
}{
	{regexp.MustCompile(`(?i)cannot find module|module not found`),
		"A dependency or import path is wrong. Check the import against the project's dependency manifest and install or correct the path before changing logic."},
	{regexp.MustCompile(`(?i)undefined:|is not defined|cannot find name`),
		"A symbol is referenced before it exists. Search for the declaration; it may live in a file you have not created yet or was renamed."},
	{regexp.MustCompile(`(?i)timed? ?out`),
		"The command exceeded its time limit. Look for an infinite loop, a hanging network call, or a test waiting on input."},
	{regexp.MustCompile(`(?i)permission denied`),
		"A file or directory is not writable from the working directory. Do not escalate permissions; write inside the project tree."},
	{regexp.MustCompile(`(?i)syntax error|unexpected token`),
		"The last edit left a file syntactically broken. Re-read the whole file before editing it again."},
	{regexp.MustCompile(`(?i)assertion|expected .* (?:but )?got`),
		"A test asserts different behavior than the implementation produces. Decide which is right before editing either."},
}

// errorClassifiers map message shapes to a coarse error type for the
// trace history.
var errorClassifiers = []struct {
	re        *regexp.Regexp
	errorType string
}{
	{regexp.MustCompile(`(?i)cannot find module|module not found|import`), "dependency"},
	{regexp.MustCompile(`(?i)syntax error|unexpected token|parse error`), "syntax"},
	{regexp.MustCompile(`(?i)\btest(s)?\b.*fail|assertion|FAIL`), "test_failure"},
	{regexp.MustCompile(`(?i)type|undefined:|cannot find name`), "type_error"},
	{regexp.MustCompile(`(?i)timed? ?out`), "timeout"},
	{regexp.MustCompile(`(?i)lint`), "lint"},
}

func classifyError(msg string) string {
	for _, c := range errorClassifiers {
		if c.re.MatchString(msg) {
			return c.errorType
		}
	}
	return "unknown"
}

func suggestFix(errorType, msg string) string {
	for _, p := range fixPatterns {
		if p.re.MatchString(msg) {
			return p.hint
		}
	}
	return ""
}
