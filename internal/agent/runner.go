package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Runner spawns agents behind a circuit breaker. A machine where the
// agent CLI keeps failing to start (missing binary, broken auth) would
// otherwise burn every task's retry budget on doomed invocations.
type Runner struct {
	config  *Config
	breaker *gobreaker.CircuitBreaker
}

// NewRunner creates an agent runner.
func NewRunner(cfg *Config) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-invocation",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Runner{config: cfg, breaker: breaker}
}

// Start spawns an agent through the breaker and returns the running
// process. Spawn failures count against the breaker; what the agent
// does after starting does not.
func (r *Runner) Start(ctx context.Context, agentID, prompt string) (*Process, error) {
	proc, err := r.breaker.Execute(func() (interface{}, error) {
		return Spawn(ctx, r.config, agentID, prompt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("agent invocation unavailable: %w", err)
		}
		return nil, fmt.Errorf("failed to start agent %s: %w", agentID, err)
	}
	return proc.(*Process), nil
}

// Invoke spawns an agent and waits for it to finish.
func (r *Runner) Invoke(ctx context.Context, agentID, prompt string) (*Result, error) {
	proc, err := r.Start(ctx, agentID, prompt)
	if err != nil {
		return nil, err
	}
	return proc.Wait(ctx)
}
