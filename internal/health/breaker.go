package health

import (
	"errors"
	"sync"
	"time"
)

// breakerState represents the state of the decision-call breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned when the decision breaker is open and the
// model call is skipped.
var ErrBreakerOpen = errors.New("decision breaker is open")

// breaker keeps a flaky model API from stalling health checks: after
// enough failures, decisions fall straight through to the heuristic
// until a probe succeeds.
type breaker struct {
	mu sync.Mutex

	state            breakerState
	failures         int
	successes        int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

func newBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *breaker {
	return &breaker{
		state:            breakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// allow reports whether a call may proceed, transitioning open to
// half-open once the timeout has elapsed.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.lastFailure) > b.openTimeout {
			b.state = breakerHalfOpen
			b.successes = 0
			return nil
		}
		return ErrBreakerOpen
	case breakerHalfOpen:
		return nil
	default:
		return ErrBreakerOpen
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = breakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = breakerOpen
			b.successes = 0
		}
	case breakerHalfOpen:
		// Any failure while probing reopens immediately
		b.state = breakerOpen
		b.successes = 0
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
