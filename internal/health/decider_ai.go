package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// AIDeciderConfig holds configuration for the model-backed decider.
type AIDeciderConfig struct {
	APIKey string // falls back to ANTHROPIC_API_KEY
	Model  string

	MaxConcurrentCalls int           // default: 2
	CallTimeout        time.Duration // per-attempt timeout, default: 30s
	MaxElapsed         time.Duration // total retry budget per decision, default: 60s

	FailureThreshold int           // breaker trip point, default: 5
	SuccessThreshold int           // probes to close, default: 2
	OpenTimeout      time.Duration // default: 60s
}

// DefaultAIDeciderConfig returns the stock configuration
func DefaultAIDeciderConfig() *AIDeciderConfig {
	return &AIDeciderConfig{
		Model:              "claude-sonnet-4-5-20250929",
		MaxConcurrentCalls: 2,
		CallTimeout:        30 * time.Second,
		MaxElapsed:         60 * time.Second,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeout:        60 * time.Second,
	}
}

// AIDecider asks a model to judge what to do with an unhealthy agent,
// with the heuristic as fallback for any failure: breaker open, bad
// JSON, exhausted retries. Health checks never block on a broken API.
type AIDecider struct {
	client   *anthropic.Client
	model    string
	config   *AIDeciderConfig
	breaker  *breaker
	sem      *semaphore.Weighted
	fallback *HeuristicDecider
}

// NewAIDecider creates a model-backed decider.
func NewAIDecider(cfg *AIDeciderConfig) (*AIDecider, error) {
	if cfg == nil {
		cfg = DefaultAIDeciderConfig()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultAIDeciderConfig().Model
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &AIDecider{
		client:   &client,
		model:    model,
		config:   cfg,
		breaker:  newBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls)),
		fallback: NewHeuristicDecider(),
	}, nil
}

// decision is the JSON shape the model must answer with.
type decision struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
}

// Decide asks the model for an action, falling back to the heuristic
// on any failure.
func (d *AIDecider) Decide(ctx context.Context, report *Report) (Action, error) {
	if err := d.breaker.allow(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: health decision call skipped (breaker %s), using heuristic\n",
			d.breaker.currentState())
		return d.fallback.Decide(ctx, report)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.fallback.Decide(ctx, report)
	}
	defer d.sem.Release(1)

	action, err := d.decideOnce(ctx, report)
	if err != nil {
		d.breaker.recordFailure()
		fmt.Fprintf(os.Stderr, "warning: health decision call failed, using heuristic: %v\n", err)
		return d.fallback.Decide(ctx, report)
	}
	d.breaker.recordSuccess()
	return action, nil
}

func (d *AIDecider) decideOnce(ctx context.Context, report *Report) (Action, error) {
	prompt := buildDecisionPrompt(report)

	var response *anthropic.Message
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
		defer cancel()

		resp, err := d.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(d.model),
			MaxTokens: 512,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			if !isRetriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		response = resp
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = d.config.MaxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("decision call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	dec, err := parseDecision(text)
	if err != nil {
		return "", err
	}

	action := Action(dec.Action)
	if !action.IsValid() {
		return "", fmt.Errorf("model returned unknown action %q", dec.Action)
	}
	return action, nil
}

func buildDecisionPrompt(report *Report) string {
	var b strings.Builder

	b.WriteString("You supervise autonomous coding agents. One agent has a health issue. ")
	b.WriteString("Choose exactly one remedial action.\n\n")
	fmt.Fprintf(&b, "Agent: %s (role: %s)\n", report.AgentID, report.Role)
	fmt.Fprintf(&b, "Issue: %s\n", report.Issue)
	fmt.Fprintf(&b, "Detail: %s\n", report.Description)
	if len(report.PriorActions) > 0 {
		fmt.Fprintf(&b, "Prior interventions on this agent: %v\n", report.PriorActions)
	}
	if len(report.OutputTail) > 0 {
		b.WriteString("\nRecent output:\n")
		for _, line := range report.OutputTail {
			b.WriteString("  " + line + "\n")
		}
	}

	b.WriteString(`
Actions:
- "continue": the agent looks fine, leave it alone
- "inject_guidance": nudge it with a corrective prompt
- "respawn": replace it, carrying over its handoff state
- "escalate_to_user": pause the run for human input

Respond with JSON only: {"action": "...", "reasoning": "..."}`)

	return b.String()
}

// parseDecision tolerates code fences and surrounding prose; it parses
// the first JSON object found in the response.
func parseDecision(text string) (*decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in decision response: %q", truncate(text, 200))
	}

	var dec decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &dec); err != nil {
		return nil, fmt.Errorf("failed to parse decision response: %w", err)
	}
	return &dec, nil
}

// isRetriable reports whether an API error is transient. Rate limits,
// server errors, and network failures retry; other client errors do
// not.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"connection refused", "connection reset", "timeout", "network",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
