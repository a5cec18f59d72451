// Package agent spawns coding-agent subprocesses and captures their
// output. The orchestrator treats agents as black boxes: it hands in a
// prompt, streams the free text back out, and scans the accumulated
// text for completion markers and handoff blocks.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

// Kind selects which coding agent CLI to spawn
type Kind string

const (
	KindClaudeCode Kind = "claude-code"
	KindAmp        Kind = "amp"
	// KindCustom runs an arbitrary command that reads the prompt from
	// stdin, for local stubs and tests.
	KindCustom Kind = "custom"
)

// GetDefaultKind returns the agent kind, checking TEAMLOOP_AGENT env var first
func GetDefaultKind() Kind {
	if k := os.Getenv("TEAMLOOP_AGENT"); k != "" {
		return Kind(k)
	}
	return KindClaudeCode
}

const (
	// maxOutputLines caps captured output to bound memory on
	// long-running agents
	maxOutputLines = 10000

	truncationMarker = "[... output truncated: limit reached ...]"
)

// Config holds configuration for spawning agents
type Config struct {
	Kind       Kind
	Command    string // command for KindCustom (TEAMLOOP_AGENT_CMD)
	WorkingDir string
	Timeout    time.Duration
	StreamJSON bool
	// OutputSink receives every captured line as it arrives. Used to
	// feed the health monitor's staleness clock. Optional.
	OutputSink func(agentID, line string)
}

// DefaultConfig returns default agent configuration
func DefaultConfig() *Config {
	return &Config{
		Kind:    GetDefaultKind(),
		Command: os.Getenv("TEAMLOOP_AGENT_CMD"),
		Timeout: 30 * time.Minute,
	}
}

// Result contains the output and status from one agent invocation
type Result struct {
	AgentID  string
	Success  bool
	Output   []string
	Errors   []string
	ExitCode int
	Duration time.Duration
	// Promises are the completion markers found in the output, in
	// vocabulary order.
	Promises []types.Promise
	Usage    types.TokenUsage
}

// OutputText returns the captured stdout joined back into one string,
// the form the handoff and promise scanners consume.
func (r *Result) OutputText() string {
	var b []byte
	for i, line := range r.Output {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, line...)
	}
	return string(b)
}

// HasPromise reports whether the invocation emitted the given marker.
func (r *Result) HasPromise(p types.Promise) bool {
	for _, found := range r.Promises {
		if found == p {
			return true
		}
	}
	return false
}

// usageMessage is the stream-json shape carrying token counts.
type usageMessage struct {
	Type  string `json:"type"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Process represents a running coding agent subprocess
type Process struct {
	cmd       *exec.Cmd
	config    *Config
	agentID   string
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time

	mu     sync.Mutex
	result Result

	captureDone chan struct{}
}

// Spawn starts a coding agent process with a pre-built prompt.
func Spawn(ctx context.Context, cfg *Config, agentID, prompt string) (*Process, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}

	cmd, stdin, err := buildCommand(ctx, cfg, prompt)
	if err != nil {
		return nil, err
	}
	cmd.Dir = workingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", agentID, err)
	}

	// Custom agents read the prompt from stdin
	if stdin != nil {
		go func() {
			defer stdin.Close()
			io.WriteString(stdin, prompt)
		}()
	}

	p := &Process{
		cmd:       cmd,
		config:    cfg,
		agentID:   agentID,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
		result: Result{
			AgentID: agentID,
			Output:  []string{},
			Errors:  []string{},
		},
		captureDone: make(chan struct{}),
	}

	go p.captureOutput()

	return p, nil
}

// Wait blocks until the agent exits or times out, then returns the
// result with promises scanned from the accumulated output.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		<-p.captureDone
		errCh <- p.cmd.Wait()
	}()

	select {
	case <-timeoutCtx.Done():
		p.Kill()
		return nil, fmt.Errorf("agent %s timed out after %v", p.agentID, p.config.Timeout)

	case err := <-errCh:
		p.mu.Lock()
		defer p.mu.Unlock()

		p.result.Duration = time.Since(p.startTime)
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.result.ExitCode = exitErr.ExitCode()
			}
			p.result.Success = false
		} else {
			p.result.ExitCode = 0
			p.result.Success = true
		}

		p.result.Promises = types.ScanPromises(p.result.OutputText())

		result := p.result
		result.Output = append([]string(nil), p.result.Output...)
		result.Errors = append([]string(nil), p.result.Errors...)
		return &result, nil
	}
}

// Kill forcefully terminates the agent process
func (p *Process) Kill() error {
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Output returns a copy of the captured stdout so far. Safe to call
// while the agent is still running.
func (p *Process) Output() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.result.Output...)
}

// Usage returns the token usage accumulated so far (stream-json mode
// only).
func (p *Process) Usage() types.TokenUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Usage
}

// captureOutput drains stdout and stderr concurrently, capping both at
// maxOutputLines.
func (p *Process) captureOutput() {
	defer close(p.captureDone)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(p.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.mu.Lock()
			if len(p.result.Output) < maxOutputLines {
				p.result.Output = append(p.result.Output, line)
			} else if len(p.result.Output) == maxOutputLines {
				p.result.Output = append(p.result.Output, truncationMarker)
			}
			if p.config.StreamJSON {
				p.accumulateUsage(line)
			}
			p.mu.Unlock()

			if p.config.OutputSink != nil {
				p.config.OutputSink(p.agentID, line)
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(p.stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.mu.Lock()
			if len(p.result.Errors) < maxOutputLines {
				p.result.Errors = append(p.result.Errors, line)
			} else if len(p.result.Errors) == maxOutputLines {
				p.result.Errors = append(p.result.Errors, truncationMarker)
			}
			p.mu.Unlock()
		}
	}()

	wg.Wait()
}

// accumulateUsage folds token counts out of stream-json lines. Must be
// called with the mutex held.
func (p *Process) accumulateUsage(line string) {
	var msg usageMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	p.result.Usage.InputTokens += msg.Usage.InputTokens
	p.result.Usage.OutputTokens += msg.Usage.OutputTokens
}

// buildCommand constructs the CLI invocation for the configured agent
// kind. Custom agents get the prompt via stdin; the CLIs take it as an
// argument.
func buildCommand(ctx context.Context, cfg *Config, prompt string) (*exec.Cmd, io.WriteCloser, error) {
	switch cfg.Kind {
	case KindClaudeCode:
		return exec.CommandContext(ctx, "claude", "--dangerously-skip-permissions", prompt), nil, nil

	case KindAmp:
		args := []string{"--dangerously-allow-all", "--execute", prompt}
		if cfg.StreamJSON {
			args = append(args, "--stream-json")
		}
		return exec.CommandContext(ctx, "amp", args...), nil, nil

	case KindCustom:
		if cfg.Command == "" {
			return nil, nil, fmt.Errorf("custom agent requires a command (TEAMLOOP_AGENT_CMD)")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		return cmd, stdin, nil

	default:
		return nil, nil, fmt.Errorf("unsupported agent kind: %s", cfg.Kind)
	}
}
