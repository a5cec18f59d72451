// Package verify runs objective checks against a working directory
// after a worker claims a task is complete. It is the one part of the
// system not subject to the coding agent's self-report bias.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// StageType identifies different verification stages
type StageType string

const (
	StageBuild     StageType = "build"
	StageTypecheck StageType = "typecheck"
	StageLint      StageType = "lint"
	StageTest      StageType = "test"
	StageCustom    StageType = "custom"
)

// IsValid checks if the stage type value is valid
func (t StageType) IsValid() bool {
	switch t {
	case StageBuild, StageTypecheck, StageLint, StageTest, StageCustom:
		return true
	}
	return false
}

// maxOutputChars bounds the captured output per stage. The tail is
// kept because build and test tools put the verdict at the end.
const maxOutputChars = 5000

// maxSummaryLines bounds the extracted error summary per stage
const maxSummaryLines = 5

// Stage is one check in the pipeline
type Stage struct {
	Type     StageType     `json:"type"`
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Required bool          `json:"required"`
	Timeout  time.Duration `json:"timeout"`

	// Optional regex overrides layered on top of the exit code. A
	// matching FailurePattern fails the stage even on exit 0; a
	// matching SuccessPattern passes it even on non-zero exit.
	SuccessPattern string `json:"success_pattern,omitempty"`
	FailurePattern string `json:"failure_pattern,omitempty"`
}

// StageResult records the outcome of one stage
type StageResult struct {
	Stage        Stage         `json:"stage"`
	Passed       bool          `json:"passed"`
	Skipped      bool          `json:"skipped"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	Output       string        `json:"output"`
	ErrorSummary string        `json:"error_summary,omitempty"`
}

// Result is the outcome of a full pipeline run.
// RequiredPassed is true iff every non-skipped required stage passed.
// AllPassed additionally requires optional stages to pass or be skipped.
type Result struct {
	Stages         []StageResult `json:"stages"`
	RequiredPassed bool          `json:"required_passed"`
	AllPassed      bool          `json:"all_passed"`
}

// Pipeline executes verification stages sequentially
type Pipeline struct {
	stages     []Stage
	workingDir string

	// continueOnFailure keeps running remaining stages after a
	// required stage fails instead of skipping them
	continueOnFailure bool
}

// Config holds pipeline configuration
type Config struct {
	Stages            []Stage
	WorkingDir        string
	ContinueOnFailure bool
}

// NewPipeline creates a verification pipeline
func NewPipeline(cfg *Config) *Pipeline {
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	return &Pipeline{
		stages:            cfg.Stages,
		workingDir:        workingDir,
		continueOnFailure: cfg.ContinueOnFailure,
	}
}

// Stages returns the configured stages in execution order
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Run executes the stages in order. A required stage's failure stops
// the pipeline and marks the remaining stages skipped, unless
// ContinueOnFailure is set. A pipeline with zero stages trivially
// passes: blocking unknown project types helps nobody.
func (p *Pipeline) Run(ctx context.Context) *Result {
	result := &Result{RequiredPassed: true, AllPassed: true}

	stopped := false
	for _, stage := range p.stages {
		if stopped {
			result.Stages = append(result.Stages, StageResult{Stage: stage, Skipped: true})
			continue
		}

		sr := p.runStage(ctx, stage)
		result.Stages = append(result.Stages, sr)

		if !sr.Passed {
			if stage.Required {
				result.RequiredPassed = false
				if !p.continueOnFailure {
					stopped = true
				}
			}
			result.AllPassed = false
		}
	}

	return result
}

// runStage executes a single stage command with its timeout. Errors
// spawning or running the command are recorded in the result, never
// returned: tooling failure is a failed check, not a pipeline crash.
func (p *Pipeline) runStage(ctx context.Context, stage Stage) StageResult {
	sr := StageResult{Stage: stage}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(stageCtx, "sh", "-c", stage.Command)
	cmd.Dir = p.workingDir

	output, err := cmd.CombinedOutput()
	sr.Duration = time.Since(start)
	sr.Output = truncateOutput(string(output))

	switch {
	case stageCtx.Err() == context.DeadlineExceeded:
		// Command was killed at the timeout; keep partial output
		sr.Passed = false
		sr.ExitCode = -1
		sr.ErrorSummary = fmt.Sprintf("command timed out after %v", timeout)
		return sr
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			sr.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn error (command not found etc.)
			sr.Passed = false
			sr.ExitCode = -1
			sr.Output = truncateOutput(err.Error())
			sr.ErrorSummary = err.Error()
			return sr
		}
	}

	sr.Passed = sr.ExitCode == 0

	// Regex overrides layer on top of the exit code
	if stage.FailurePattern != "" {
		if re, reErr := regexp.Compile(stage.FailurePattern); reErr == nil && re.MatchString(sr.Output) {
			sr.Passed = false
		}
	}
	if !sr.Passed && stage.SuccessPattern != "" {
		if re, reErr := regexp.Compile(stage.SuccessPattern); reErr == nil && re.MatchString(sr.Output) {
			sr.Passed = true
		}
	}

	if !sr.Passed {
		sr.ErrorSummary = extractErrorSummary(stage.Type, sr.Output)
	}
	return sr
}

// truncateOutput keeps the last maxOutputChars characters
func truncateOutput(output string) string {
	if len(output) <= maxOutputChars {
		return output
	}
	return "... (truncated)\n" + output[len(output)-maxOutputChars:]
}

// Stage-type-specific error line patterns, most specific first
var errorPatterns = map[StageType][]*regexp.Regexp{
	StageBuild: {
		regexp.MustCompile(`(?i)^.*\berror\b.*$`),
		regexp.MustCompile(`(?i)^.*cannot find.*$`),
		regexp.MustCompile(`(?i)^.*undefined:.*$`),
	},
	StageTypecheck: {
		regexp.MustCompile(`(?i)^.*error TS\d+.*$`),
		regexp.MustCompile(`(?i)^.*\berror\b.*$`),
	},
	StageLint: {
		regexp.MustCompile(`(?i)^.*\berror\b.*$`),
		regexp.MustCompile(`(?i)^.*\bwarning\b.*$`),
	},
	StageTest: {
		regexp.MustCompile(`(?i)^.*FAIL.*$`),
		regexp.MustCompile(`(?i)^.*✕.*$`),
		regexp.MustCompile(`(?i)^.*\berror\b.*$`),
	},
	StageCustom: {
		regexp.MustCompile(`(?i)^.*\b(?:error|fail|failed)\b.*$`),
	},
}

// extractErrorSummary pulls the first few error-pattern lines out of
// stage output so retry prompts don't need the full transcript.
func extractErrorSummary(stageType StageType, output string) string {
	patterns := errorPatterns[stageType]
	if patterns == nil {
		patterns = errorPatterns[StageCustom]
	}

	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(trimmed) {
				lines = append(lines, trimmed)
				break
			}
		}
		if len(lines) >= maxSummaryLines {
			break
		}
	}
	return strings.Join(lines, "\n")
}
