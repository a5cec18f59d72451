// Package config loads orchestrator configuration from
// .teamloop/config.yaml with environment variable overrides. Every
// field has a working default so a bare `teamloop run` needs no file
// at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the project-relative configuration path
const ConfigFileName = ".teamloop/config.yaml"

// Config is the full orchestrator configuration.
type Config struct {
	// ProjectName labels the run in status output and prompts
	ProjectName string `yaml:"project_name"`
	// Requirements is the free-text project goal fed to the CEO's
	// planning prompt
	Requirements string `yaml:"requirements"`

	Agent    AgentConfig    `yaml:"agent"`
	Loop     LoopConfig     `yaml:"loop"`
	Health   HealthConfig   `yaml:"health"`
	Verify   VerifyConfig   `yaml:"verify"`
	Storage  StorageConfig  `yaml:"storage"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

// AgentConfig selects and bounds the coding-agent subprocesses.
type AgentConfig struct {
	// Kind is the agent CLI: claude-code, amp, or custom
	Kind string `yaml:"kind"`
	// Command is the shell command for kind=custom
	Command string `yaml:"command"`
	// TimeoutMinutes bounds one agent invocation. Default: 30
	TimeoutMinutes int  `yaml:"timeout_minutes"`
	StreamJSON     bool `yaml:"stream_json"`
}

// LoopConfig tunes the top-level cycle.
type LoopConfig struct {
	// MaxIterations is the safety cap on development cycles.
	// Default: 100
	MaxIterations int `yaml:"max_iterations"`
	// MaxParallelDevelopers bounds the development worker pool.
	// Default: 2
	MaxParallelDevelopers int `yaml:"max_parallel_developers"`
	// IterationDelaySeconds is the fixed pause between cycles.
	// Default: 2
	IterationDelaySeconds int `yaml:"iteration_delay_seconds"`
	// RebalanceEvery triggers a queue priority rebalance after this
	// many completions. Default: 5
	RebalanceEvery int `yaml:"rebalance_every"`
}

// HealthConfig tunes the agent health monitor.
type HealthConfig struct {
	// CheckIntervalSeconds is the background check cadence.
	// Default: 30
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	// StuckThresholdMinutes is the output staleness that flags an
	// agent. Default: 5
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes"`
	// ErrorStreakThreshold is the consecutive-error count that flags
	// an agent. Default: 3
	ErrorStreakThreshold int `yaml:"error_streak_threshold"`
	// UseAIDecider routes health decisions through the model instead
	// of the heuristic. Default: false
	UseAIDecider bool `yaml:"use_ai_decider"`
}

// VerifyConfig toggles the verification pipeline.
type VerifyConfig struct {
	// Enabled gates task completion on the verification pipeline.
	// Default: true
	Enabled bool `yaml:"enabled"`
	// ContinueOnFailure runs remaining stages after a required
	// failure instead of short-circuiting. Default: false
	ContinueOnFailure bool `yaml:"continue_on_failure"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	// Path is the sqlite database file. Default: .teamloop/teamloop.db
	Path string `yaml:"path"`
}

// CleanupConfig governs pruning of stopped orchestrator instance rows.
type CleanupConfig struct {
	// InstanceAgeHours is how old stopped instances must be before
	// deletion. 0 disables cleanup. Default: 24
	InstanceAgeHours int `yaml:"instance_age_hours"`
	// InstanceKeep is the minimum number of stopped instances to
	// retain as history. Default: 10
	InstanceKeep int `yaml:"instance_keep"`
}

// InstanceAge returns the age threshold as a time.Duration
func (c CleanupConfig) InstanceAge() time.Duration {
	return time.Duration(c.InstanceAgeHours) * time.Hour
}

// DefaultConfig returns the stock configuration
func DefaultConfig() *Config {
	return &Config{
		ProjectName: "teamloop-project",
		Agent: AgentConfig{
			Kind:           "claude-code",
			TimeoutMinutes: 30,
		},
		Loop: LoopConfig{
			MaxIterations:         100,
			MaxParallelDevelopers: 2,
			IterationDelaySeconds: 2,
			RebalanceEvery:        5,
		},
		Health: HealthConfig{
			CheckIntervalSeconds:  30,
			StuckThresholdMinutes: 5,
			ErrorStreakThreshold:  3,
		},
		Verify: VerifyConfig{
			Enabled: true,
		},
		Storage: StorageConfig{
			Path: ".teamloop/teamloop.db",
		},
		Cleanup: CleanupConfig{
			InstanceAgeHours: 24,
			InstanceKeep:     10,
		},
	}
}

// Load reads configuration from the given path (ConfigFileName when
// empty), applies environment overrides, and validates. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigFileName
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv layers TEAMLOOP_* environment overrides on top of whatever
// the file set.
func (c *Config) applyEnv() error {
	if err := parseEnvString("TEAMLOOP_REQUIREMENTS", &c.Requirements); err != nil {
		return err
	}
	if err := parseEnvString("TEAMLOOP_PROJECT_NAME", &c.ProjectName); err != nil {
		return err
	}
	if err := parseEnvString("TEAMLOOP_AGENT", &c.Agent.Kind); err != nil {
		return err
	}
	if err := parseEnvString("TEAMLOOP_AGENT_CMD", &c.Agent.Command); err != nil {
		return err
	}
	if err := parseEnvInt("TEAMLOOP_AGENT_TIMEOUT_MINUTES", &c.Agent.TimeoutMinutes); err != nil {
		return err
	}
	if err := parseEnvInt("TEAMLOOP_MAX_ITERATIONS", &c.Loop.MaxIterations); err != nil {
		return err
	}
	if err := parseEnvInt("TEAMLOOP_MAX_PARALLEL_DEVELOPERS", &c.Loop.MaxParallelDevelopers); err != nil {
		return err
	}
	if err := parseEnvInt("TEAMLOOP_HEALTH_CHECK_INTERVAL_SECONDS", &c.Health.CheckIntervalSeconds); err != nil {
		return err
	}
	if err := parseEnvBool("TEAMLOOP_HEALTH_AI_DECIDER", &c.Health.UseAIDecider); err != nil {
		return err
	}
	if err := parseEnvBool("TEAMLOOP_VERIFY_ENABLED", &c.Verify.Enabled); err != nil {
		return err
	}
	if err := parseEnvString("TEAMLOOP_DB_PATH", &c.Storage.Path); err != nil {
		return err
	}
	return nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.Agent.TimeoutMinutes < 1 {
		return fmt.Errorf("agent.timeout_minutes must be at least 1 (got %d)", c.Agent.TimeoutMinutes)
	}
	if c.Loop.MaxIterations < 1 || c.Loop.MaxIterations > 10000 {
		return fmt.Errorf("loop.max_iterations must be between 1 and 10000 (got %d)", c.Loop.MaxIterations)
	}
	if c.Loop.MaxParallelDevelopers < 1 || c.Loop.MaxParallelDevelopers > 32 {
		return fmt.Errorf("loop.max_parallel_developers must be between 1 and 32 (got %d)", c.Loop.MaxParallelDevelopers)
	}
	if c.Loop.IterationDelaySeconds < 0 {
		return fmt.Errorf("loop.iteration_delay_seconds cannot be negative (got %d)", c.Loop.IterationDelaySeconds)
	}
	if c.Loop.RebalanceEvery < 1 {
		return fmt.Errorf("loop.rebalance_every must be at least 1 (got %d)", c.Loop.RebalanceEvery)
	}
	if c.Health.CheckIntervalSeconds < 1 {
		return fmt.Errorf("health.check_interval_seconds must be at least 1 (got %d)", c.Health.CheckIntervalSeconds)
	}
	if c.Health.StuckThresholdMinutes < 1 {
		return fmt.Errorf("health.stuck_threshold_minutes must be at least 1 (got %d)", c.Health.StuckThresholdMinutes)
	}
	if c.Health.ErrorStreakThreshold < 1 {
		return fmt.Errorf("health.error_streak_threshold must be at least 1 (got %d)", c.Health.ErrorStreakThreshold)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Cleanup.InstanceAgeHours < 0 || c.Cleanup.InstanceAgeHours > 720 {
		return fmt.Errorf("cleanup.instance_age_hours must be between 0 and 720 (got %d)", c.Cleanup.InstanceAgeHours)
	}
	if c.Cleanup.InstanceKeep < 0 || c.Cleanup.InstanceKeep > 1000 {
		return fmt.Errorf("cleanup.instance_keep must be between 0 and 1000 (got %d)", c.Cleanup.InstanceKeep)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
	return nil
}
