package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Loop.MaxIterations)
	assert.Equal(t, 2, cfg.Loop.MaxParallelDevelopers)
	assert.Equal(t, 30, cfg.Health.CheckIntervalSeconds)
	assert.True(t, cfg.Verify.Enabled)
	assert.Equal(t, ".teamloop/teamloop.db", cfg.Storage.Path)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project_name: widgets
loop:
  max_iterations: 50
  max_parallel_developers: 4
health:
  stuck_threshold_minutes: 10
verify:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "widgets", cfg.ProjectName)
	assert.Equal(t, 50, cfg.Loop.MaxIterations)
	assert.Equal(t, 4, cfg.Loop.MaxParallelDevelopers)
	assert.Equal(t, 10, cfg.Health.StuckThresholdMinutes)
	assert.False(t, cfg.Verify.Enabled)
	// Untouched sections keep defaults
	assert.Equal(t, 30, cfg.Agent.TimeoutMinutes)
	assert.Equal(t, 24, cfg.Cleanup.InstanceAgeHours)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_iterations: 50\n"), 0o644))

	t.Setenv("TEAMLOOP_MAX_ITERATIONS", "7")
	t.Setenv("TEAMLOOP_AGENT", "amp")
	t.Setenv("TEAMLOOP_REQUIREMENTS", "build a url shortener")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.Equal(t, "amp", cfg.Agent.Kind)
	assert.Equal(t, "build a url shortener", cfg.Requirements)
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("TEAMLOOP_MAX_ITERATIONS", "lots")
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
		{"excessive parallelism", func(c *Config) { c.Loop.MaxParallelDevelopers = 64 }},
		{"negative delay", func(c *Config) { c.Loop.IterationDelaySeconds = -1 }},
		{"zero check interval", func(c *Config) { c.Health.CheckIntervalSeconds = 0 }},
		{"empty db path", func(c *Config) { c.Storage.Path = "" }},
		{"cleanup age out of range", func(c *Config) { c.Cleanup.InstanceAgeHours = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
