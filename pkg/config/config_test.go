package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	leasherrors "github.com/odvcencio/leash/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentExecutable, cfg.Agent.Executable)
	assert.Equal(t, DefaultServerURL, cfg.Server.URL)
	assert.Equal(t, DefaultTermGracePeriod, cfg.Timing.TermGracePeriod)
	assert.Equal(t, DefaultThinkingDebounce, cfg.Timing.ThinkingDebounce)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  executable: /usr/local/bin/claude
  allowed_tools: [Bash, Edit]
server:
  url: wss://relay.example.com/v1/session
timing:
  term_grace_period: 10s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Agent.Executable)
	assert.Equal(t, []string{"Bash", "Edit"}, cfg.Agent.AllowedTools)
	assert.Equal(t, 10*time.Second, cfg.Timing.TermGracePeriod)
	// Unspecified timings fall back to defaults.
	assert.Equal(t, DefaultOrphanSweepDelay, cfg.Timing.OrphanSweepDelay)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentExecutable, cfg.Agent.Executable)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, leasherrors.IsCode(err, leasherrors.ErrCodeConfigLoad))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEASH_SERVER_URL", "ws://127.0.0.1:9000/v1/session")
	t.Setenv("LEASH_AGENT_EXECUTABLE", "claude-dev")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/v1/session", cfg.Server.URL)
	assert.Equal(t, "claude-dev", cfg.Agent.Executable)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing executable", func(c *Config) { c.Agent.Executable = " " }},
		{"missing url", func(c *Config) { c.Server.URL = "" }},
		{"http url", func(c *Config) { c.Server.URL = "https://example.com" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, leasherrors.IsCode(err, leasherrors.ErrCodeConfigInvalid))
		})
	}
}
