package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	leasherrors "github.com/odvcencio/leash/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAgentExecutable = "claude"
	DefaultServerURL       = "wss://localhost:8443/v1/session"
	DefaultLogDir          = "logs"

	DefaultTermGracePeriod   = 5 * time.Second
	DefaultOrphanSweepDelay  = 2 * time.Second
	DefaultOrphanKillDelay   = 3 * time.Second
	DefaultThinkingDebounce  = 500 * time.Millisecond
	DefaultSendRetryMin      = 250 * time.Millisecond
	DefaultSendRetryMax      = 5 * time.Second
	DefaultSendRetryAttempts = 5
)

// Config represents the complete leash configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Timing  TimingConfig  `yaml:"timing"`
}

// AgentConfig describes how the local agent CLI is spawned.
type AgentConfig struct {
	Executable   string            `yaml:"executable"`
	WorkDir      string            `yaml:"work_dir"`
	SystemPrompt string            `yaml:"system_prompt"`
	MCPConfig    string            `yaml:"mcp_config"`
	AllowedTools []string          `yaml:"allowed_tools"`
	ExtraArgs    []string          `yaml:"extra_args"`
	Env          map[string]string `yaml:"env"`
}

// ServerConfig describes the remote control-plane connection.
type ServerConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TimingConfig carries the escalation and retry timings. Zero values are
// replaced with defaults during Load.
type TimingConfig struct {
	TermGracePeriod  time.Duration `yaml:"term_grace_period"`
	OrphanSweepDelay time.Duration `yaml:"orphan_sweep_delay"`
	OrphanKillDelay  time.Duration `yaml:"orphan_kill_delay"`
	ThinkingDebounce time.Duration `yaml:"thinking_debounce"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Agent: AgentConfig{
			Executable: DefaultAgentExecutable,
			WorkDir:    cwd,
		},
		Server: ServerConfig{
			URL: DefaultServerURL,
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
		Timing: TimingConfig{
			TermGracePeriod:  DefaultTermGracePeriod,
			OrphanSweepDelay: DefaultOrphanSweepDelay,
			OrphanKillDelay:  DefaultOrphanKillDelay,
			ThinkingDebounce: DefaultThinkingDebounce,
		},
	}
}

// Load reads configuration from path, falling back to defaults when path is
// empty or missing. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, leasherrors.Wrap(err, leasherrors.ErrCodeConfigLoad, "failed to read config file").
					WithContext("path", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, leasherrors.Wrap(err, leasherrors.ErrCodeConfigLoad, "failed to parse config file").
				WithContext("path", path)
		}
	}

	applyEnvOverrides(cfg)
	applyTimingDefaults(&cfg.Timing)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LEASH_SERVER_URL")); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("LEASH_AUTH_TOKEN")); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("LEASH_AGENT_EXECUTABLE")); v != "" {
		cfg.Agent.Executable = v
	}
	if v := strings.TrimSpace(os.Getenv("LEASH_LOG_DIR")); v != "" {
		cfg.Logging.Dir = v
	}
}

func applyTimingDefaults(t *TimingConfig) {
	if t.TermGracePeriod <= 0 {
		t.TermGracePeriod = DefaultTermGracePeriod
	}
	if t.OrphanSweepDelay <= 0 {
		t.OrphanSweepDelay = DefaultOrphanSweepDelay
	}
	if t.OrphanKillDelay <= 0 {
		t.OrphanKillDelay = DefaultOrphanKillDelay
	}
	if t.ThinkingDebounce <= 0 {
		t.ThinkingDebounce = DefaultThinkingDebounce
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Executable) == "" {
		return leasherrors.New(leasherrors.ErrCodeConfigInvalid, "agent executable is required")
	}
	if strings.TrimSpace(c.Server.URL) == "" {
		return leasherrors.New(leasherrors.ErrCodeConfigInvalid, "server url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return leasherrors.New(leasherrors.ErrCodeConfigInvalid, "server url must use ws:// or wss://").
			WithContext("url", c.Server.URL)
	}
	if c.Agent.WorkDir != "" {
		if abs, err := filepath.Abs(c.Agent.WorkDir); err == nil {
			c.Agent.WorkDir = abs
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return leasherrors.New(leasherrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	return nil
}
