package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/pushoor/internal/metrics"
	"github.com/ethpandaops/pushoor/internal/session"
)

// Config is the top-level configuration for the pushoor agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Push configures the push session.
	Push session.Config `yaml:"push"`

	// AwaitReplacedDispose makes a session restart wait for the old
	// session's delete before the new session pushes.
	AwaitReplacedDispose bool `yaml:"await_replaced_dispose"`

	// DisposeTimeout bounds the final delete on shutdown.
	// Defaults to 10s.
	DisposeTimeout time.Duration `yaml:"dispose_timeout"`

	// Server configures the optional local metrics server.
	Server metrics.ServerConfig `yaml:"server"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		DisposeTimeout: 10 * time.Second,
		Push: session.Config{
			PushInterval:    15 * time.Second,
			MetricsInterval: 10 * time.Second,
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Push.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := c.Push.Validate(); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	if c.DisposeTimeout <= 0 {
		return fmt.Errorf("dispose_timeout must be positive")
	}

	return nil
}
