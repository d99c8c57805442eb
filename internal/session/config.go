package session

import (
	"fmt"
	"time"

	"github.com/ethpandaops/pushoor/internal/push"
)

// Config describes one push session.
type Config struct {
	// PushgatewayURL is the base URL of the Pushgateway.
	PushgatewayURL string `yaml:"pushgateway_url"`

	// PushInterval is the time between recurring pushes.
	PushInterval time.Duration `yaml:"push_interval"`

	// JobName is the job label the group is pushed under.
	JobName string `yaml:"job_name"`

	// Groupings are extra grouping labels. They override the hostname and
	// username defaults.
	Groupings map[string]string `yaml:"groupings"`

	// DefaultBlacklist lists default process/runtime metric families that
	// are not pushed.
	DefaultBlacklist []string `yaml:"default_blacklist"`

	// MetricsInterval is how often host metrics are sampled.
	// Defaults to 10s.
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	// PushTimeout bounds a single push. Defaults to 10s.
	PushTimeout time.Duration `yaml:"push_timeout"`

	// Client configures the HTTP client used against the gateway.
	Client push.ClientConfig `yaml:"client"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 10 * time.Second
	}

	if c.PushTimeout <= 0 {
		c.PushTimeout = 10 * time.Second
	}

	c.Client.ApplyDefaults()
}

// Validate checks the configuration and returns the parsed endpoint.
func (c *Config) Validate() (push.Endpoint, error) {
	endpoint, err := push.ParseEndpoint(c.PushgatewayURL)
	if err != nil {
		return push.Endpoint{}, err
	}

	if c.PushInterval <= 0 {
		return push.Endpoint{}, fmt.Errorf("push_interval must be positive")
	}

	if c.MetricsInterval < 0 {
		return push.Endpoint{}, fmt.Errorf("metrics_interval must not be negative")
	}

	if err := push.NewIdentity(c.JobName, c.Groupings).Validate(); err != nil {
		return push.Endpoint{}, err
	}

	if err := c.Client.Validate(); err != nil {
		return push.Endpoint{}, fmt.Errorf("client: %w", err)
	}

	return endpoint, nil
}
