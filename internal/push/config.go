package push

import (
	"errors"
	"time"
)

// ClientConfig configures the Pushgateway HTTP client.
type ClientConfig struct {
	// Timeout bounds a single HTTP request to the gateway.
	// Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Compression specifies the request body compression.
	// Valid values: none, gzip. Defaults to none.
	Compression string `yaml:"compression"`

	// Headers are additional HTTP headers to include in requests.
	Headers map[string]string `yaml:"headers"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:     10 * time.Second,
		Compression: CompressionNone,
	}
}

// Validate validates the configuration.
func (c *ClientConfig) Validate() error {
	if c.Timeout < 0 {
		return errors.New("client timeout must not be negative")
	}

	switch c.Compression {
	case "", CompressionNone, CompressionGzip:
		// Valid.
	default:
		return errors.New("invalid compression type: " + c.Compression)
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *ClientConfig) ApplyDefaults() {
	defaults := DefaultClientConfig()

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}
}
