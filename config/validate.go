package config

import (
	"fmt"

	"smurf-rpc/loadbalance"
	"smurf-rpc/message"
)

// Validate checks every section. A bad test case is reported as ErrInvalidTestCase.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Registry.TTL < 1 {
		return fmt.Errorf("registry: ttl must be at least 1 second")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if c.TestCase != 1 && c.TestCase != 2 {
		return fmt.Errorf("%w, got %d", ErrInvalidTestCase, c.TestCase)
	}
	if err := validPort(c.Port); err != nil {
		return err
	}
	if c.RequestCount < 1 {
		return fmt.Errorf("req_num must be at least 1")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.Shards < 0 {
		return fmt.Errorf("shards must not be negative")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.FailurePolicy != "continue" && c.FailurePolicy != "abort" {
		return fmt.Errorf("invalid failure_policy: %s (must be continue or abort)", c.FailurePolicy)
	}
	if c.Retries < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("retries and retry_backoff must not be negative")
	}
	if _, err := message.ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.MemoryBytes < 0 {
		return fmt.Errorf("memory_bytes must not be negative")
	}
	if c.MemoryFraction <= 0 || c.MemoryFraction > 1 {
		return fmt.Errorf("memory_fraction must be in (0, 1], got %g", c.MemoryFraction)
	}
	if c.Output == "" {
		return fmt.Errorf("output must not be empty")
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	return nil
}

func (c ServerConfig) Validate() error {
	if err := validPort(c.Port); err != nil {
		return err
	}
	if c.Rate < 0 || c.Burst < 0 {
		return fmt.Errorf("rate and burst must not be negative")
	}
	if c.Rate > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate is set")
	}
	if c.HandlerTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
