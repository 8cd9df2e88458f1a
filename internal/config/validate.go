package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateScratch(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxFileSizeMB <= 0 {
		return errors.New("limits.max_file_size_mb must be positive")
	}
	if c.Limits.RateLimitRequests <= 0 {
		return errors.New("limits.rate_limit_requests must be positive")
	}
	if c.Limits.RateLimitWindowSeconds <= 0 {
		return errors.New("limits.rate_limit_window_seconds must be positive")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Concurrency <= 0 {
		return errors.New("workers.concurrency must be positive")
	}
	if c.Workers.TaskTimeoutSeconds <= 0 {
		return errors.New("workers.task_timeout_seconds must be positive")
	}
	if c.Workers.MaxRetries < 0 {
		return errors.New("workers.max_retries must not be negative")
	}
	if c.Workers.RetryBackoffBase < 0 {
		return errors.New("workers.retry_backoff_base_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateScratch() error {
	if c.Scratch.TTLSeconds <= 0 {
		return errors.New("scratch.ttl_seconds must be positive")
	}
	if c.Scratch.SweepIntervalSeconds <= 0 {
		return errors.New("scratch.sweep_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("broker.backend: unsupported value %q", c.Broker.Backend)
	}
	if c.Broker.VisibilityTimeoutSeconds <= 0 {
		return errors.New("broker.visibility_timeout_seconds must be positive")
	}
	if c.Workers.HeartbeatInterval >= c.Broker.VisibilityTimeoutSeconds {
		return errors.New("workers.heartbeat_interval must be shorter than broker.visibility_timeout_seconds so running jobs keep their lease")
	}
	if c.Broker.Backend == "redis" && c.Broker.RedisAddr == "" {
		return errors.New("broker.redis_addr must be set for the redis backend")
	}
	return nil
}
