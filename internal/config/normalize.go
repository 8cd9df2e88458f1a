package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLimits()
	c.normalizeBroker()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeLimits() {
	normalized := make([]string, 0, len(c.Limits.AllowedExtensions))
	for _, ext := range c.Limits.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			normalized = append(normalized, ext)
		}
	}
	if len(normalized) == 0 {
		normalized = append(normalized, defaultAllowedExtensions...)
	}
	c.Limits.AllowedExtensions = normalized
}

func (c *Config) normalizeBroker() {
	c.Broker.Backend = strings.ToLower(strings.TrimSpace(c.Broker.Backend))
	if c.Broker.Backend == "" {
		c.Broker.Backend = defaultBrokerBackend
	}
	c.Broker.RedisAddr = strings.TrimSpace(c.Broker.RedisAddr)
	if c.Broker.RedisAddr == "" {
		c.Broker.RedisAddr = defaultRedisAddr
	}
	c.Broker.RedisKeyPrefix = strings.TrimSpace(c.Broker.RedisKeyPrefix)
	if c.Broker.RedisKeyPrefix == "" {
		c.Broker.RedisKeyPrefix = defaultRedisKeyPrefix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// applyEnvOverrides honours the environment surface used by containerized
// deployments. Environment values win over file values.
func (c *Config) applyEnvOverrides() {
	overrideInt("MAX_FILE_SIZE_MB", &c.Limits.MaxFileSizeMB)
	overrideInt("RATE_LIMIT_REQUESTS", &c.Limits.RateLimitRequests)
	overrideInt("RATE_LIMIT_WINDOW", &c.Limits.RateLimitWindowSeconds)
	overrideInt("TASK_TIMEOUT", &c.Workers.TaskTimeoutSeconds)
	overrideInt("MAX_RETRIES", &c.Workers.MaxRetries)
	overrideInt("WORKER_CONCURRENCY", &c.Workers.Concurrency)
	overrideInt("TEMP_FILE_TTL", &c.Scratch.TTLSeconds)
	overrideString("OUTPUT_DIR", &c.Paths.OutputDir)
	overrideString("TEMP_DIR", &c.Paths.ScratchDir)
	overrideString("LOG_DIR", &c.Paths.LogDir)
	overrideString("BROKER_BACKEND", &c.Broker.Backend)
	overrideString("REDIS_ADDR", &c.Broker.RedisAddr)
}

func overrideInt(key string, target *int) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return
	}
	*target = value
}

func overrideString(key string, target *string) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		*target = trimmed
	}
}
