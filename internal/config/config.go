package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// SampleConfig returns the annotated sample configuration file.
func SampleConfig() string {
	return sampleConfig
}

// Paths contains directory and bind address configuration.
type Paths struct {
	OutputDir  string `toml:"output_dir"`
	ScratchDir string `toml:"scratch_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Limits contains admission and input validation settings.
type Limits struct {
	MaxFileSizeMB          int      `toml:"max_file_size_mb"`
	RateLimitRequests      int      `toml:"rate_limit_requests"`
	RateLimitWindowSeconds int      `toml:"rate_limit_window_seconds"`
	AllowedExtensions      []string `toml:"allowed_extensions"`
}

// Workers contains worker pool and retry settings.
type Workers struct {
	Concurrency        int `toml:"concurrency"`
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"`
	MaxRetries         int `toml:"max_retries"`
	RetryBackoffBase   int `toml:"retry_backoff_base_seconds"`
	CancelGraceSeconds int `toml:"cancel_grace_seconds"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Scratch contains temp artifact reclamation settings.
type Scratch struct {
	TTLSeconds           int `toml:"ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// Broker contains job queue backend settings.
type Broker struct {
	Backend                  string `toml:"backend"`
	VisibilityTimeoutSeconds int    `toml:"visibility_timeout_seconds"`
	RedisAddr                string `toml:"redis_addr"`
	RedisPassword            string `toml:"redis_password"`
	RedisDB                  int    `toml:"redis_db"`
	RedisKeyPrefix           string `toml:"redis_key_prefix"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vidforge.
//
// Configuration sections by subsystem:
//   - Paths: output, scratch, and log directories plus the API bind address
//   - Limits: max input size, rate limit window, accepted input extensions
//   - Workers: concurrency bound, task timeout, retry policy, poll intervals
//   - Scratch: temp artifact TTL and sweep cadence
//   - Broker: queue backend selection and visibility timeout
//   - Logging: log format and level
type Config struct {
	Paths   Paths   `toml:"paths"`
	Limits  Limits  `toml:"limits"`
	Workers Workers `toml:"workers"`
	Scratch Scratch `toml:"scratch"`
	Broker  Broker  `toml:"broker"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded, environment overrides applied, and
// defaults filled in.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.ScratchDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// TaskTimeout returns the per-job execution deadline.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Workers.TaskTimeoutSeconds) * time.Second
}

// CancelGrace returns the window a cancelled stage gets before the hard kill.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Workers.CancelGraceSeconds) * time.Second
}

// VisibilityTimeout returns the broker redelivery deadline for unacked jobs.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Broker.VisibilityTimeoutSeconds) * time.Second
}

// ScratchTTL returns the temp artifact time-to-live.
func (c *Config) ScratchTTL() time.Duration {
	return time.Duration(c.Scratch.TTLSeconds) * time.Second
}

// RateLimitWindow returns the sliding admission window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Limits.RateLimitWindowSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
