package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("file should not exist")
	}
	if cfg.Limits.MaxFileSizeMB != defaultMaxFileSizeMB {
		t.Errorf("expected default max file size, got %d", cfg.Limits.MaxFileSizeMB)
	}
	if cfg.Workers.MaxRetries != defaultMaxRetries {
		t.Errorf("expected default max retries, got %d", cfg.Workers.MaxRetries)
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[limits]
max_file_size_mb = 250

[workers]
concurrency = 4

[broker]
backend = "redis"
redis_addr = "10.0.0.5:6379"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved == "" {
		t.Fatal("expected config file to be found")
	}
	if cfg.Limits.MaxFileSizeMB != 250 {
		t.Errorf("max_file_size_mb = %d, want 250", cfg.Limits.MaxFileSizeMB)
	}
	if cfg.Workers.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Workers.Concurrency)
	}
	if cfg.Broker.Backend != "redis" || cfg.Broker.RedisAddr != "10.0.0.5:6379" {
		t.Errorf("unexpected broker config: %+v", cfg.Broker)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("MAX_FILE_SIZE_MB", "42")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("TEMP_FILE_TTL", "120")

	cfg, _, _, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxFileSizeMB != 42 {
		t.Errorf("env override for max file size ignored: %d", cfg.Limits.MaxFileSizeMB)
	}
	if cfg.Workers.Concurrency != 8 {
		t.Errorf("env override for concurrency ignored: %d", cfg.Workers.Concurrency)
	}
	if cfg.Scratch.TTLSeconds != 120 {
		t.Errorf("env override for scratch TTL ignored: %d", cfg.Scratch.TTLSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Workers.Concurrency = 0 }},
		{"zero file size", func(c *Config) { c.Limits.MaxFileSizeMB = 0 }},
		{"negative retries", func(c *Config) { c.Workers.MaxRetries = -1 }},
		{"unknown backend", func(c *Config) { c.Broker.Backend = "kafka" }},
		{"zero visibility", func(c *Config) { c.Broker.VisibilityTimeoutSeconds = 0 }},
		{"heartbeat outlives lease", func(c *Config) { c.Workers.HeartbeatInterval = c.Broker.VisibilityTimeoutSeconds }},
		{"zero ttl", func(c *Config) { c.Scratch.TTLSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.normalize(); err != nil {
				t.Fatalf("normalize: %v", err)
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	cfg := Default()
	cfg.Limits.AllowedExtensions = []string{" .MP4 ", "jpg", ""}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	got := cfg.Limits.AllowedExtensions
	if len(got) != 2 || got[0] != "mp4" || got[1] != "jpg" {
		t.Errorf("unexpected normalized extensions: %v", got)
	}
}
