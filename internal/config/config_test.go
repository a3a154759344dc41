package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[providers.writer]
base_url = "https://api.example.com/v1"
model_name = "writer-large"
`)

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if secrets == nil {
		t.Fatal("expected non-nil secrets")
	}
	if cfg.Pipeline.WriterConcurrency != 3 {
		t.Errorf("WriterConcurrency = %d, want 3", cfg.Pipeline.WriterConcurrency)
	}
	if cfg.Pipeline.TickBudgetMS != 120_000 {
		t.Errorf("TickBudgetMS = %d, want 120000", cfg.Pipeline.TickBudgetMS)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Templates.Scene == "" {
		t.Error("expected default scene template")
	}
	p := cfg.Providers["writer"]
	if p.Temperature != 0.8 {
		t.Errorf("provider Temperature = %v, want 0.8", p.Temperature)
	}
	if p.RateLimitPerMinute != 60 {
		t.Errorf("provider RateLimitPerMinute = %d, want 60", p.RateLimitPerMinute)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICK_BUDGET_MS", "5000")
	t.Setenv("WRITER_CONCURRENCY", "2")
	t.Setenv("LEASE_TTL_MS", "60000")

	path := writeConfig(t, ``)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.TickBudgetMS != 5000 {
		t.Errorf("TickBudgetMS = %d, want 5000", cfg.Pipeline.TickBudgetMS)
	}
	if cfg.Pipeline.WriterConcurrency != 2 {
		t.Errorf("WriterConcurrency = %d, want 2", cfg.Pipeline.WriterConcurrency)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"lease shorter than tick", func(c *Config) { c.Pipeline.LeaseTTLMS = c.Pipeline.TickBudgetMS }},
		{"zero cover attempts", func(c *Config) { c.Pipeline.CoverMaxAttempts = -1 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "dynamo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"redis without addr", func(c *Config) { c.Queue.Driver = "redis"; c.Queue.Addr = "" }},
		{"excessive writer concurrency", func(c *Config) { c.Pipeline.WriterConcurrency = MaxWriterConcurrency + 1 }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("PROVIDER_WRITER_KEY", "sk-writer")
	t.Setenv("PROVIDER_IMAGE_KEY", "sk-image")

	s := LoadSecrets()
	if got := s.GetAPIKey("writer"); got != "sk-writer" {
		t.Errorf("GetAPIKey(writer) = %q", got)
	}
	if got := s.GetAPIKey("image"); got != "sk-image" {
		t.Errorf("GetAPIKey(image) = %q", got)
	}
	if got := s.GetAPIKey("missing"); got != "" {
		t.Errorf("GetAPIKey(missing) = %q, want empty", got)
	}
}
