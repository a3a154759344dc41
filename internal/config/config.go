package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig              `toml:"server"`
	Pipeline   PipelineConfig            `toml:"pipeline"`
	Providers  map[string]ProviderConfig `toml:"providers"`
	Storage    StorageConfig             `toml:"storage"`
	Queue      QueueConfig               `toml:"queue"`
	Templates  Templates                 `toml:"prompt_templates"`
	Guardrails GuardrailsConfig          `toml:"guardrails"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Addr           string            `toml:"addr"`
	MetricsAddr    string            `toml:"metrics_addr"`
	AllowedOrigins []string          `toml:"allowed_origins"`
	AuthTokens     map[string]string `toml:"auth_tokens"` // bearer token -> owner id
}

// PipelineConfig holds the orchestration knobs
type PipelineConfig struct {
	TickBudgetMS         int    `toml:"tick_budget_ms"`         // Wall-clock budget for one tick
	WriterConcurrency    int    `toml:"writer_concurrency"`     // Parallel writer instances per job
	LeaseTTLMS           int    `toml:"lease_ttl_ms"`           // Job lease duration
	CoverMaxAttempts     int    `toml:"cover_max_attempts"`     // Quality-gate retry cap
	CacheTTLDays         int    `toml:"cache_ttl_days"`         // Cache entry eviction age
	PollIntervalMS       int    `toml:"poll_interval_ms"`       // Worker queue poll interval when idle
	StalenessThresholdMS int    `toml:"staleness_threshold_ms"` // resumeAll re-enqueue threshold
	ConfigVersion        string `toml:"config_version"`         // Part of every fingerprint
	EnableAudio          bool   `toml:"enable_audio"`           // Synthesize audio during finalize
}

// ProviderConfig represents configuration for a single provider endpoint
type ProviderConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	VoiceID            string  `toml:"voice_id"` // TTS only
}

// StorageConfig selects the persistence backends
type StorageConfig struct {
	Driver  string `toml:"driver"` // "memory" or "postgres"
	DSN     string `toml:"dsn"`
	BlobDir string `toml:"blob_dir"`
	BlobURL string `toml:"blob_url"` // Public base URL for stored artifacts
}

// QueueConfig selects the work queue backend
type QueueConfig struct {
	Driver string `toml:"driver"` // "memory" or "redis"
	Addr   string `toml:"addr"`
	Name   string `toml:"name"`
}

// Templates holds all customizable prompt templates
type Templates struct {
	Concept      string `toml:"concept"`
	Constitution string `toml:"constitution"`
	Plan         string `toml:"plan"`
	Scene        string `toml:"scene"`
	Polish       string `toml:"polish"`
	CoverConcept string `toml:"cover_concept"`
}

// GuardrailsConfig holds prompt screening applied before a job is created
type GuardrailsConfig struct {
	BlockedFranchises []string `toml:"blocked_franchises"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string // provider name -> key
}

// GetAPIKey returns the API key for a named provider, or empty
func (s *Secrets) GetAPIKey(provider string) string {
	if s == nil {
		return ""
	}
	return s.APIKeys[provider]
}

const (
	// MaxWriterConcurrency is the maximum allowed parallel writer instances
	MaxWriterConcurrency = 16
	// MinTargetWords and MaxTargetWords bound the accepted brief length
	MinTargetWords = 10000
	MaxTargetWords = 100000
)

// TickBudget returns the tick budget as a duration
func (c *Config) TickBudget() time.Duration {
	return time.Duration(c.Pipeline.TickBudgetMS) * time.Millisecond
}

// LeaseTTL returns the job lease duration
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Pipeline.LeaseTTLMS) * time.Millisecond
}

// PollInterval returns the idle worker poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalMS) * time.Millisecond
}

// StalenessThreshold returns the resumeAll staleness threshold
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Pipeline.StalenessThresholdMS) * time.Millisecond
}

// CacheTTL returns the cache eviction age
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Pipeline.CacheTTLDays) * 24 * time.Hour
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if c.Pipeline.WriterConcurrency < 1 || c.Pipeline.WriterConcurrency > MaxWriterConcurrency {
		return fmt.Errorf("writer_concurrency must be between 1 and %d, got %d", MaxWriterConcurrency, c.Pipeline.WriterConcurrency)
	}
	if c.Pipeline.TickBudgetMS < 1000 {
		return fmt.Errorf("tick_budget_ms must be at least 1000, got %d", c.Pipeline.TickBudgetMS)
	}
	if c.Pipeline.LeaseTTLMS <= c.Pipeline.TickBudgetMS {
		return fmt.Errorf("lease_ttl_ms (%d) must exceed tick_budget_ms (%d)", c.Pipeline.LeaseTTLMS, c.Pipeline.TickBudgetMS)
	}
	if c.Pipeline.CoverMaxAttempts < 1 {
		return fmt.Errorf("cover_max_attempts must be at least 1, got %d", c.Pipeline.CoverMaxAttempts)
	}
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage dsn is required for the postgres driver")
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && c.Queue.Addr == "" {
		return fmt.Errorf("queue addr is required for the redis driver")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q is missing base_url", name)
		}
	}
	return nil
}
