package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file, applies defaults and
// environment overrides, and loads secrets from the environment.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets := LoadSecrets()
	return &cfg, secrets, nil
}

// Default returns a configuration with all defaults applied, for embedding
// in tests and single-binary setups without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyEnvOverrides maps the operational environment knobs onto the config.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	overrideInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	overrideInt("TICK_BUDGET_MS", &cfg.Pipeline.TickBudgetMS)
	overrideInt("WRITER_CONCURRENCY", &cfg.Pipeline.WriterConcurrency)
	overrideInt("LEASE_TTL_MS", &cfg.Pipeline.LeaseTTLMS)
	overrideInt("COVER_MAX_ATTEMPTS", &cfg.Pipeline.CoverMaxAttempts)
	overrideInt("CACHE_TTL_DAYS", &cfg.Pipeline.CacheTTLDays)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Queue.Addr = v
	}
}

// LoadSecrets reads provider API keys from the environment. A provider named
// "writer" reads PROVIDER_WRITER_KEY, and so on.
func LoadSecrets() *Secrets {
	s := &Secrets{APIKeys: make(map[string]string)}
	const prefix = "PROVIDER_"
	const suffix = "_KEY"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		provider := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if provider != "" {
			s.APIKeys[provider] = value
		}
	}
	return s
}
