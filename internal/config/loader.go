package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener: address is required")
	}
	if cfg.Admin.Enabled {
		if cfg.Admin.Address == "" {
			return fmt.Errorf("admin: address is required when enabled")
		}
		if cfg.Admin.Address == cfg.Listener.Address {
			return fmt.Errorf("admin: address %s collides with the listener", cfg.Admin.Address)
		}
		if cfg.Admin.Metrics.Enabled && !strings.HasPrefix(cfg.Admin.Metrics.Path, "/") {
			return fmt.Errorf("admin.metrics: path must start with /")
		}
	}

	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return fmt.Errorf("upstream: invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream: url scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream: url has no host")
		}
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Defects.RatePerSecond < 0 {
		return fmt.Errorf("logging.defects: rate_per_second must be >= 0")
	}

	if cfg.Stream.BodyChunkSize <= 0 {
		return fmt.Errorf("stream: body_chunk_size must be > 0")
	}
	if cfg.Stream.MaxBodyBytes < 0 {
		return fmt.Errorf("stream: max_body_bytes must be >= 0")
	}
	if cfg.Stream.HoldTimeout < 0 {
		return fmt.Errorf("stream: hold_timeout must be >= 0")
	}

	switch cfg.Wasm.Mode {
	case "", "compiler", "interpreter":
	default:
		return fmt.Errorf("wasm: invalid mode %q", cfg.Wasm.Mode)
	}
	if cfg.Wasm.MaxMemoryPages < 0 || cfg.Wasm.MaxMemoryPages > 65536 {
		return fmt.Errorf("wasm: max_memory_pages must be between 0 and 65536")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}

	names := make(map[string]bool, len(cfg.Filters))
	for i, f := range cfg.Filters {
		if f.Name == "" {
			return fmt.Errorf("filter %d: name is required", i)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate filter name: %s", f.Name)
		}
		names[f.Name] = true

		if f.Type == "" {
			return fmt.Errorf("filter %s: type is required", f.Name)
		}
		if f.Config != nil && f.ConfigFile != "" {
			return fmt.Errorf("filter %s: config and config_file are mutually exclusive", f.Name)
		}
		if f.Config != nil {
			if _, ok := f.Config.(map[string]any); !ok {
				return fmt.Errorf("filter %s: config must be a mapping", f.Name)
			}
		}
	}

	return nil
}
