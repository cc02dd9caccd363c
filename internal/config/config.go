// Package config defines the host configuration file and loads it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Admin    AdminConfig    `yaml:"admin"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
	Stream   StreamConfig   `yaml:"stream"`
	Wasm     WasmConfig     `yaml:"wasm"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Filters  []FilterConfig `yaml:"filters"`
}

// ListenerConfig defines the data plane HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus exposition settings
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	RuntimeMetrics bool   `yaml:"runtime_metrics"` // Go and process collectors
}

// UpstreamConfig names the single upstream behind the filter chain.
// An empty URL selects the built-in echo upstream.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"` // stderr, stdout or a file path
	AccessLog bool              `yaml:"access_log"`
	Defects   DefectLogConfig   `yaml:"defects"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// DefectLogConfig throttles filter defect log lines.
type DefectLogConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 disables the limit
	Burst         int     `yaml:"burst"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// StreamConfig bounds per-request filter processing.
type StreamConfig struct {
	BodyChunkSize int           `yaml:"body_chunk_size"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	HoldTimeout   time.Duration `yaml:"hold_timeout"`
}

// WasmConfig configures the shared wazero runtime.
type WasmConfig struct {
	Mode           string        `yaml:"mode"` // compiler or interpreter
	MaxMemoryPages int           `yaml:"max_memory_pages"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// TracingConfig defines OpenTelemetry tracing settings. Tracing is off
// unless enabled.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC collector, e.g. "localhost:4317"
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0..1
}

// FilterConfig is one entry of the filter chain.
type FilterConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Config is re-encoded to JSON and handed to the filter.
	Config any `yaml:"config"`
	// ConfigFile is read verbatim instead of Config.
	ConfigFile string `yaml:"config_file"`
}

// Payload returns the JSON bytes passed to the filter's Configure.
// A filter without config yields nil.
func (f FilterConfig) Payload() ([]byte, error) {
	if f.ConfigFile != "" {
		data, err := os.ReadFile(f.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("filter %s: read config_file: %w", f.Name, err)
		}
		return data, nil
	}
	if f.Config == nil {
		return nil, nil
	}
	data, err := json.Marshal(f.Config)
	if err != nil {
		return nil, fmt.Errorf("filter %s: encode config: %w", f.Name, err)
	}
	return data, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			Defects: DefectLogConfig{
				RatePerSecond: 10,
				Burst:         20,
			},
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Stream: StreamConfig{
			BodyChunkSize: 16 << 10,
			MaxBodyBytes:  8 << 20,
			HoldTimeout:   5 * time.Second,
		},
		Wasm: WasmConfig{
			Mode:           "compiler",
			MaxMemoryPages: 256,
			CacheSize:      16,
		},
		Tracing: TracingConfig{
			ServiceName: "filterhost",
			SampleRate:  1.0,
		},
	}
}
