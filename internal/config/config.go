// Package config holds the tapdisk NBD client's settings: the export it
// dials, its slot budget, timeouts, and the ambient observability knobs
// (logging, metrics, tracing) carried from the daemon this driver lives in.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NBDConfig holds the settings that parametrize internal/nbdclient.
type NBDConfig struct {
	ExportName         string        `json:"export_name" yaml:"exportName"`                 // fixed NEW-style export name
	MaxRequests        int           `json:"max_requests" yaml:"maxRequests"`               // MAX_NBD_REQS
	HandshakeTimeout   time.Duration `json:"handshake_timeout" yaml:"handshakeTimeout"`     // wait_recv budget (default 10s)
	DialTimeout        time.Duration `json:"dial_timeout" yaml:"dialTimeout"`               // TCP/UNIX connect budget
	CloseWriteDeadline time.Duration `json:"close_write_deadline" yaml:"closeWriteDeadline"` // bound on the synchronous DISC flush
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`       // otlp-http (or otlp)
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`       // localhost:4318
	ServiceName string  `json:"service_name" yaml:"serviceName"` // tapdisk-nbd
	SampleRate  float64 `json:"sample_rate" yaml:"sampleRate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogramBuckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"` // debug, info, warn, error
	IncludeTraceID bool   `json:"include_trace_id" yaml:"includeTraceId"`
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct for the tapdisk-nbd daemon.
type Config struct {
	NBD           NBDConfig           `json:"nbd" yaml:"nbd"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NBD: NBDConfig{
			ExportName:         "tapdisk",
			MaxRequests:        64,
			HandshakeTimeout:   10 * time.Second,
			DialTimeout:        5 * time.Second,
			CloseWriteDeadline: 2 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "tapdisk-nbd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "tapdisk_nbd",
				HistogramBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			Logging: LoggingConfig{
				Level:          "info",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, applied on top
// of defaults. The format is chosen by extension (.yaml, .yml => YAML;
// everything else => JSON), mirroring the manifest-loading convention the
// rest of the daemon's config tooling uses.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml %q: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse json %q: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TAPDISK_NBD_EXPORT_NAME"); v != "" {
		cfg.NBD.ExportName = v
	}
	if v := os.Getenv("TAPDISK_NBD_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NBD.MaxRequests = n
		}
	}
	if v := os.Getenv("TAPDISK_NBD_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NBD.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("TAPDISK_NBD_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NBD.DialTimeout = d
		}
	}
	if v := os.Getenv("TAPDISK_NBD_CLOSE_WRITE_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NBD.CloseWriteDeadline = d
		}
	}

	if v := os.Getenv("TAPDISK_NBD_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TAPDISK_NBD_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("TAPDISK_NBD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("TAPDISK_NBD_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TAPDISK_NBD_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("TAPDISK_NBD_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("TAPDISK_NBD_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
