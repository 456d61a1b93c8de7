// Package config loads the service's YAML configuration, with environment
// variables overriding individual fields — the same two-layer approach the
// teacher's config package used, narrowed to the sections this runtime
// actually has: the HTTP server, Postgres/CockroachDB storage, the Redis
// generation cache, the tool process pool, and the orchestrator's defaults.
package config

import (
	"time"

	"github.com/conduitrun/conduit/internal/toolpool"
)

// ToolsConfig is the tool pool's own config shape (internal/toolpool),
// reused directly so the YAML file and the pool agree on one definition.
type ToolsConfig = toolpool.Config

// Config is the top-level configuration for the conduit service.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Stream       StreamConfig       `yaml:"stream"`
	Tools        ToolsConfig        `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener the orchestrator is served behind.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and configures the persistent-store backend:
// Postgres/CockroachDB in production, or an in-process map-backed store for
// tests and local/dev mode.
type StorageConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "memory"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// StreamConfig configures the Redis connection backing the shared
// generation cache and pub/sub fan-out.
type StreamConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OrchestratorConfig carries the process-wide defaults the orchestrator
// falls back to when a user record or request doesn't specify one.
type OrchestratorConfig struct {
	SystemDefaultGraphID string        `yaml:"system_default_graph_id"`
	BackgroundJobRetries int           `yaml:"background_job_retries"`
	BackgroundJobDelay   time.Duration `yaml:"background_job_delay"`
}

// LoggingConfig mirrors internal/observability.LogConfig's YAML-facing
// fields.
type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
	Redact    []string `yaml:"redact"`
}

// TracingConfig controls OpenTelemetry export of graph/step spans.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a Config usable out of the box against a local Redis and
// in-memory store, overridable by a config file and environment variables.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Stream: StreamConfig{Addr: "127.0.0.1:6379"},
		Tools:  ToolsConfig{Enabled: false},
		Orchestrator: OrchestratorConfig{
			SystemDefaultGraphID: "default",
			BackgroundJobRetries: 3,
			BackgroundJobDelay:   2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "conduit", SamplingRate: 0.1},
	}
}
