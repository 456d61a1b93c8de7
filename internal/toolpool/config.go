package toolpool

import "time"

// TransportKind selects a tool server's wire transport.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportWebSocket TransportKind = "websocket"
)

// ServerConfig declares one tool server, sourced from the YAML config's
// Tools section (teacher: ToolsConfig) rather than hardcoded.
type ServerConfig struct {
	ID        string            `mapstructure:"id" yaml:"id"`
	Name      string            `mapstructure:"name" yaml:"name"`
	Transport TransportKind     `mapstructure:"transport" yaml:"transport"`
	AutoStart bool              `mapstructure:"autoStart" yaml:"autoStart"`
	Timeout   time.Duration     `mapstructure:"timeout" yaml:"timeout"`

	// Stdio transport.
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
	WorkDir string            `mapstructure:"workdir" yaml:"workdir"`

	// WebSocket transport.
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Config is the top-level Tools section of the service config.
type Config struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Servers []ServerConfig `mapstructure:"servers" yaml:"servers"`
}

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	shutdownGrace           = 2 * time.Second
)

func (c ServerConfig) requestTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultRequestTimeout
}
