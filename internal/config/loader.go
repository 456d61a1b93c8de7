package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads path (if non-empty and present) over Default(), then applies
// environment variable overrides — the same file-then-env layering the
// teacher's loader used, without its $include/JSON5 machinery, which this
// service's single-file config has no use for.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets deploy-time environment variables win over whatever
// the file set, for the handful of settings that commonly differ between
// environments (connection strings, credentials, log level).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUIT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONDUIT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CONDUIT_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("CONDUIT_REDIS_ADDR"); v != "" {
		cfg.Stream.Addr = v
	}
	if v := os.Getenv("CONDUIT_REDIS_PASSWORD"); v != "" {
		cfg.Stream.Password = v
	}
	if v := os.Getenv("CONDUIT_DEFAULT_GRAPH_ID"); v != "" {
		cfg.Orchestrator.SystemDefaultGraphID = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUIT_BACKGROUND_JOB_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.BackgroundJobDelay = d
		}
	}
}
