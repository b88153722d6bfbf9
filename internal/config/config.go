// Package config loads and validates the service configuration.
package config

import (
	"encoding/json"
	"os"
	"time"

	"dario.cat/mergo"
	"sigs.k8s.io/yaml"

	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
)

// Duration wraps time.Duration so config files can use values like
// "30s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses either a duration string or a number of
// nanoseconds. sigs.k8s.io/yaml routes YAML values through JSON.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	case float64:
		d.Duration = time.Duration(value)
		return nil
	default:
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "invalid duration value", nil)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Worker   WorkerConfig   `json:"worker"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ReadTimeout     Duration `json:"read_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// DatabaseConfig holds the persistence configuration. DSNEnv names an
// environment variable the DSN is read from, so credentials stay out
// of the config file.
type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
	DSNEnv string `json:"dsn_env,omitempty"`
}

// WorkerConfig holds the A2A worker endpoint configuration.
type WorkerConfig struct {
	BaseURL      string   `json:"base_url"`
	ProbeTimeout Duration `json:"probe_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Development bool `json:"development"`
	Verbosity   int  `json:"verbosity"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration{30 * time.Second},
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "sessionkit.db",
		},
		Worker: WorkerConfig{
			BaseURL:      "http://localhost:9000",
			ProbeTimeout: Duration{2 * time.Second},
		},
		Logging: LoggingConfig{
			Development: false,
			Verbosity:   0,
		},
	}
}

// Load reads the config file at path, resolves environment
// indirections and fills unset fields from the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "failed to parse config file", err)
		}
	}

	if err := mergo.Merge(config, DefaultConfig()); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "failed to apply config defaults", err)
	}

	if config.Database.DSNEnv != "" {
		if dsn := os.Getenv(config.Database.DSNEnv); dsn != "" {
			config.Database.DSN = dsn
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the service cannot run
// with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "server.port must be between 1 and 65535", nil)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "database.driver must be sqlite or postgres", nil)
	}
	if c.Database.DSN == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "database.dsn is required", nil)
	}
	if c.Worker.BaseURL == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "worker.base_url is required", nil)
	}
	if c.Worker.ProbeTimeout.Duration <= 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "worker.probe_timeout must be positive", nil)
	}
	return nil
}
