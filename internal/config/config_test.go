package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Worker.ProbeTimeout.Duration)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
worker:
  base_url: http://agents.internal:8443
  probe_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, "http://agents.internal:8443", cfg.Worker.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Worker.ProbeTimeout.Duration)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestDSNFromEnvironment(t *testing.T) {
	t.Setenv("TEST_SESSIONKIT_DSN", "postgres://user:pass@db/sessions")
	path := writeConfig(t, `
database:
  driver: postgres
  dsn_env: TEST_SESSIONKIT_DSN
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://user:pass@db/sessions", cfg.Database.DSN)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
worker:
  probe_timeout: soon
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"missing worker url", func(c *Config) { c.Worker.BaseURL = "" }, "worker.base_url"},
		{"zero probe timeout", func(c *Config) { c.Worker.ProbeTimeout = Duration{} }, "probe_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration{90 * time.Second}
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON(data))
	assert.Equal(t, 90*time.Second, parsed.Duration)
}
