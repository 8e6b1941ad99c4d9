package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins: ["http://localhost:3000"]
sessions:
  ttl: 90s
bridge:
  grace_period: 500ms
features:
  solver:
    command: mockworker
    args: ["--feature", "solver"]
    timeout: 2m
    event_prefix: solver
  council:
    command: /usr/bin/council
    env:
      COUNCIL_SEATS: "5"
    activate_on_first_event: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Sessions.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Bridge.GracePeriod)

	solver := cfg.Features["solver"]
	assert.Equal(t, "mockworker", solver.Command)
	assert.Equal(t, []string{"--feature", "solver"}, solver.Args)
	assert.Equal(t, "solver", solver.EventPrefix)

	council := cfg.Features["council"]
	assert.Equal(t, "5", council.Env["COUNCIL_SEATS"])
	assert.True(t, council.ActivateOnFirstEvent)

	// Defaults survive for unspecified fields.
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TombstoneTTL)
	assert.Equal(t, 10*time.Minute, cfg.Bridge.DefaultTimeout)
	assert.Equal(t, 256, cfg.Relay.BufferSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Features)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, ":::not valid yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero ttl", func(c *Config) { c.Sessions.TTL = 0 }},
		{"zero grace", func(c *Config) { c.Bridge.GracePeriod = 0 }},
		{"tiny scanner buffer", func(c *Config) { c.Bridge.ScannerBuffer = 10 }},
		{"zero relay buffer", func(c *Config) { c.Relay.BufferSize = 0 }},
		{"zero write timeout", func(c *Config) { c.Relay.WriteTimeout = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"feature without command", func(c *Config) { c.Features["x"] = FeatureConfig{} }},
		{"negative feature timeout", func(c *Config) {
			c.Features["x"] = FeatureConfig{Command: "x", Timeout: -time.Second}
		}},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFeatureTimeout(t *testing.T) {
	cfg := Default()
	cfg.Features["fast"] = FeatureConfig{Command: "x", Timeout: time.Minute}
	cfg.Features["plain"] = FeatureConfig{Command: "y"}

	assert.Equal(t, time.Minute, cfg.FeatureTimeout("fast"))
	assert.Equal(t, cfg.Bridge.DefaultTimeout, cfg.FeatureTimeout("plain"))
	assert.Equal(t, cfg.Bridge.DefaultTimeout, cfg.FeatureTimeout("unknown"))
	assert.Equal(t, []string{"fast", "plain"}, cfg.FeatureNames())
}
