package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Sessions SessionsConfig           `yaml:"sessions"`
	Bridge   BridgeConfig             `yaml:"bridge"`
	Relay    RelayConfig              `yaml:"relay"`
	Monitor  MonitorConfig            `yaml:"monitor"`
	Results  ResultsConfig            `yaml:"results"`
	Log      LogConfig                `yaml:"log"`
	Features map[string]FeatureConfig `yaml:"features"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionsConfig struct {
	// TTL bounds how long a prepared session waits for its stream.
	TTL time.Duration `yaml:"ttl"`
	// TombstoneTTL is how long claimed/expired ids are remembered so that
	// late stream attempts get a precise error.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

type BridgeConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ScannerBuffer  int           `yaml:"scanner_buffer"`
}

type RelayConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MonitorConfig struct {
	// SampleInterval of zero disables worker resource sampling.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type ResultsConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeatureConfig describes the worker behind one feature.
type FeatureConfig struct {
	Description string            `yaml:"description"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Dir         string            `yaml:"dir"`
	Timeout     time.Duration     `yaml:"timeout"`
	// EventPrefix namespaces worker event types ("solver" turns "step"
	// into "solver.step"). Empty forwards types unchanged.
	EventPrefix string `yaml:"event_prefix"`
	// ActivateOnFirstEvent delays the starting->active transition until the
	// worker emits its first decodable event.
	ActivateOnFirstEvent bool `yaml:"activate_on_first_event"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Sessions: SessionsConfig{
			TTL:          5 * time.Minute,
			TombstoneTTL: 30 * time.Minute,
		},
		Bridge: BridgeConfig{
			GracePeriod:    2 * time.Second,
			DefaultTimeout: 10 * time.Minute,
			ScannerBuffer:  1 << 20,
		},
		Relay: RelayConfig{
			BufferSize:   256,
			WriteTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			SampleInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Features: map[string]FeatureConfig{},
	}
}

// Default returns the built-in configuration with no features.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Features == nil {
		cfg.Features = map[string]FeatureConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Bridge.GracePeriod <= 0 {
		return errors.New("bridge.grace_period must be positive")
	}
	if c.Bridge.ScannerBuffer < 4096 {
		return fmt.Errorf("bridge.scanner_buffer %d is below 4096", c.Bridge.ScannerBuffer)
	}
	if c.Relay.BufferSize <= 0 {
		return errors.New("relay.buffer_size must be positive")
	}
	if c.Relay.WriteTimeout <= 0 {
		return errors.New("relay.write_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	for name, f := range c.Features {
		if f.Command == "" {
			return fmt.Errorf("features.%s.command is required", name)
		}
		if f.Timeout < 0 {
			return fmt.Errorf("features.%s.timeout must not be negative", name)
		}
	}
	return nil
}

// FeatureTimeout returns the feature's own timeout, falling back to the
// bridge default.
func (c *Config) FeatureTimeout(name string) time.Duration {
	if f, ok := c.Features[name]; ok && f.Timeout > 0 {
		return f.Timeout
	}
	return c.Bridge.DefaultTimeout
}

// FeatureNames returns configured feature names in sorted order.
func (c *Config) FeatureNames() []string {
	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
