package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mqttscope/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set
const ConfigPathEnvVar = "MQTTSCOPE_CONFIG"

// EnvPrefix is stripped from environment variables before mapping them onto
// config keys: MQTTSCOPE_UPSTREAM_BASE_URL -> upstream.base_url
const EnvPrefix = "MQTTSCOPE_"

// Config is the full server configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Poller   PollerConfig   `koanf:"poller"`
	Storage  StorageConfig  `koanf:"storage"`
	Rollup   RollupConfig   `koanf:"rollup"`
	Bridge   BridgeConfig   `koanf:"bridge"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr         string `koanf:"addr"`
	StaticDir    string `koanf:"static_dir"`
	MaxStorageGB int64  `koanf:"max_storage_gb"`
}

// UpstreamConfig points at the remote PostgREST-style telemetry API
type UpstreamConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Token     string        `koanf:"token"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

// PollerConfig controls the upstream polling loop
type PollerConfig struct {
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size"`

	// Backfill is how far back the first poll reaches on a cold cache
	Backfill time.Duration `koanf:"backfill"`
}

// StorageConfig holds local cache settings
type StorageConfig struct {
	Path        string `koanf:"path"`
	MaxMemoryMB int64  `koanf:"max_memory_mb"`
}

// RollupConfig controls the raw → 5m → 1h downsampling job
type RollupConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// BridgeConfig holds the optional live MQTT subscription
type BridgeConfig struct {
	Enabled   bool     `koanf:"enabled"`
	BrokerURL string   `koanf:"broker_url"`
	ClientID  string   `koanf:"client_id"`
	Username  string   `koanf:"username"`
	Password  string   `koanf:"password"`
	Topics    []string `koanf:"topics"`
}

// defaultConfig returns a Config with all defaults. Defaults are applied
// first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			StaticDir:    "./web",
			MaxStorageGB: 1, // laptop-friendly cache ceiling
		},
		Upstream: UpstreamConfig{
			BaseURL:   "",
			Token:     "",
			Timeout:   10 * time.Second,
			RateLimit: 20,
			Burst:     10,
		},
		Poller: PollerConfig{
			Interval:  15 * time.Second,
			BatchSize: 1000,
			Backfill:  24 * time.Hour,
		},
		Storage: StorageConfig{
			Path:        "./data/mqttscope",
			MaxMemoryMB: 32,
		},
		Rollup: RollupConfig{
			Interval: time.Hour,
		},
		Bridge: BridgeConfig{
			Enabled:   false,
			BrokerURL: "",
			ClientID:  "mqttscope",
			Topics:    []string{"$SYS/broker/events/#"},
		},
	}
}

// Load builds the configuration: struct defaults, then an optional YAML
// file, then MQTTSCOPE_* environment variables (highest priority).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile resolves the config file path, preferring the env override
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps MQTTSCOPE_SECTION_SOME_KEY to section.some_key.
// Only the first underscore separates the section; the rest stay literal so
// keys like base_url survive.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if idx := strings.IndexByte(s, '_'); idx > 0 {
		return s[:idx] + "." + s[idx+1:]
	}
	return s
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if c.Poller.Interval < time.Second {
		return fmt.Errorf("poller.interval %v is below the 1s minimum", c.Poller.Interval)
	}
	if c.Poller.BatchSize < 1 {
		return errors.New("poller.batch_size must be positive")
	}
	if c.Server.MaxStorageGB < 1 {
		return errors.New("server.max_storage_gb must be at least 1")
	}
	if c.Rollup.Interval < time.Minute {
		return fmt.Errorf("rollup.interval %v is below the 1m minimum", c.Rollup.Interval)
	}
	if c.Bridge.Enabled && c.Bridge.BrokerURL == "" {
		return errors.New("bridge.broker_url is required when the bridge is enabled")
	}
	return nil
}
