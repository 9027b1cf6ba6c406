package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithRequiredEnv(t *testing.T) {
	t.Setenv("MQTTSCOPE_UPSTREAM_BASE_URL", "http://telemetry:3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Unexpected default addr %q", cfg.Server.Addr)
	}
	if cfg.Poller.Interval != 15*time.Second {
		t.Errorf("Unexpected default poll interval %v", cfg.Poller.Interval)
	}
	if cfg.Upstream.BaseURL != "http://telemetry:3000" {
		t.Errorf("Env var not applied: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Rollup.Interval != time.Hour {
		t.Errorf("Unexpected default rollup interval %v", cfg.Rollup.Interval)
	}
	if cfg.Bridge.Enabled {
		t.Error("Bridge must default to disabled")
	}
}

func TestLoad_MissingBaseURLFails(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Error("Expected validation error without upstream.base_url")
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
upstream:
  base_url: http://from-file:3000
  timeout: 5s
poller:
  interval: 30s
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("MQTTSCOPE_CONFIG", path)
	// Env beats file
	t.Setenv("MQTTSCOPE_POLLER_INTERVAL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://from-file:3000" {
		t.Errorf("File value not applied: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("File timeout not applied: %v", cfg.Upstream.Timeout)
	}
	if cfg.Poller.Interval != 45*time.Second {
		t.Errorf("Env must override file: %v", cfg.Poller.Interval)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"MQTTSCOPE_UPSTREAM_BASE_URL", "upstream.base_url"},
		{"MQTTSCOPE_SERVER_ADDR", "server.addr"},
		{"MQTTSCOPE_POLLER_BATCH_SIZE", "poller.batch_size"},
		{"MQTTSCOPE_BRIDGE_BROKER_URL", "bridge.broker_url"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Upstream.BaseURL = "http://telemetry:3000"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Valid config rejected: %v", err)
	}

	cfg := valid()
	cfg.Poller.Interval = 100 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for sub-second poll interval")
	}

	cfg = valid()
	cfg.Poller.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero batch size")
	}

	cfg = valid()
	cfg.Server.MaxStorageGB = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero storage limit")
	}

	cfg = valid()
	cfg.Rollup.Interval = 10 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for sub-minute rollup interval")
	}

	cfg = valid()
	cfg.Bridge.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for enabled bridge without broker URL")
	}
}
