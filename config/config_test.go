package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
	if cfg.Node.BindAddress != "tcp://127.0.0.1:5555" {
		t.Errorf("Unexpected default bind address %s", cfg.Node.BindAddress)
	}
	if cfg.Sync.StatisticsWindowSize != 16 {
		t.Errorf("Expected window size 16, got %d", cfg.Sync.StatisticsWindowSize)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Heartbeat.HeartbeatMissThreshold != 3 {
		t.Errorf("Expected default miss threshold 3, got %d", cfg.Heartbeat.HeartbeatMissThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/chronomesh.toml"); err == nil {
		t.Error("Expected missing file to fail")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	content := `
[node]
key_material = "test-node-key"
bind_address = "tcp://0.0.0.0:7000"
seeds = ["tcp://10.0.0.1:7000"]

[sync]
sync_interval_ms = 2000
sync_timeout_ms = 1000
statistics_window_size = 8

[heartbeat]
heartbeat_interval_ms = 500
heartbeat_miss_threshold = 5

[metrics]
enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.BindAddress != "tcp://0.0.0.0:7000" {
		t.Errorf("Unexpected bind address %s", cfg.Node.BindAddress)
	}
	if len(cfg.Node.Seeds) != 1 || cfg.Node.Seeds[0] != "tcp://10.0.0.1:7000" {
		t.Errorf("Unexpected seeds %v", cfg.Node.Seeds)
	}
	if cfg.SyncInterval() != 2*time.Second {
		t.Errorf("Expected 2s sync interval, got %v", cfg.SyncInterval())
	}
	if cfg.HeartbeatInterval() != 500*time.Millisecond {
		t.Errorf("Expected 500ms heartbeat interval, got %v", cfg.HeartbeatInterval())
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[node\nnope"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected malformed TOML to fail")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key material", func(c *Config) { c.Node.KeyMaterial = "" }},
		{"empty bind address", func(c *Config) { c.Node.BindAddress = "" }},
		{"bad bind scheme", func(c *Config) { c.Node.BindAddress = "udp://127.0.0.1:5555" }},
		{"bind without endpoint", func(c *Config) { c.Node.BindAddress = "tcp://" }},
		{"bad seed", func(c *Config) { c.Node.Seeds = []string{"127.0.0.1:5555"} }},
		{"zero sync interval", func(c *Config) { c.Sync.SyncIntervalMs = 0 }},
		{"negative sync timeout", func(c *Config) { c.Sync.SyncTimeoutMs = -1 }},
		{"zero window", func(c *Config) { c.Sync.StatisticsWindowSize = 0 }},
		{"zero heartbeat interval", func(c *Config) { c.Heartbeat.HeartbeatIntervalMs = 0 }},
		{"zero miss threshold", func(c *Config) { c.Heartbeat.HeartbeatMissThreshold = 0 }},
		{"metrics enabled without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation to fail", tc.name)
		}
	}
}
