// Package config loads and validates node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// NodeConfig is the node identity and transport section.
type NodeConfig struct {
	// KeyMaterial seeds the node identity. The node id is derived from
	// it, never configured directly.
	KeyMaterial string   `toml:"key_material"`
	BindAddress string   `toml:"bind_address"`
	Seeds       []string `toml:"seeds"`
}

// SyncConfig is the time synchronization section.
type SyncConfig struct {
	SyncIntervalMs       int64 `toml:"sync_interval_ms"`
	SyncTimeoutMs        int64 `toml:"sync_timeout_ms"`
	StatisticsWindowSize int   `toml:"statistics_window_size"`
}

// HeartbeatConfig is the liveness probing section.
type HeartbeatConfig struct {
	HeartbeatIntervalMs    int64 `toml:"heartbeat_interval_ms"`
	HeartbeatMissThreshold int   `toml:"heartbeat_miss_threshold"`
}

// MetricsConfig is the observability section.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Sync      SyncConfig      `toml:"sync"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// Default returns a configuration with working defaults for a single
// local node.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			KeyMaterial: "chronomesh-dev-node",
			BindAddress: "tcp://127.0.0.1:5555",
		},
		Sync: SyncConfig{
			SyncIntervalMs:       10000,
			SyncTimeoutMs:        5000,
			StatisticsWindowSize: 16,
		},
		Heartbeat: HeartbeatConfig{
			HeartbeatIntervalMs:    2000,
			HeartbeatMissThreshold: 3,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
		},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the node cannot start
// with.
func (c *Config) Validate() error {
	if c.Node.KeyMaterial == "" {
		return fmt.Errorf("node.key_material must not be empty")
	}
	if err := validateAddress(c.Node.BindAddress); err != nil {
		return fmt.Errorf("node.bind_address: %w", err)
	}
	for _, seed := range c.Node.Seeds {
		if err := validateAddress(seed); err != nil {
			return fmt.Errorf("node.seeds entry %q: %w", seed, err)
		}
	}
	if c.Sync.SyncIntervalMs <= 0 {
		return fmt.Errorf("sync.sync_interval_ms must be positive, got %d", c.Sync.SyncIntervalMs)
	}
	if c.Sync.SyncTimeoutMs <= 0 {
		return fmt.Errorf("sync.sync_timeout_ms must be positive, got %d", c.Sync.SyncTimeoutMs)
	}
	if c.Sync.StatisticsWindowSize <= 0 {
		return fmt.Errorf("sync.statistics_window_size must be positive, got %d", c.Sync.StatisticsWindowSize)
	}
	if c.Heartbeat.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat.heartbeat_interval_ms must be positive, got %d", c.Heartbeat.HeartbeatIntervalMs)
	}
	if c.Heartbeat.HeartbeatMissThreshold <= 0 {
		return fmt.Errorf("heartbeat.heartbeat_miss_threshold must be positive, got %d", c.Heartbeat.HeartbeatMissThreshold)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics.listen_address must not be empty when metrics are enabled")
	}
	return nil
}

// SyncInterval returns the sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.SyncIntervalMs) * time.Millisecond
}

// SyncTimeout returns the sync timeout as a duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.SyncTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.HeartbeatIntervalMs) * time.Millisecond
}

func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if !strings.HasPrefix(address, "tcp://") && !strings.HasPrefix(address, "ipc://") && !strings.HasPrefix(address, "inproc://") {
		return fmt.Errorf("address %q must use tcp://, ipc://, or inproc:// scheme", address)
	}
	rest := strings.SplitN(address, "://", 2)[1]
	if rest == "" {
		return fmt.Errorf("address %q has no endpoint", address)
	}
	return nil
}
