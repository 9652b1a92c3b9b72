// Package config loads and persists the sentinel configuration file and
// resolves platform-specific paths.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration shared by both sentinel roles. One
// file carries the registry and node sections; each command reads only
// the sections it needs.
type Config struct {
	Registry      RegistryConfig      `toml:"registry"`
	Node          NodeConfig          `toml:"node"`
	Logging       LoggingConfig       `toml:"logging"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// RegistryConfig contains registry server settings
type RegistryConfig struct {
	Host                    string         `toml:"host"`
	Port                    int            `toml:"port"`
	HeartbeatTimeoutSeconds int            `toml:"heartbeat_timeout_seconds"`
	ReapIntervalSeconds     int            `toml:"reap_interval_seconds"`
	MDNS                    bool           `toml:"mdns"`
	Events                  bool           `toml:"events"`
	Limits                  RegistryLimits `toml:"limits"`
}

// RegistryLimits contains the registry's per-IP request rate limits
type RegistryLimits struct {
	RequestsPerSec float64 `toml:"requests_per_sec"`
	Burst          int     `toml:"burst"`
}

// NodeConfig contains node agent settings
type NodeConfig struct {
	ID                       string     `toml:"id"`
	ListenHost               string     `toml:"listen_host"`
	ListenPort               int        `toml:"listen_port"`
	RegistryURL              string     `toml:"registry_url"`
	HeartbeatIntervalSeconds int        `toml:"heartbeat_interval_seconds"`
	DiscoveryIntervalSeconds int        `toml:"discovery_interval_seconds"`
	Limits                   NodeLimits `toml:"limits"`
}

// NodeLimits contains the agent's inbound connection limits
type NodeLimits struct {
	MaxConnections int     `toml:"max_connections"`
	MaxPerIP       int     `toml:"max_per_ip"`
	PerIPPerSec    float64 `toml:"per_ip_per_sec"`
}

// HeartbeatTimeout returns the registry's node expiry threshold
func (r RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutSeconds) * time.Second
}

// ReapInterval returns how often the registry sweeps for expired nodes
func (r RegistryConfig) ReapInterval() time.Duration {
	return time.Duration(r.ReapIntervalSeconds) * time.Second
}

// HeartbeatInterval returns how often the agent heartbeats the registry
func (n NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatIntervalSeconds) * time.Second
}

// DiscoveryInterval returns how often the agent polls for peers
func (n NodeConfig) DiscoveryInterval() time.Duration {
	return time.Duration(n.DiscoveryIntervalSeconds) * time.Second
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// NotificationsConfig contains desktop notification settings
type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a config with sensible defaults. The node ID is
// freshly generated; `sentinel init` persists it so it survives restarts.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Host:                    "0.0.0.0",
			Port:                    7870,
			HeartbeatTimeoutSeconds: 30,
			ReapIntervalSeconds:     10,
			MDNS:                    true,
			Events:                  true,
			Limits: RegistryLimits{
				RequestsPerSec: 50,
				Burst:          100,
			},
		},
		Node: NodeConfig{
			ID:                       DefaultNodeID(),
			ListenHost:               "0.0.0.0",
			ListenPort:               7871,
			RegistryURL:              "http://127.0.0.1:7870",
			HeartbeatIntervalSeconds: 15,
			DiscoveryIntervalSeconds: 20,
			Limits: NodeLimits{
				MaxConnections: 64,
				MaxPerIP:       8,
				PerIPPerSec:    4,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: NotificationsConfig{
			Enabled: false,
		},
	}
}

// DefaultNodeID derives a node ID from the hostname plus a short random
// suffix, so several machines with the same hostname stay distinguishable.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}

	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return host
	}
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(b[:]))
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Registry.Port < 1 || c.Registry.Port > 65535 {
		return fmt.Errorf("invalid registry port: %d", c.Registry.Port)
	}
	if c.Registry.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid heartbeat timeout: %ds", c.Registry.HeartbeatTimeoutSeconds)
	}
	if c.Registry.ReapIntervalSeconds <= 0 {
		return fmt.Errorf("invalid reap interval: %ds", c.Registry.ReapIntervalSeconds)
	}

	if c.Node.ListenPort < 1 || c.Node.ListenPort > 65535 {
		return fmt.Errorf("invalid node listen port: %d", c.Node.ListenPort)
	}
	if c.Node.RegistryURL == "" {
		return fmt.Errorf("registry URL is required")
	}
	if c.Node.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("invalid heartbeat interval: %ds", c.Node.HeartbeatIntervalSeconds)
	}
	if c.Node.DiscoveryIntervalSeconds <= 0 {
		return fmt.Errorf("invalid discovery interval: %ds", c.Node.DiscoveryIntervalSeconds)
	}

	// A registry that times nodes out faster than they heartbeat would
	// reap every healthy node
	if c.Registry.HeartbeatTimeoutSeconds <= c.Node.HeartbeatIntervalSeconds {
		return fmt.Errorf("heartbeat timeout (%ds) must exceed the heartbeat interval (%ds)",
			c.Registry.HeartbeatTimeoutSeconds, c.Node.HeartbeatIntervalSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
