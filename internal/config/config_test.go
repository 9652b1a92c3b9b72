package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Registry.Port != 7870 {
		t.Errorf("expected registry port 7870, got %d", cfg.Registry.Port)
	}
	if cfg.Node.ListenPort != 7871 {
		t.Errorf("expected node listen port 7871, got %d", cfg.Node.ListenPort)
	}
	if cfg.Node.ID == "" {
		t.Error("expected a generated node ID")
	}
	if cfg.Registry.HeartbeatTimeoutSeconds <= cfg.Node.HeartbeatIntervalSeconds {
		t.Errorf("default heartbeat timeout %ds does not exceed interval %ds",
			cfg.Registry.HeartbeatTimeoutSeconds, cfg.Node.HeartbeatIntervalSeconds)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestDefaultNodeID(t *testing.T) {
	id := DefaultNodeID()

	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		t.Fatalf("expected <hostname>-<hex> format, got %q", id)
	}

	suffix := id[idx+1:]
	if len(suffix) != 4 {
		t.Errorf("expected 4 hex chars after hostname, got %q", suffix)
	}
	if _, err := hex.DecodeString(suffix); err != nil {
		t.Errorf("suffix %q is not hex: %v", suffix, err)
	}

	if DefaultNodeID() == id {
		t.Error("expected distinct IDs across calls")
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults, got error: %v", err)
	}
	if cfg.Registry.Port != 7870 {
		t.Errorf("expected default registry port, got %d", cfg.Registry.Port)
	}
}

func TestLoadFromPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[node]
id = "phone-ab12"
listen_port = 9100

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Node.ID != "phone-ab12" {
		t.Errorf("expected node ID from file, got %q", cfg.Node.ID)
	}
	if cfg.Node.ListenPort != 9100 {
		t.Errorf("expected listen port 9100, got %d", cfg.Node.ListenPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}

	// Keys absent from the file keep their defaults
	if cfg.Registry.Port != 7870 {
		t.Errorf("expected default registry port, got %d", cfg.Registry.Port)
	}
	if cfg.Node.HeartbeatIntervalSeconds != 15 {
		t.Errorf("expected default heartbeat interval, got %d", cfg.Node.HeartbeatIntervalSeconds)
	}
}

func TestLoadFromMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[node\nid = ???"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("expected parse error for malformed TOML")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Node.ID = "laptop-01"
	cfg.Node.RegistryURL = "http://192.168.1.10:7870"
	cfg.Registry.Limits.RequestsPerSec = 25
	cfg.Notifications.Enabled = true

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if loaded.Node.ID != "laptop-01" {
		t.Errorf("node ID not preserved: %q", loaded.Node.ID)
	}
	if loaded.Node.RegistryURL != "http://192.168.1.10:7870" {
		t.Errorf("registry URL not preserved: %q", loaded.Node.RegistryURL)
	}
	if loaded.Registry.Limits.RequestsPerSec != 25 {
		t.Errorf("rate limit not preserved: %v", loaded.Registry.Limits.RequestsPerSec)
	}
	if !loaded.Notifications.Enabled {
		t.Error("notifications flag not preserved")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"registry port zero", func(c *Config) { c.Registry.Port = 0 }},
		{"registry port too high", func(c *Config) { c.Registry.Port = 70000 }},
		{"zero heartbeat timeout", func(c *Config) { c.Registry.HeartbeatTimeoutSeconds = 0 }},
		{"negative reap interval", func(c *Config) { c.Registry.ReapIntervalSeconds = -1 }},
		{"node port zero", func(c *Config) { c.Node.ListenPort = 0 }},
		{"empty registry URL", func(c *Config) { c.Node.RegistryURL = "" }},
		{"zero heartbeat interval", func(c *Config) { c.Node.HeartbeatIntervalSeconds = 0 }},
		{"zero discovery interval", func(c *Config) { c.Node.DiscoveryIntervalSeconds = 0 }},
		{"timeout below interval", func(c *Config) { c.Registry.HeartbeatTimeoutSeconds = 10 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetPathsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SENTINEL_CONFIG_DIR", dir)

	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths failed: %v", err)
	}

	if paths.ConfigDir != dir {
		t.Errorf("expected config dir %q, got %q", dir, paths.ConfigDir)
	}
	if paths.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("unexpected config file path: %q", paths.ConfigFile)
	}
	if paths.SocketPath != filepath.Join(dir, "agent.sock") {
		t.Errorf("unexpected socket path: %q", paths.SocketPath)
	}

	if paths.ConfigExists() {
		t.Error("ConfigExists should be false before save")
	}
	if err := Default().SaveTo(paths.ConfigFile); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	if !paths.ConfigExists() {
		t.Error("ConfigExists should be true after save")
	}
}
