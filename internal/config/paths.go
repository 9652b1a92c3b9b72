package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the platform-specific file locations for sentinel
type Paths struct {
	ConfigDir  string // ~/.config/sentinel or equivalent
	ConfigFile string // ~/.config/sentinel/config.toml
	PIDFile    string // ~/.config/sentinel/agent.pid (empty on Windows)
	SocketPath string // agent IPC socket (named pipe on Windows)
}

// GetPaths returns platform-specific paths for sentinel
func GetPaths() (*Paths, error) {
	var configDir string
	var socketPath string
	var pidFile string

	// Allow override via environment variable (useful for running several
	// instances side by side in tests)
	if envConfigDir := os.Getenv("SENTINEL_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
		socketPath = filepath.Join(configDir, "agent.sock")
		pidFile = filepath.Join(configDir, "agent.pid")
	} else {
		switch runtime.GOOS {
		case "linux":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "sentinel")

			// Socket in XDG_RUNTIME_DIR or /run/user/<uid>
			runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
			if runtimeDir == "" {
				runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
			}
			socketPath = filepath.Join(runtimeDir, "sentinel.sock")
			pidFile = filepath.Join(configDir, "agent.pid")

		case "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "sentinel")
			socketPath = filepath.Join(home, "Library", "Application Support", "sentinel", "agent.sock")
			pidFile = filepath.Join(configDir, "agent.pid")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "sentinel")

			// Named pipe on Windows; the agent listens on a fixed name
			socketPath = `\\.\pipe\sentinel-agent`
			pidFile = "" // the agent is reached through the pipe, not a pid file

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
		PIDFile:    pidFile,
		SocketPath: socketPath,
	}, nil
}

// EnsureDirectories creates the config directory tree with restrictive
// permissions
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir}

	// On macOS the socket lives outside the config dir
	if runtime.GOOS == "darwin" && filepath.IsAbs(p.SocketPath) {
		dirs = append(dirs, filepath.Dir(p.SocketPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ConfigExists returns true if a config file has been written
func (p *Paths) ConfigExists() bool {
	_, err := os.Stat(p.ConfigFile)
	return err == nil
}

// LogFile returns the platform-specific agent log file path (Windows only)
func (p *Paths) LogFile() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.ConfigDir, "agent.log")
	}
	return "" // Linux/macOS log through the init system
}
