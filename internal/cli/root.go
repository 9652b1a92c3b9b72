// Package cli implements the sentinel command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

// SetVersion sets the version string reported by the version command
func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Self-organizing LAN mesh for phones and laptops",
	Long: `sentinel - self-organizing mesh over a shared LAN

A registry keeps a TTL-based directory of live nodes. Node agents
register with it, heartbeat to stay listed, discover one another, and
exchange framed messages directly over TCP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/sentinel/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// loadConfig loads the config file, honoring the --config flag
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// setupLogging installs the process-wide slog handler from the logging
// section. --verbose forces debug level.
func setupLogging(cfg *config.Config) {
	level := parseLogLevel(cfg.Logging.Level)
	if verboseLog {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
