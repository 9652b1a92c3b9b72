package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/registry"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/service"
)

var (
	registryHost             string
	registryPort             int
	registryHeartbeatTimeout time.Duration
	registryReapInterval     time.Duration
	registryQR               bool
	registryNoMDNS           bool
	registryLogLines         int
)

func init() {
	rootCmd.AddCommand(registryCmd)

	registryCmd.AddCommand(registryRunCmd)
	registryCmd.AddCommand(registryInstallCmd)
	registryCmd.AddCommand(registryUninstallCmd)
	registryCmd.AddCommand(registryStartCmd)
	registryCmd.AddCommand(registryStopCmd)
	registryCmd.AddCommand(registryStatusCmd)
	registryCmd.AddCommand(registryLogsCmd)

	registryRunCmd.Flags().StringVar(&registryHost, "host", "", "bind host (default from config)")
	registryRunCmd.Flags().IntVar(&registryPort, "port", 0, "bind port (default from config)")
	registryRunCmd.Flags().DurationVar(&registryHeartbeatTimeout, "heartbeat-timeout", 0, "node expiry threshold (default from config)")
	registryRunCmd.Flags().DurationVar(&registryReapInterval, "reap-interval", 0, "reaper sweep interval (default from config)")
	registryRunCmd.Flags().BoolVar(&registryQR, "qr", false, "print the join URL as a QR code")
	registryRunCmd.Flags().BoolVar(&registryNoMDNS, "no-mdns", false, "disable mDNS advertisement")

	registryLogsCmd.Flags().IntVar(&registryLogLines, "lines", 50, "number of log lines to show")
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Registry server commands",
	Long: `Run and manage the mesh registry.

The registry keeps the directory of live nodes. Agents register with
it, heartbeat to stay listed, and query it to discover peers. Nodes
that stop heartbeating are reaped after the configured timeout.`,
}

var registryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the registry in the foreground",
	Long: `Run the registry server in the foreground.

This is what service managers invoke. For a persistent registry,
prefer 'sentinel registry install' followed by 'sentinel registry start'.`,
	RunE: runRegistryRun,
}

func runRegistryRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	host := cfg.Registry.Host
	if cmd.Flags().Changed("host") {
		host = registryHost
	}
	port := cfg.Registry.Port
	if cmd.Flags().Changed("port") {
		port = registryPort
	}
	heartbeatTimeout := cfg.Registry.HeartbeatTimeout()
	if cmd.Flags().Changed("heartbeat-timeout") {
		heartbeatTimeout = registryHeartbeatTimeout
	}
	reapInterval := cfg.Registry.ReapInterval()
	if cmd.Flags().Changed("reap-interval") {
		reapInterval = registryReapInterval
	}

	limits := registry.DefaultRateLimitConfig()
	limits.PerIPRequestsPerSecond = cfg.Registry.Limits.RequestsPerSec
	limits.PerIPBurst = cfg.Registry.Limits.Burst

	srv := registry.NewServer(registry.ServerConfig{
		Host:             host,
		Port:             port,
		HeartbeatTimeout: heartbeatTimeout,
		ReapInterval:     reapInterval,
		RateLimit:        limits,
		DisableEvents:    !cfg.Registry.Events,
	})

	if err := srv.Start(context.Background()); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	if cfg.Registry.MDNS && !registryNoMDNS {
		announcer := registry.NewAnnouncer("", port)
		if err := announcer.Start(); err != nil {
			slog.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer announcer.Stop()
		}
	}

	printJoinInfo(port, registryQR)

	// Block until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down...")
	srv.Stop()
	return nil
}

func printJoinInfo(port int, withQR bool) {
	url := fmt.Sprintf("http://%s:%d", lanIP(), port)

	fmt.Printf("Registry URL: %s\n", url)
	fmt.Printf("Join with:    sentinel node run --registry %s\n", url)

	if withQR {
		qr, err := qrcode.New(url, qrcode.Medium)
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate QR code: %v\n", err)
			return
		}
		fmt.Println()
		fmt.Println(qr.ToSmallString(false))
	}
}

// lanIP returns the first non-loopback IPv4 address, for building a URL
// other machines on the LAN can reach
func lanIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// Service management

var registryInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the registry as a user service",
	Long: `Install the registry as a user service.

On Linux this creates a systemd user unit, on macOS a launchd agent,
and on Windows a scheduled task. The registry starts automatically on
login once enabled.`,
	RunE: runRegistryInstall,
}

func runRegistryInstall(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	if err := installer.Install(); err != nil {
		return err
	}

	fmt.Println("Registry service installed.")

	if err := installer.Enable(); err != nil {
		fmt.Printf("Could not enable on login: %v\n", err)
	}

	fmt.Println("Start it with: sentinel registry start")
	return nil
}

var registryUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the registry user service",
	RunE:  runRegistryUninstall,
}

func runRegistryUninstall(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	if err := installer.Uninstall(); err != nil {
		return err
	}

	fmt.Println("Registry service removed.")
	return nil
}

var registryStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the registry service",
	RunE:  runRegistryStart,
}

func runRegistryStart(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	if err := installer.Start(); err != nil {
		return err
	}

	fmt.Println("Registry service started.")
	fmt.Println("Use 'sentinel registry status' for details.")
	return nil
}

var registryStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the registry service",
	RunE:  runRegistryStop,
}

func runRegistryStop(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	if err := installer.Stop(); err != nil {
		return err
	}

	fmt.Println("Registry service stopped.")
	return nil
}

var registryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry service status",
	RunE:  runRegistryStatus,
}

func runRegistryStatus(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	status, err := installer.Status()
	if err != nil {
		return err
	}

	fmt.Println("Registry Service")
	fmt.Println()

	if !status.Installed {
		fmt.Println("  Installed: no")
		fmt.Println()
		fmt.Println("Install with: sentinel registry install")
		return nil
	}

	fmt.Println("  Installed: yes")
	if status.Running {
		fmt.Println("  Running:   yes")
		fmt.Printf("  PID:       %d\n", status.PID)
		if status.Uptime > 0 {
			fmt.Printf("  Uptime:    %s\n", status.Uptime.Round(time.Second))
		}
	} else {
		fmt.Println("  Running:   no")
	}

	return nil
}

var registryLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent registry service logs",
	RunE:  runRegistryLogs,
}

func runRegistryLogs(cmd *cobra.Command, args []string) error {
	installer := service.NewInstaller()

	if !installer.IsInstalled() {
		return service.ErrNotInstalled{}
	}

	logs, err := installer.Logs(registryLogLines)
	if err != nil {
		return err
	}

	fmt.Print(logs)
	return nil
}
