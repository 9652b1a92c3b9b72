package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/agent"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/config"
)

var (
	nodeID          string
	nodeListenPort  int
	nodeRegistryURL string

	peersRefresh bool
	peersJSON    bool

	sendTo   string
	sendType string

	historyLimit int

	nodeLogsLevel string
	nodeLogsLimit int
)

func init() {
	rootCmd.AddCommand(nodeCmd)

	nodeCmd.AddCommand(nodeRunCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
	nodeCmd.AddCommand(nodePeersCmd)
	nodeCmd.AddCommand(nodeSendCmd)
	nodeCmd.AddCommand(nodeHistoryCmd)
	nodeCmd.AddCommand(nodeLogsCmd)
	nodeCmd.AddCommand(nodeStopCmd)
	nodeCmd.AddCommand(nodeWatchCmd)

	nodeRunCmd.Flags().StringVar(&nodeID, "id", "", "node ID (default from config)")
	nodeRunCmd.Flags().IntVar(&nodeListenPort, "port", 0, "peer listen port (default from config)")
	nodeRunCmd.Flags().StringVar(&nodeRegistryURL, "registry", "", "registry URL (default from config)")

	nodePeersCmd.Flags().BoolVar(&peersRefresh, "refresh", false, "force a discovery round first")
	nodePeersCmd.Flags().BoolVar(&peersJSON, "json", false, "output as JSON")

	nodeSendCmd.Flags().StringVar(&sendTo, "to", "", "destination node ID")
	nodeSendCmd.Flags().StringVar(&sendType, "type", "text", "message type (text, ping, data)")
	nodeSendCmd.MarkFlagRequired("to")

	nodeHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of messages to show")

	nodeLogsCmd.Flags().StringVar(&nodeLogsLevel, "level", "", "minimum level (debug, info, warn, error)")
	nodeLogsCmd.Flags().IntVar(&nodeLogsLimit, "limit", 50, "number of entries to show")
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node agent commands",
	Long: `Run and control the node agent.

The agent registers with a registry, heartbeats to stay listed,
discovers peers, listens for their messages, and exposes a local
control socket for the commands below.`,
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node agent in the foreground",
	RunE:  runNodeRun,
}

func runNodeRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if client.IsAgentRunning() {
		return fmt.Errorf("agent is already running")
	}

	id := cfg.Node.ID
	if cmd.Flags().Changed("id") {
		id = nodeID
	}
	if id == "" {
		id = config.DefaultNodeID()
	}

	port := cfg.Node.ListenPort
	if cmd.Flags().Changed("port") {
		port = nodeListenPort
	}

	registryURL := cfg.Node.RegistryURL
	if cmd.Flags().Changed("registry") {
		registryURL = nodeRegistryURL
	}

	limits := agent.DefaultConnectionLimiterConfig()
	if cfg.Node.Limits.MaxConnections > 0 {
		limits.MaxConnections = int32(cfg.Node.Limits.MaxConnections)
	}
	if cfg.Node.Limits.MaxPerIP > 0 {
		limits.MaxConnectionsPerIP = int32(cfg.Node.Limits.MaxPerIP)
	}
	if cfg.Node.Limits.PerIPPerSec > 0 {
		limits.IPConnectionsPerSec = cfg.Node.Limits.PerIPPerSec
	}

	a, err := agent.New(agent.Options{
		NodeID:            id,
		ListenHost:        cfg.Node.ListenHost,
		ListenPort:        port,
		RegistryURL:       registryURL,
		HeartbeatInterval: cfg.Node.HeartbeatInterval(),
		DiscoveryInterval: cfg.Node.DiscoveryInterval(),
		SocketPath:        paths.SocketPath,
		PIDFile:           paths.PIDFile,
		NotifyEnabled:     cfg.Notifications.Enabled,
		Limits:            limits,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	fmt.Printf("Starting node %s (registry %s)...\n", id, registryURL)
	return a.Run()
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	RunE:  runNodeStatus,
}

func runNodeStatus(cmd *cobra.Command, args []string) error {
	c, err := client.ConnectAgent()
	if err != nil {
		fmt.Println("Agent is not running.")
		return nil
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	fmt.Println("Node Agent Status")
	fmt.Println()
	fmt.Printf("  Running:        yes\n")
	fmt.Printf("  PID:            %d\n", status.PID)
	fmt.Printf("  Node ID:        %s\n", status.NodeID)
	fmt.Printf("  Uptime:         %s\n", status.Uptime)
	fmt.Printf("  Listen Addr:    %s\n", status.ListenAddr)
	fmt.Printf("  Registry:       %s\n", status.RegistryURL)
	fmt.Printf("  Peers:          %d known\n", status.PeerCount)
	fmt.Printf("  Messages:       %d recorded\n", status.MessageCount)

	if !status.LastHeartbeat.IsZero() {
		fmt.Printf("  Last Heartbeat: %s ago\n", time.Since(status.LastHeartbeat).Round(time.Second))
	}
	if status.LastError != "" {
		fmt.Printf("  Last Error:     %s\n", status.LastError)
	}

	return nil
}

var nodePeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	Long: `List the peers the agent currently knows about.

The view refreshes on the discovery interval; --refresh forces a
round against the registry first.`,
	RunE: runNodePeers,
}

func runNodePeers(cmd *cobra.Command, args []string) error {
	if err := client.RequireAgent(); err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}

	c, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}
	defer c.Close()

	var peers []client.Peer
	if peersRefresh {
		peers, err = c.RefreshPeers()
	} else {
		peers, err = c.Peers()
	}
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	if peersJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(peers)
	}

	if len(peers) == 0 {
		fmt.Println("No peers known.")
		fmt.Println()
		fmt.Println("Peers appear once other nodes register with the same registry.")
		return nil
	}

	fmt.Printf("Known Peers (%d)\n\n", len(peers))

	for _, p := range peers {
		fmt.Printf("  %s\n", p.NodeID)
		fmt.Printf("    Address:   %s:%d\n", p.IPAddress, p.Port)
		fmt.Printf("    Last Seen: %s ago\n", time.Since(p.LastSeen).Round(time.Second))
		fmt.Println()
	}

	return nil
}

var nodeSendCmd = &cobra.Command{
	Use:   "send --to <node-id> [--type text] <text>",
	Short: "Send a message to a peer",
	Long: `Send a message to a peer through the running agent.

The agent looks the peer up in its discovery view, dials it directly,
and waits for the acknowledgment.

Example:
  sentinel node send --to phone-ab12 hello there
  sentinel node send --to laptop-9c41 --type ping`,
	Args: cobra.ArbitraryArgs,
	RunE: runNodeSend,
}

func runNodeSend(cmd *cobra.Command, args []string) error {
	if err := client.RequireAgent(); err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}

	c, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}
	defer c.Close()

	payload := strings.Join(args, " ")

	ack, err := c.SendMessage(sendTo, sendType, payload)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	fmt.Printf("Delivered to %s (ack %q at %s)\n",
		sendTo, ack.Status, ack.Timestamp.Local().Format("15:04:05"))
	return nil
}

var nodeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent messages",
	RunE:  runNodeHistory,
}

func runNodeHistory(cmd *cobra.Command, args []string) error {
	if err := client.RequireAgent(); err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}

	c, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}
	defer c.Close()

	messages, err := c.History(historyLimit)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}

	fmt.Printf("%-10s %-9s %-20s %-6s %s\n", "TIME", "DIRECTION", "PEER", "TYPE", "PAYLOAD")
	fmt.Println(strings.Repeat("-", 78))

	for _, m := range messages {
		payload := m.Payload
		if len(payload) > 32 {
			payload = payload[:29] + "..."
		}
		fmt.Printf("%-10s %-9s %-20s %-6s %s\n",
			m.Timestamp.Local().Format("15:04:05"), m.Direction, m.Peer, m.Type, payload)
	}

	return nil
}

var nodeLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent agent log entries",
	RunE:  runNodeLogs,
}

func runNodeLogs(cmd *cobra.Command, args []string) error {
	if err := client.RequireAgent(); err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}

	c, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}
	defer c.Close()

	records, err := c.Logs(nodeLogsLevel, nodeLogsLimit)
	if err != nil {
		return fmt.Errorf("get logs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No log entries.")
		return nil
	}

	for _, rec := range records {
		printLogRecord(rec)
	}

	return nil
}

func printLogRecord(rec client.LogRecord) {
	levelColor := ""
	switch strings.ToUpper(rec.Level) {
	case "DEBUG":
		levelColor = "\033[90m" // gray
	case "INFO":
		levelColor = "\033[34m" // blue
	case "WARN":
		levelColor = "\033[33m" // yellow
	case "ERROR":
		levelColor = "\033[31m" // red
	}
	resetColor := "\033[0m"

	var fields strings.Builder
	for k, v := range rec.Fields {
		fmt.Fprintf(&fields, " %s=%v", k, v)
	}

	fmt.Printf("%s  %s%-5s%s  %s%s\n",
		rec.Timestamp.Local().Format("15:04:05"),
		levelColor, strings.ToUpper(rec.Level), resetColor,
		rec.Message, fields.String())
}

var nodeStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agent",
	RunE:  runNodeStop,
}

func runNodeStop(cmd *cobra.Command, args []string) error {
	c, err := client.ConnectAgent()
	if err != nil {
		fmt.Println("Agent is not running.")
		return nil
	}
	defer c.Close()

	if err := c.StopAgent(); err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}

	// The agent unregisters and tears down after acknowledging
	for i := 0; i < 30; i++ {
		if !client.IsAgentRunning() {
			fmt.Println("Agent stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Agent is still shutting down. Check 'sentinel node status'.")
	return nil
}

var nodeWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream agent events",
	Long: `Stream live agent events: received messages, peers joining,
peers leaving. Ctrl+C to stop.`,
	RunE: runNodeWatch,
}

func runNodeWatch(cmd *cobra.Command, args []string) error {
	c, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}
	defer c.Close()

	if err := c.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Println("Watching events (Ctrl+C to stop)...")

	// Close the connection on interrupt so the read below unblocks
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		c.Close()
	}()

	for {
		ev, err := c.ReadEvent()
		if err != nil {
			return nil
		}
		printEvent(ev)
	}
}

func printEvent(ev *client.Event) {
	timeStr := time.Now().Format("15:04:05")

	switch ev.Event {
	case "message.received":
		var msg struct {
			From    string `json:"from"`
			Type    string `json:"type"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(ev.Payload, &msg); err == nil {
			fmt.Printf("%s  message   from=%s type=%s %s\n", timeStr, msg.From, msg.Type, msg.Payload)
			return
		}
	case "peer.joined":
		var p struct {
			Peer string `json:"peer"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			fmt.Printf("%s  joined    %s\n", timeStr, p.Peer)
			return
		}
	case "peer.left":
		var p struct {
			Peer string `json:"peer"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			fmt.Printf("%s  left      %s\n", timeStr, p.Peer)
			return
		}
	}

	fmt.Printf("%s  %s  %s\n", timeStr, ev.Event, string(ev.Payload))
}
