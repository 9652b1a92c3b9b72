package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
)

var (
	nodesRegistryURL string
	nodesJSON        bool
)

func init() {
	rootCmd.AddCommand(nodesCmd)

	nodesCmd.Flags().StringVar(&nodesRegistryURL, "registry", "", "registry URL (default from config)")
	nodesCmd.Flags().BoolVar(&nodesJSON, "json", false, "output as JSON")
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List every node a registry knows about",
	Long: `List every active node registered at a registry.

This asks the registry directly and works without a running agent.`,
	RunE: runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	url, err := resolveRegistryURL(nodesRegistryURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()

	nodes, err := client.NewRegistry(url).Nodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	if nodesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(nodes)
	}

	if len(nodes) == 0 {
		fmt.Printf("No nodes registered at %s.\n", url)
		return nil
	}

	fmt.Printf("Registered Nodes (%d) at %s\n\n", len(nodes), url)
	fmt.Printf("%-20s %-22s %-14s %s\n", "NODE ID", "ADDRESS", "LAST SEEN", "UPTIME")
	fmt.Println(strings.Repeat("-", 72))

	for _, n := range nodes {
		lastSeen := fmt.Sprintf("%s ago", time.Since(n.LastSeen).Round(time.Second))
		uptime := (time.Duration(n.UptimeSeconds) * time.Second).String()
		fmt.Printf("%-20s %-22s %-14s %s\n", n.NodeID, n.Addr(), lastSeen, uptime)
	}

	return nil
}

// resolveRegistryURL picks the explicit flag value or falls back to the
// configured registry
func resolveRegistryURL(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Node.RegistryURL, nil
}
