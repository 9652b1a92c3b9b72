package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
)

var healthRegistryURL string

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringVar(&healthRegistryURL, "registry", "", "registry URL (default from config)")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a registry's health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	url, err := resolveRegistryURL(healthRegistryURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()

	health, err := client.NewRegistry(url).Health(ctx)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}

	fmt.Printf("Registry %s\n\n", url)
	fmt.Printf("  Status:       %s\n", health.Status)
	fmt.Printf("  Active Nodes: %d\n", health.ActiveNodes)
	fmt.Printf("  Server Time:  %s\n", health.Timestamp.Local().Format(time.RFC3339))

	if health.Status != "healthy" {
		return fmt.Errorf("registry reports status %q", health.Status)
	}
	return nil
}
