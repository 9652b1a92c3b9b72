package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/registry"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/tui"
)

var discoverTimeout time.Duration

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 3*time.Second, "how long to browse")
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find registries on the local network",
	Long: `Browse mDNS for registries advertising on the local network.

Registries advertise themselves unless started with --no-mdns. Across
subnets mDNS does not propagate; pass the registry URL explicitly
instead.`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	spinner := tui.NewSpinner("Browsing the local network")
	spinner.Start()

	found, err := registry.BrowseRegistries(context.Background(), discoverTimeout)
	if err != nil {
		spinner.StopWithMessage("Browse failed.")
		return err
	}
	spinner.Stop()

	if len(found) == 0 {
		fmt.Println("No registries found.")
		fmt.Println()
		fmt.Println("Start one with: sentinel registry run")
		fmt.Println("Or join a known one: sentinel node run --registry <url>")
		return nil
	}

	fmt.Printf("Registries Found (%d)\n\n", len(found))

	for _, reg := range found {
		fmt.Printf("  %s\n", reg.Instance)
		fmt.Printf("    URL:     %s\n", reg.URL())
		if reg.Version != "" {
			fmt.Printf("    Version: %s\n", reg.Version)
		}
		fmt.Println()
	}

	fmt.Println("Join one with: sentinel node run --registry <url>")
	return nil
}
