package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/config"
	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/tui"
)

var (
	initForce bool
	initYes   bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config without asking")
	initCmd.Flags().BoolVarP(&initYes, "yes", "y", false, "accept all defaults without prompting")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the config file",
	Long: `Create the sentinel config directory and write a config file.

Prompts for the node identity and registry URL; --yes accepts the
defaults. An existing config is kept unless you confirm the overwrite
or pass --force.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if paths.ConfigExists() && !initForce {
		overwrite, err := tui.Confirm(fmt.Sprintf("Config %s exists. Overwrite?", paths.ConfigFile), false)
		if err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	cfg := config.Default()

	if !initYes && tui.IsTerminal() {
		id, err := tui.ReadLineDefault("Node ID", cfg.Node.ID)
		if err != nil {
			return err
		}
		cfg.Node.ID = id

		registryURL, err := tui.ReadLineDefault("Registry URL", cfg.Node.RegistryURL)
		if err != nil {
			return err
		}
		cfg.Node.RegistryURL = registryURL

		notify, err := tui.Confirm("Enable desktop notifications?", false)
		if err != nil {
			return err
		}
		cfg.Notifications.Enabled = notify
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.SaveTo(paths.ConfigFile); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", paths.ConfigFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  sentinel registry run    # on one machine")
	fmt.Println("  sentinel node run        # on every participant")
	return nil
}
