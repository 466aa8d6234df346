package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newConfigCmd creates the `crewclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the daemon configuration",
		Long: `Inspect and initialize the CrewClaw configuration.

Examples:
  crewclaw config init
  crewclaw config show`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		Long:  "Writes a config.yaml with every section at its defaults. Use `crewclaw setup` for the guided version.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (remove it or pass --config for a different path)", path)
			}
			if err := orchestrator.SaveConfigToFile(orchestrator.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Default config written to %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return fmt.Errorf("no configuration found (run `crewclaw setup`): %w", err)
			}

			// Never print resolved secrets.
			if cfg.WebUI.AuthToken != "" {
				cfg.WebUI.AuthToken = "(set)"
			}
			if cfg.Notify.Discord.Token != "" {
				cfg.Notify.Discord.Token = "(set)"
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", path, data)
			return nil
		},
	}
}
