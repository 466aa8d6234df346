// Package commands implements the CrewClaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crewclaw",
		Short: "CrewClaw - multi-agent task orchestration daemon",
		Long: `CrewClaw runs a parent agent that dispatches background sub-agents,
tracks their progress and injects their results back into the conversation.

Examples:
  crewclaw setup
  crewclaw serve
  crewclaw chat "summarize the open tasks"
  crewclaw tasks
  crewclaw schedule list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newTasksCmd(),
		newScheduleCmd(),
		newConfigCmd(),
		newHealthCmd(),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
