package commands

import (
	"github.com/spf13/cobra"
)

// newHealthCmd creates the `crewclaw health` command. Used by Docker
// HEALTHCHECK and monitoring; exits non-zero when the daemon is unreachable.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the daemon's health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(cmd)
			ctx, cancel := shortTimeout()
			defer cancel()

			body, err := client.get(ctx, "/api/health")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
