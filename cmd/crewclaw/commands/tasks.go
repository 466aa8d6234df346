package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newTasksCmd creates the `crewclaw tasks` command.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List background tasks on the running daemon",
		Long: `Lists the daemon's background tasks with status, priority and resource
usage.

Examples:
  crewclaw tasks
  crewclaw tasks --json`,
		RunE: runTasks,
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("json", false, "print the raw JSON response")
	return cmd
}

func runTasks(cmd *cobra.Command, _ []string) error {
	client := newAPIClient(cmd)
	ctx, cancel := shortTimeout()
	defer cancel()

	body, err := client.get(ctx, "/api/bg-tasks")
	if err != nil {
		return err
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		printJSON(body)
		return nil
	}

	var entries []struct {
		Task struct {
			ID          string `json:"id"`
			TemplateID  string `json:"template_id"`
			Description string `json:"description"`
			Status      string `json:"status"`
			Priority    string `json:"priority"`
			SandboxURL  string `json:"sandbox_url"`
			Usage       struct {
				ToolCalls int `json:"tool_calls"`
				Steps     int `json:"steps"`
			} `json:"resource_usage"`
		} `json:"task"`
		ElapsedMs int64 `json:"elapsed_ms"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		printJSON(body)
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No background tasks.")
		return nil
	}

	for _, e := range entries {
		t := e.Task
		fmt.Printf("%-10s %-10s %-8s %5.1fs  tools=%d steps=%d  %s\n",
			t.ID, t.Status, t.Priority,
			float64(e.ElapsedMs)/1000,
			t.Usage.ToolCalls, t.Usage.Steps,
			t.Description,
		)
		if t.SandboxURL != "" {
			fmt.Printf("           preview: %s\n", t.SandboxURL)
		}
	}
	return nil
}
