package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/database"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/scheduler"
)

// newScheduleCmd creates the `crewclaw schedule` command for managing
// scheduled jobs. Jobs are stored in the daemon's database; the daemon loads
// them on startup.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled jobs",
		Long: `Manages scheduled task dispatch. Schedules can be cron expressions,
@every intervals, or natural language ("every 30 minutes", "daily at 9am").

Examples:
  crewclaw schedule list
  crewclaw schedule add "daily at 9am" "Summarize open work and flag blockers"
  crewclaw schedule add "@every 1h" "Check CI status" --template reviewer --priority low
  crewclaw schedule remove a1b2c3d4`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
	)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			jobs, err := storage.LoadAll()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}

			sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				lastRun := "never"
				if j.LastRunAt != nil {
					lastRun = j.LastRunAt.Local().Format(time.RFC3339)
				}
				fmt.Printf("%-10s %-8s %-20s runs=%d last=%s\n", j.ID, state, j.Schedule, j.RunCount, lastRun)
				fmt.Printf("           [%s/%s] %s\n", j.TemplateID, j.Priority, firstNonEmpty(j.Description, j.Prompt))
				if j.LastError != "" {
					fmt.Printf("           last error: %s\n", j.LastError)
				}
			}
			return nil
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <prompt>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			job := &scheduler.Job{
				ID:        uuid.New().String()[:8],
				Schedule:  args[0],
				Type:      "cron",
				Prompt:    args[1],
				Enabled:   true,
				CreatedBy: "cli",
				CreatedAt: time.Now(),
			}
			job.TemplateID, _ = cmd.Flags().GetString("template")
			job.Description, _ = cmd.Flags().GetString("description")
			job.Priority, _ = cmd.Flags().GetString("priority")
			job.TimeoutSeconds, _ = cmd.Flags().GetInt("timeout")

			if parsed, ok := scheduler.ParseNaturalLanguage(job.Schedule); ok {
				job.Schedule = parsed.Schedule
				job.Type = parsed.Type
			}

			if err := storage.Save(job); err != nil {
				return err
			}
			fmt.Printf("Job %s scheduled: %q (%s). The daemon picks it up on its next start.\n",
				job.ID, job.Schedule, job.Type)
			return nil
		},
	}

	cmd.Flags().String("template", "executor", "sub-agent role to dispatch as")
	cmd.Flags().String("description", "", "human label carried onto dispatched tasks")
	cmd.Flags().String("priority", "normal", "dispatch priority (high, normal, low)")
	cmd.Flags().Int("timeout", 0, "per-job timeout in seconds (0 = scheduler default)")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, closeDB, err := openJobStorage(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := storage.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %s removed.\n", args[0])
			return nil
		},
	}
}

// openJobStorage opens the daemon's database from the resolved config.
func openJobStorage(cmd *cobra.Command) (*scheduler.SQLiteJobStorage, func(), error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("no configuration found (run `crewclaw setup`): %w", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrator.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}

	return scheduler.NewSQLiteJobStorage(db.DB), func() { db.Close() }, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
