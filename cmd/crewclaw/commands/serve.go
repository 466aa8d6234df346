package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/database"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/notify"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/scheduler"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/webui"
)

// newServeCmd creates the `crewclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		Long: `Start CrewClaw as a daemon: the web API, the background task runner,
the scheduler and the configured notification channels.

Examples:
  crewclaw serve
  crewclaw serve --config ./config.yaml
  crewclaw serve -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "No configuration file found. Run `crewclaw setup` first.")
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(verbose)

	logger.Info("config loaded", "path", configPath)

	// ── Database ──
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrator.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Agents ──
	// The dev runtime stands in until a real runtime is configured; it
	// exercises the full orchestration path offline.
	factory := agent.NewDevFactory(cfg.Model, logger)
	parent, err := factory.NewAgent(ctx, agent.Spec{TemplateID: "orchestrator", Model: cfg.Model})
	if err != nil {
		return fmt.Errorf("creating parent agent: %w", err)
	}

	// ── Orchestration core ──
	orch, err := orchestrator.New(cfg, parent, factory, db, logger)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}
	orch.Start(ctx)

	// ── Scheduler ──
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		storage := scheduler.NewSQLiteJobStorage(db.DB)
		handler := func(_ context.Context, job *scheduler.Job) (string, error) {
			id, err := orch.Runner.Start(job.TemplateID, job.Prompt, job.Description, orchestrator.StartOptions{
				Priority: orchestrator.TaskPriority(job.Priority),
				Model:    cfg.Model,
			})
			if err != nil {
				return "", err
			}
			return "dispatched task " + id, nil
		}
		sched = scheduler.New(cfg.Scheduler, storage, handler, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler failed to start", "error", err)
			sched = nil
		}
	}

	// ── Web API ──
	var webServer *webui.Server
	if cfg.WebUI.Enabled {
		webServer = webui.New(cfg.WebUI, orch, logger)
		if err := webServer.Start(ctx); err != nil {
			logger.Error("web API failed to start", "error", err)
			webServer = nil
		}
	}

	// ── Notifications ──
	var announcer *notify.Announcer
	if cfg.Notify.Discord.Enabled {
		announcer = notify.NewAnnouncer(cfg.Notify.Discord, cfg.Name, logger)
		events, unsubscribe := orch.Events()
		if err := announcer.Start(ctx, events, unsubscribe); err != nil {
			logger.Error("discord announcer failed to start", "error", err)
			unsubscribe()
			announcer = nil
		}
	}

	logger.Info("crewclaw running, press Ctrl+C to stop",
		"name", cfg.Name,
		"address", cfg.WebUI.Address,
		"max_concurrent", cfg.Runner.MaxConcurrent,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		if sched != nil {
			sched.Stop()
		}
		if announcer != nil {
			announcer.Stop()
		}
		if webServer != nil {
			webServer.Stop()
		}
		orch.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*orchestrator.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := orchestrator.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := orchestrator.FindConfigFile(); found != "" {
		cfg, err := orchestrator.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found")
}

// newLogger builds the daemon logger: human-readable on a terminal, JSON
// otherwise so log shippers get structured lines.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stdout.Fd())) {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
