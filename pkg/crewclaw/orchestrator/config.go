// Package orchestrator – config.go defines the configuration surface for the
// CrewClaw service: the task runner knobs plus the nested sections consumed
// by the sandbox, database, web UI, scheduler and notifier.
package orchestrator

import (
	"github.com/jholhewres/crewclaw/pkg/crewclaw/database"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/notify"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/scheduler"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/webui"
)

// RunnerConfig configures the background task runner.
type RunnerConfig struct {
	// MaxConcurrent is the max number of tasks running at the same time.
	MaxConcurrent int `yaml:"max_concurrent"`

	// IdleTimeoutMs fails a running task after this long without any
	// monitored agent activity.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// MaxToolCalls caps tool invocations per task.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxSteps caps agent loop steps per task.
	MaxSteps int `yaml:"max_steps"`

	// AgentKeepAliveMs keeps a completed task's agent warm for follow-up
	// chat. Each successful chat re-entry resets the window.
	AgentKeepAliveMs int `yaml:"agent_keep_alive_ms"`

	// SandboxKeepAliveMs keeps a sandbox with a published preview URL alive
	// after the task completes.
	SandboxKeepAliveMs int `yaml:"sandbox_keep_alive_ms"`

	// InjectResultMaxChars truncates results embedded in injection messages.
	// The full text stays available via the task_status tool.
	InjectResultMaxChars int `yaml:"inject_result_max_chars"`

	// RedoResultMaxChars truncates the previous result embedded in a redo
	// prompt.
	RedoResultMaxChars int `yaml:"redo_result_max_chars"`
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrent:        5,
		IdleTimeoutMs:        120000,
		MaxToolCalls:         200,
		MaxSteps:             50,
		AgentKeepAliveMs:     1800000,
		SandboxKeepAliveMs:   1800000,
		InjectResultMaxChars: 4000,
		RedoResultMaxChars:   2000,
	}
}

// ProgressConfig configures per-task heartbeats.
type ProgressConfig struct {
	// IntervalMs is the heartbeat period while a task is active.
	IntervalMs int `yaml:"interval_ms"`
}

// HistoryConfig configures the conversation transcript.
type HistoryConfig struct {
	// Limit is the number of entries kept in memory.
	Limit int `yaml:"limit"`
}

// Config holds all service configuration.
type Config struct {
	// Name is the service name shown in announcements.
	Name string `yaml:"name"`

	// Model is the default LLM model for sub-agents (empty = agent default).
	Model string `yaml:"model"`

	// Runner configures the background task scheduler.
	Runner RunnerConfig `yaml:"runner"`

	// Progress configures heartbeat emission.
	Progress ProgressConfig `yaml:"progress"`

	// History configures the transcript buffer.
	History HistoryConfig `yaml:"history"`

	// Sandbox configures sub-agent execution environments.
	Sandbox sandbox.Config `yaml:"sandbox"`

	// Database configures SQLite persistence.
	Database database.Config `yaml:"database"`

	// WebUI configures the HTTP API and SSE stream.
	WebUI webui.Config `yaml:"webui"`

	// Scheduler configures cron-style task dispatch.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Notify configures terminal-event announcements.
	Notify notify.Config `yaml:"notify"`
}

// DefaultConfig returns a Config with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "crewclaw",
		Runner:   DefaultRunnerConfig(),
		Progress: ProgressConfig{IntervalMs: 15000},
		History:  HistoryConfig{Limit: 500},
		Sandbox:  sandbox.DefaultConfig(),
		Database: database.DefaultConfig(),
		WebUI:    webui.DefaultConfig(),
		Scheduler: scheduler.Config{
			Enabled:        true,
			TimeoutSeconds: 300,
		},
		Notify: notify.Config{},
	}
}
