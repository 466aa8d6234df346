// Package orchestrator implements the CrewClaw coordination core: the
// background task runner, the injection queue that feeds sub-task results
// back into the parent conversation, the chat lock serializing streaming
// turns, the SSE event bus, approvals, progress heartbeats and the slash
// command surface.
//
// Wiring (construction breaks the Agent ⇄ Runner ⇄ Queue cycle):
//
//	parent Agent ──▶ InjectionQueue.SetParentAgent
//	InjectionQueue ──▶ TaskRunner.SetInjectionQueue
//	PermissionBridge ──▶ TaskRunner.SetPermissionHandler
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/database"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// Orchestrator owns the coordination fabric around one parent agent.
type Orchestrator struct {
	Runner     *TaskRunner
	Queue      *InjectionQueue
	Lock       *ChatLock
	Bus        *EventBus
	Approvals  *ApprovalManager
	Progress   *ProgressTracker
	Registry   *sandbox.Registry
	Sandboxes  *sandbox.Factory
	Transcript *History
	Store      *TaskStore

	cfg    *Config
	parent agent.Agent
	bridge *PermissionBridge
	logger *slog.Logger

	monitorStop func()
}

// New wires the full orchestration core. The parent agent handles user turns
// and receives result injections; subAgents builds one sub-agent per task.
// db is optional: without it, task history and the transcript are process
// lifetime only.
func New(cfg *Config, parent agent.Agent, subAgents agent.Factory, db *database.SQLite, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if parent == nil {
		return nil, fmt.Errorf("orchestrator requires a parent agent")
	}
	if subAgents == nil {
		return nil, fmt.Errorf("orchestrator requires a sub-agent factory")
	}

	bus := NewEventBus(logger)
	lock := NewChatLock()
	approvals := NewApprovalManager(logger)
	registry := sandbox.NewRegistry()
	sandboxes := sandbox.NewFactory(cfg.Sandbox, logger)

	policy, err := sandbox.NewCommandPolicy(cfg.Sandbox.Policy)
	if err != nil {
		return nil, fmt.Errorf("safe command policy: %w", err)
	}

	progress := NewProgressTracker(
		time.Duration(cfg.Progress.IntervalMs)*time.Millisecond,
		func(rec ProgressRecord) { bus.Publish(Event{Type: EventProgress, Data: rec}) },
		logger,
	)

	var store *TaskStore
	var transcript *History
	if db != nil {
		store = NewTaskStore(db.DB, logger)
		transcript = NewHistory(cfg.History.Limit, db.DB, logger)
	} else {
		transcript = NewHistory(cfg.History.Limit, nil, logger)
	}

	o := &Orchestrator{
		Lock:       lock,
		Bus:        bus,
		Approvals:  approvals,
		Progress:   progress,
		Registry:   registry,
		Sandboxes:  sandboxes,
		Transcript: transcript,
		Store:      store,
		cfg:        cfg,
		parent:     parent,
		logger:     logger.With("component", "orchestrator"),
	}

	o.Runner = NewTaskRunner(cfg.Runner, RunnerDeps{
		Agents:        subAgents,
		Sandboxes:     sandboxes,
		Registry:      registry,
		Bus:           bus,
		Progress:      progress,
		Store:         store,
		SubAgentTools: o.SubAgentTools,
		Logger:        logger,
	})

	// Break the construction cycle: the queue gets the parent agent, the
	// runner gets the queue.
	o.Queue = NewInjectionQueue(lock, bus, logger)
	o.Queue.SetParentAgent(parent)
	o.Queue.SetAssistantTextHandler(func(taskID, text string) {
		transcript.Add(RoleAssistant, text, taskID)
	})
	o.Runner.SetInjectionQueue(o.Queue)

	o.bridge = NewPermissionBridge(approvals, policy, registry, sandboxes, bus, logger)
	o.Runner.SetPermissionHandler(o.bridge.Handle)

	if store != nil {
		store.CleanupStaleRunning()
		store.Prune(cfg.Database.RetentionDays)
		if recovered, err := store.LoadRecent(cfg.Database.RetentionDays); err == nil {
			o.Runner.Restore(recovered)
		} else {
			logger.Warn("could not restore task history", "error", err)
		}
		transcript.LoadFromDB()
	}

	return o, nil
}

// Start mounts the dispatch tools onto the parent agent and subscribes its
// monitor so its own tool permissions route through the bridge as well.
func (o *Orchestrator) Start(ctx context.Context) {
	if m, ok := o.parent.(agent.ToolMounter); ok {
		m.MountTools(o.Tools())
	}
	events, stop := o.parent.Monitor()
	o.monitorStop = stop
	go func() {
		for ev := range events {
			if ev.Type == agent.MonitorPermissionRequired {
				o.bridge.Handle("orchestrator", ev)
			}
		}
	}()
	o.logger.Info("orchestrator started",
		"max_concurrent", o.cfg.Runner.MaxConcurrent,
		"sandbox_kind", o.cfg.Sandbox.Kind,
	)
	_ = ctx
}

// Close tears the core down: in-flight sub-agents are interrupted and
// keep-alive resources released.
func (o *Orchestrator) Close() {
	if o.monitorStop != nil {
		o.monitorStop()
	}
	o.Runner.Close()
	o.logger.Info("orchestrator stopped")
}

// UserTurn runs one user-initiated streaming turn against the parent agent
// under the chat lock, so it serializes FIFO-fairly with result injections.
// Every stream event is forwarded to emit and mirrored onto the bus.
func (o *Orchestrator) UserTurn(ctx context.Context, text string, emit func(eventType string, data any)) error {
	if emit == nil {
		emit = func(string, any) {}
	}

	if err := o.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer o.Lock.Release()

	o.Transcript.Add(RoleUser, text, "")

	stream, err := o.parent.ChatStream(ctx, text)
	if err != nil {
		emit(EventError, map[string]any{"error": err.Error()})
		return err
	}

	var reply string
	for ev := range stream {
		switch ev.Type {
		case agent.EventTextChunk:
			reply += ev.Delta
			o.publishBoth(emit, EventText, map[string]any{"delta": ev.Delta})
		case agent.EventThinkChunk:
			o.publishBoth(emit, EventThinking, map[string]any{"delta": ev.Delta})
		case agent.EventToolStart:
			o.publishBoth(emit, EventToolStart, ev.Call)
		case agent.EventToolEnd:
			o.publishBoth(emit, EventToolEnd, ev.Call)
		case agent.EventToolError:
			o.publishBoth(emit, EventToolError, map[string]any{"call": ev.Call, "error": ev.Err})
		case agent.EventDone:
			o.publishBoth(emit, EventDone, map[string]any{"reason": ev.Reason})
		}
	}

	if reply != "" {
		o.Transcript.Add(RoleAssistant, reply, "")
	}
	return nil
}

func (o *Orchestrator) publishBoth(emit func(string, any), eventType string, data any) {
	emit(eventType, data)
	o.Bus.Publish(Event{Type: eventType, Data: data})
}

// Events subscribes to the SSE firehose.
func (o *Orchestrator) Events() (<-chan []byte, func()) {
	return o.Bus.Subscribe()
}

// Status returns the snapshot served by /api/status.
func (o *Orchestrator) Status() any {
	return map[string]any{
		"name":           o.cfg.Name,
		"active_tasks":   o.Runner.Active(),
		"queued_tasks":   o.Runner.Queued(),
		"max_concurrent": o.cfg.Runner.MaxConcurrent,
		"progress":       o.Progress.Records(),
		"approvals":      o.Approvals.Pending(),
	}
}

// Tasks returns the full task listing with usage, alive flags and elapsed
// time, served by /api/bg-tasks.
func (o *Orchestrator) Tasks() any {
	tasks := o.Runner.All()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		elapsed := time.Duration(0)
		if !t.StartTime.IsZero() {
			end := t.CompletedAt
			if end.IsZero() {
				end = time.Now()
			}
			elapsed = end.Sub(t.StartTime)
		}
		out = append(out, map[string]any{
			"task":       t,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	return out
}

// HistoryEntries returns the last n transcript entries.
func (o *Orchestrator) HistoryEntries(n int) any {
	return o.Transcript.Recent(n)
}

// Approve resolves a pending tool approval. Returns false for unknown ids.
func (o *Orchestrator) Approve(permissionID, decision, note string) bool {
	return o.Approvals.Decide(permissionID, decision, note)
}

// DisposeSandbox releases a task's sandbox, e.g. from /api/sandbox/dispose.
func (o *Orchestrator) DisposeSandbox(taskID string) bool {
	return o.Runner.DisposeSandbox(taskID)
}
