// Package orchestrator – runner.go implements the background task runner:
// a priority queue plus concurrency limiter that owns the full lifecycle of
// sub-tasks (queued → running → completed/failed/cancelled).
//
// Architecture:
//
//	Parent Agent ──dispatch_task──▶ TaskRunner ──goroutine──▶ Sub-agent run
//	                                   │                          │
//	                                   ▼                          ▼
//	                             pending queue          (own sandbox, monitor
//	                             + tasks map             watchdogs, pause-loop)
//
// Tasks:
//   - Are dispatched strictly by priority (high, normal, low), FIFO within
//     a priority, at most MaxConcurrent running at once.
//   - Carry tool-call, step and idle-timeout budgets enforced by monitor
//     watchdogs attached to the sub-agent.
//   - Announce every terminal transition through the injection queue,
//     exactly once.
//   - Keep their sub-agent warm after a successful completion so the parent
//     can chat with it, and keep their sandbox warm when the final text
//     published a preview URL.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// StartOptions tunes a single task dispatch. Zero values fall back to the
// runner defaults.
type StartOptions struct {
	Priority    TaskPriority
	Skills      []string
	Model       string
	Limits      ResourceLimits
	SandboxKind string

	// Lineage, set by Retry/Redo.
	RetryCount   int
	RedoHistory  []string
	OriginTaskID string
}

// RunnerDeps are the collaborators a TaskRunner is wired with. Bus, Progress
// and Store are optional; the injection queue is attached afterwards via
// SetInjectionQueue to break the construction cycle with the parent agent.
type RunnerDeps struct {
	Agents        agent.Factory
	Sandboxes     *sandbox.Factory
	Registry      *sandbox.Registry
	Bus           *EventBus
	Progress      *ProgressTracker
	Store         *TaskStore
	SubAgentTools func(taskID string) []agent.ToolDefinition
	Logger        *slog.Logger
}

// TaskRunner schedules and supervises background sub-tasks.
type TaskRunner struct {
	cfg  RunnerConfig
	deps RunnerDeps

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// onPermission routes permission_required monitor events; wired to the
	// permission bridge. Must never block.
	onPermission func(taskID string, ev agent.MonitorEvent)

	// injections receives one item per terminal transition and per chat
	// re-entry.
	injections *InjectionQueue

	mu      sync.Mutex
	tasks   map[string]*Task
	pending []*Task
}

// NewTaskRunner creates a runner. Call Close on shutdown.
func NewTaskRunner(cfg RunnerConfig, deps RunnerDeps) *TaskRunner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultRunnerConfig().MaxConcurrent
	}
	if cfg.IdleTimeoutMs <= 0 {
		cfg.IdleTimeoutMs = DefaultRunnerConfig().IdleTimeoutMs
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultRunnerConfig().MaxToolCalls
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultRunnerConfig().MaxSteps
	}
	if cfg.AgentKeepAliveMs <= 0 {
		cfg.AgentKeepAliveMs = DefaultRunnerConfig().AgentKeepAliveMs
	}
	if cfg.SandboxKeepAliveMs <= 0 {
		cfg.SandboxKeepAliveMs = DefaultRunnerConfig().SandboxKeepAliveMs
	}
	if cfg.InjectResultMaxChars <= 0 {
		cfg.InjectResultMaxChars = DefaultRunnerConfig().InjectResultMaxChars
	}
	if cfg.RedoResultMaxChars <= 0 {
		cfg.RedoResultMaxChars = DefaultRunnerConfig().RedoResultMaxChars
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRunner{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "task-runner"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
}

// SetInjectionQueue attaches the result injector. Called once during wiring,
// after the queue has received the parent agent.
func (r *TaskRunner) SetInjectionQueue(q *InjectionQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injections = q
}

// SetPermissionHandler routes permission_required monitor events from
// sub-agents. The handler must not block.
func (r *TaskRunner) SetPermissionHandler(fn func(taskID string, ev agent.MonitorEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPermission = fn
}

// Close cancels in-flight sub-agent turns and releases keep-alive resources.
func (r *TaskRunner) Close() {
	r.cancel()

	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.DisposeAgent(id)
		r.DisposeSandbox(id)
	}
}

// ─── Dispatch ───

// Start registers a new queued task and returns its id immediately. The task
// begins running when capacity allows; Start never blocks on capacity.
func (r *TaskRunner) Start(templateID, prompt, description string, opts StartOptions) (string, error) {
	if templateID == "" {
		return "", &ValidationError{Field: "template_id", Reason: "required"}
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &ValidationError{Field: "prompt", Reason: "required"}
	}
	priority, err := ParsePriority(string(opts.Priority))
	if err != nil {
		return "", err
	}
	if description == "" {
		description = truncateForLog(prompt, 60)
	}

	t := &Task{
		ID:           uuid.New().String()[:8],
		TemplateID:   templateID,
		Description:  description,
		Status:       StatusQueued,
		Priority:     priority,
		Prompt:       prompt,
		Skills:       append([]string(nil), opts.Skills...),
		Model:        opts.Model,
		SandboxKind:  opts.SandboxKind,
		RetryCount:   opts.RetryCount,
		RedoHistory:  append([]string(nil), opts.RedoHistory...),
		OriginTaskID: opts.OriginTaskID,
		Limits:       opts.Limits,
		CreatedAt:    time.Now(),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.pending = append(r.pending, t)
	// Stable sort keeps enqueue order within a priority.
	sort.SliceStable(r.pending, func(i, j int) bool {
		return r.pending[i].Priority.rank() < r.pending[j].Priority.rank()
	})
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Info("task queued",
		"task_id", t.ID,
		"template", templateID,
		"priority", priority,
		"description", truncateForLog(description, 80),
	)
	r.persist(snap)
	r.emitUpdate(snap)
	r.drain()
	return t.ID, nil
}

// drain promotes queued tasks to running while capacity allows.
func (r *TaskRunner) drain() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 || r.runningCountLocked() >= r.cfg.MaxConcurrent {
			r.mu.Unlock()
			return
		}
		t := r.pending[0]
		r.pending = r.pending[1:]
		t.Status = StatusRunning
		t.StartTime = time.Now()
		t.LastActivity = t.StartTime
		snap := t.snapshot()
		r.mu.Unlock()

		r.logger.Info("task started", "task_id", t.ID, "template", t.TemplateID)
		r.persist(snap)
		r.emitUpdate(snap)
		if r.deps.Progress != nil {
			r.deps.Progress.Start(t.ID, "running")
		}
		go r.run(t)
	}
}

func (r *TaskRunner) runningCountLocked() int {
	n := 0
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// ─── Execution ───

// run drives one task from its first sub-agent turn to a terminal status.
func (r *TaskRunner) run(t *Task) {
	defer r.finish(t)

	sb, err := r.createSandbox(t)
	if err != nil {
		r.failTask(t, fmt.Sprintf("sandbox: %v", err))
		return
	}
	if sb != nil {
		r.mu.Lock()
		t.sb = sb
		t.SandboxKind = sb.Kind()
		r.mu.Unlock()
		r.deps.Registry.Install(t.ID, sb)
	}

	spec := agent.Spec{
		TaskID:     t.ID,
		TemplateID: t.TemplateID,
		Skills:     t.Skills,
		Model:      t.Model,
	}
	if r.deps.SubAgentTools != nil {
		spec.Tools = r.deps.SubAgentTools(t.ID)
	}
	ag, err := r.deps.Agents.NewAgent(r.ctx, spec)
	if err != nil {
		r.failTask(t, fmt.Sprintf("create agent: %v", err))
		return
	}

	events, stop := ag.Monitor()
	r.mu.Lock()
	t.agent = ag
	t.monitorStop = stop
	t.idleTimer = time.AfterFunc(r.idleTimeout(t), func() { r.idleExpired(t) })
	r.mu.Unlock()

	go r.watch(t, events)

	r.pauseLoop(t, ag)
}

// pauseLoop runs the sub-agent as a pause-resume cycle. A paused completion
// either refuels from a stashed SendMessage instruction or ends the task;
// the loop checks the task status at the top of every iteration so watchdog
// failures and cancellations are observed at most one turn late.
func (r *TaskRunner) pauseLoop(t *Task, ag agent.Agent) {
	input := taskContextHeader(t)
	for {
		res, err := ag.Complete(r.ctx, input)
		if err != nil {
			r.failTask(t, err.Error())
			return
		}

		r.mu.Lock()
		if res.Status == agent.CompletionOK {
			if !t.Status.Terminal() {
				t.Status = StatusCompleted
				t.Result = res.Text
			}
			r.mu.Unlock()
			return
		}
		if t.Status.Terminal() {
			// A watchdog or cancel already decided the outcome.
			r.mu.Unlock()
			return
		}
		if t.pendingInput != "" {
			input = t.pendingInput
			t.pendingInput = ""
			r.mu.Unlock()
			continue
		}
		// Paused with nothing to resume on.
		t.Status = StatusFailed
		t.Error = "agent paused without a pending instruction"
		r.mu.Unlock()
		return
	}
}

// watch consumes the sub-agent's monitor stream until it is unsubscribed.
func (r *TaskRunner) watch(t *Task, events <-chan agent.MonitorEvent) {
	for ev := range events {
		r.handleMonitorEvent(t, ev)
	}
}

// handleMonitorEvent applies one telemetry event: every event counts as
// activity; tool and step events additionally enforce the task budgets.
func (r *TaskRunner) handleMonitorEvent(t *Task, ev agent.MonitorEvent) {
	r.mu.Lock()
	t.LastActivity = time.Now()
	if t.idleTimer != nil {
		t.idleTimer.Reset(r.idleTimeout(t))
	}

	var overLimit string
	switch ev.Type {
	case agent.MonitorToolExecuted:
		t.Usage.ToolCalls++
		if limit := r.maxToolCalls(t); t.Usage.ToolCalls >= limit {
			overLimit = fmt.Sprintf("maxToolCalls limit reached (%d)", limit)
		}
	case agent.MonitorStepComplete:
		t.Usage.Steps++
		if limit := r.maxSteps(t); t.Usage.Steps >= limit {
			overLimit = fmt.Sprintf("maxSteps limit reached (%d)", limit)
		}
	case agent.MonitorTokenUsage:
		// Counted as activity, never capped.
		t.Usage.TotalTokens += ev.TotalTokens
	case agent.MonitorContextCompression:
		r.logger.Debug("sub-agent compressed context", "task_id", t.ID, "phase", ev.Phase)
	}
	onPermission := r.onPermission
	r.mu.Unlock()

	if overLimit != "" {
		r.failTask(t, overLimit)
		return
	}
	if ev.Type == agent.MonitorPermissionRequired && onPermission != nil {
		onPermission(t.ID, ev)
	}
}

// idleExpired fires when a running task saw no activity for its idle window.
func (r *TaskRunner) idleExpired(t *Task) {
	idle := r.idleTimeout(t)
	r.failTask(t, fmt.Sprintf("idle timeout: no activity for %ds", int(idle.Seconds())))
}

// failTask flips a non-terminal task to failed and interrupts its agent.
// No-op when the task already reached a terminal status.
func (r *TaskRunner) failTask(t *Task, reason string) {
	r.mu.Lock()
	if t.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	t.Status = StatusFailed
	t.Error = reason
	ag := t.agent
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Warn("task failed", "task_id", t.ID, "error", reason)
	r.persist(snap)
	r.emitUpdate(snap)
	if ag != nil {
		ag.Interrupt(reason)
	}
}

// finish tears a task down after its run loop exits: record first, then
// sandbox/agent disposal or keep-alive, then exactly one injection, then the
// next queued task.
func (r *TaskRunner) finish(t *Task) {
	r.mu.Lock()
	if !t.Status.Terminal() {
		t.Status = StatusFailed
		t.Error = "run loop exited without a terminal status"
	}
	t.CompletedAt = time.Now()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.monitorStop != nil {
		t.monitorStop()
		t.monitorStop = nil
	}

	completed := t.Status == StatusCompleted
	keepSandbox := false
	if completed {
		if url := extractPreviewURL(t.Result); url != "" && t.sb != nil {
			t.SandboxURL = url
			t.SandboxAlive = true
			keepSandbox = true
			t.sandboxTimer = time.AfterFunc(r.sandboxKeepAlive(), func() { r.DisposeSandbox(t.ID) })
		}
		t.AgentAlive = true
		t.agentTimer = time.AfterFunc(r.agentKeepAlive(), func() { r.DisposeAgent(t.ID) })
	}
	done := t.done
	snap := t.snapshot()
	r.mu.Unlock()

	if !completed {
		r.DisposeAgent(t.ID)
	}
	if !keepSandbox {
		// Disposal happens before the termination is announced.
		r.DisposeSandbox(t.ID)
	}
	if r.deps.Progress != nil {
		r.deps.Progress.Finish(t.ID)
	}

	r.logger.Info("task finished",
		"task_id", t.ID,
		"status", snap.Status,
		"duration", snap.CompletedAt.Sub(snap.StartTime).Round(time.Millisecond),
		"tool_calls", snap.Usage.ToolCalls,
		"tokens", snap.Usage.TotalTokens,
	)
	r.persist(snap)
	r.emitUpdate(snap)
	r.injectTerminal(snap)
	if done != nil {
		close(done)
	}
	r.drain()
}

func (r *TaskRunner) createSandbox(t *Task) (sandbox.Sandbox, error) {
	if r.deps.Sandboxes == nil {
		return nil, nil
	}
	if t.SandboxKind != "" {
		return r.deps.Sandboxes.CreateKind(r.ctx, t.SandboxKind, t.ID)
	}
	return r.deps.Sandboxes.Create(r.ctx, t.ID)
}

// ─── Operations on live tasks ───

// Cancel stops a queued or running task. Queued tasks never start; running
// tasks are interrupted and exit through the pause-loop. Returns false when
// the task is unknown or already terminal.
func (r *TaskRunner) Cancel(id, reason string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	if t.Status == StatusQueued {
		for i, p := range r.pending {
			if p.ID == id {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		t.Status = StatusCancelled
		t.CancelReason = reason
		t.CompletedAt = time.Now()
		done := t.done
		snap := t.snapshot()
		r.mu.Unlock()

		r.logger.Info("queued task cancelled", "task_id", id, "reason", reason)
		r.persist(snap)
		r.emitUpdate(snap)
		r.injectTerminal(snap)
		if done != nil {
			close(done)
		}
		return true
	}

	// Running: mark and interrupt; the pause-loop observes the terminal
	// status and exits, finish() announces.
	t.Status = StatusCancelled
	t.CancelReason = reason
	ag := t.agent
	snap := t.snapshot()
	r.mu.Unlock()

	r.logger.Info("running task cancelled", "task_id", id, "reason", reason)
	r.persist(snap)
	r.emitUpdate(snap)
	if ag != nil {
		if reason == "" {
			reason = "cancelled by orchestrator"
		}
		ag.Interrupt(reason)
	}
	return true
}

// SendMessage steers a running task: the instruction is stashed as the next
// pause-loop input and the current turn is interrupted. Returns false unless
// the task is running.
func (r *TaskRunner) SendMessage(id, instruction string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning || t.agent == nil {
		r.mu.Unlock()
		return false
	}
	t.pendingInput = instruction
	ag := t.agent
	r.mu.Unlock()

	r.logger.Info("task steered", "task_id", id, "instruction", truncateForLog(instruction, 80))
	ag.Interrupt("new instruction from orchestrator")
	return true
}

// ChatAsync re-enters a completed task's kept-alive sub-agent with a
// follow-up message. The reply (or failure) is announced through the
// injection queue; each successful chat resets the keep-alive window.
func (r *TaskRunner) ChatAsync(id, message string) error {
	if strings.TrimSpace(message) == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Kind: "task", ID: id}
	}
	if !t.AgentAlive || t.agent == nil {
		status := t.Status
		r.mu.Unlock()
		return &StateError{Status: status, Action: "对话"}
	}
	if t.ChatActive {
		r.mu.Unlock()
		return &StateError{Status: t.Status, Action: "并发对话"}
	}
	t.ChatActive = true
	if t.agentTimer != nil {
		t.agentTimer.Stop()
	}
	ag := t.agent
	r.mu.Unlock()

	go r.runChat(t, ag, message)
	return nil
}

// runChat executes one chat re-entry in the background.
func (r *TaskRunner) runChat(t *Task, ag agent.Agent, message string) {
	events, stop := ag.Monitor()
	go r.watch(t, events)
	defer stop()

	res, err := ag.Complete(r.ctx, message)

	r.mu.Lock()
	t.ChatActive = false
	// Re-arm the keep-alive window. Spec'd for successful chats; re-armed on
	// failure too so a failed chat does not leak the agent forever.
	if t.AgentAlive && t.agent != nil {
		if t.agentTimer != nil {
			t.agentTimer.Stop()
		}
		t.agentTimer = time.AfterFunc(r.agentKeepAlive(), func() { r.DisposeAgent(t.ID) })
	}
	snap := t.snapshot()
	r.mu.Unlock()

	switch {
	case err != nil:
		r.logger.Warn("task chat failed", "task_id", t.ID, "error", err)
		r.enqueueInjection(InjectionItem{
			Message: composeChatFailed(snap, err.Error()),
			TaskID:  t.ID,
			Type:    InjectChatFailed,
		})
	case res.Status != agent.CompletionOK:
		r.logger.Warn("task chat paused without completing", "task_id", t.ID)
		r.enqueueInjection(InjectionItem{
			Message: composeChatFailed(snap, "agent paused without completing the reply"),
			TaskID:  t.ID,
			Type:    InjectChatFailed,
		})
	default:
		r.logger.Info("task chat completed", "task_id", t.ID, "reply_len", len(res.Text))
		r.enqueueInjection(InjectionItem{
			Message: composeChatResult(snap, res.Text, r.cfg.InjectResultMaxChars),
			TaskID:  t.ID,
			Type:    InjectChatResult,
		})
	}
	r.persist(snap)
}

// DisposeSandbox tears down a task's sandbox. Idempotent; returns false when
// no live sandbox exists for the id.
func (r *TaskRunner) DisposeSandbox(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.sb == nil {
		r.mu.Unlock()
		return false
	}
	sb := t.sb
	t.sb = nil
	t.SandboxAlive = false
	if t.sandboxTimer != nil {
		t.sandboxTimer.Stop()
		t.sandboxTimer = nil
	}
	r.mu.Unlock()

	if r.deps.Registry != nil {
		r.deps.Registry.Remove(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sb.Dispose(ctx); err != nil {
		// Disposal is best-effort.
		r.logger.Warn("sandbox dispose failed", "task_id", id, "error", err)
	}
	r.logger.Debug("sandbox disposed", "task_id", id, "kind", sb.Kind())
	return true
}

// DisposeAgent releases a task's kept-alive sub-agent. Idempotent.
func (r *TaskRunner) DisposeAgent(id string) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.agent == nil {
		r.mu.Unlock()
		return
	}
	t.agent = nil
	t.AgentAlive = false
	if t.agentTimer != nil {
		t.agentTimer.Stop()
		t.agentTimer = nil
	}
	if t.monitorStop != nil {
		t.monitorStop()
		t.monitorStop = nil
	}
	r.mu.Unlock()

	r.logger.Debug("agent disposed", "task_id", id)
}

// ─── Retry / Redo ───

// Retry re-dispatches a failed or cancelled task as a fresh task with the
// same priority, limits and skills. A non-empty modifiedPrompt replaces the
// original prompt.
func (r *TaskRunner) Retry(id, modifiedPrompt string) (string, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return "", &NotFoundError{Kind: "task", ID: id}
	}
	if t.Status != StatusFailed && t.Status != StatusCancelled {
		status := t.Status
		r.mu.Unlock()
		return "", &StateError{Status: status, Action: "重试"}
	}
	snap := t.snapshot()
	r.mu.Unlock()

	prompt := snap.Prompt
	if modifiedPrompt != "" {
		prompt = modifiedPrompt
	}
	retryCount := snap.RetryCount + 1
	return r.Start(snap.TemplateID, prompt, lineageDescription(snap.Description, "retry", retryCount), StartOptions{
		Priority:     snap.Priority,
		Skills:       snap.Skills,
		Model:        snap.Model,
		Limits:       snap.Limits,
		SandboxKind:  snap.SandboxKind,
		RetryCount:   retryCount,
		RedoHistory:  snap.RedoHistory,
		OriginTaskID: snap.ID,
	})
}

// Redo re-dispatches a completed task whose result was rejected, composing a
// new prompt from the original plus the feedback and a truncated copy of the
// rejected result.
func (r *TaskRunner) Redo(id, feedback string) (string, error) {
	if strings.TrimSpace(feedback) == "" {
		return "", &ValidationError{Field: "feedback", Reason: "required"}
	}

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return "", &NotFoundError{Kind: "task", ID: id}
	}
	if t.Status != StatusCompleted {
		status := t.Status
		r.mu.Unlock()
		return "", &StateError{Status: status, Action: "重做"}
	}
	snap := t.snapshot()
	r.mu.Unlock()

	prevResult, _ := truncateChars(snap.Result, r.cfg.RedoResultMaxChars)
	prompt := fmt.Sprintf("%s\n\n[previous result was rejected]\n反馈: %s\n\n[previous result]\n%s",
		snap.Prompt, strings.TrimSpace(feedback), prevResult)
	redoHistory := append(append([]string(nil), snap.RedoHistory...), feedback)

	return r.Start(snap.TemplateID, prompt, lineageDescription(snap.Description, "redo", len(redoHistory)), StartOptions{
		Priority:     snap.Priority,
		Skills:       snap.Skills,
		Model:        snap.Model,
		Limits:       snap.Limits,
		SandboxKind:  snap.SandboxKind,
		RetryCount:   snap.RetryCount,
		RedoHistory:  redoHistory,
		OriginTaskID: snap.ID,
	})
}

// ─── Read accessors ───

// Get returns a snapshot of one task.
func (r *TaskRunner) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

// All returns snapshots of every task the runner has ever owned, newest
// first. Records are kept for the process lifetime.
func (r *TaskRunner) All() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns snapshots of running tasks.
func (r *TaskRunner) Active() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, r.cfg.MaxConcurrent)
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Queued returns snapshots of pending tasks in dispatch order.
func (r *TaskRunner) Queued() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.pending))
	for _, t := range r.pending {
		out = append(out, t.snapshot())
	}
	return out
}

// ActiveCount reports the number of running tasks.
func (r *TaskRunner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningCountLocked()
}

// QueuedCount reports the number of pending tasks.
func (r *TaskRunner) QueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Wait blocks until the task reaches its first terminal status or the
// context is cancelled. Used by tests and the scheduler's synchronous jobs.
func (r *TaskRunner) Wait(ctx context.Context, id string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	done := t.done
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			snap, _ := r.Get(id)
			return snap, ctx.Err()
		}
	}
	snap, _ := r.Get(id)
	return snap, nil
}

// Restore adopts persisted task records, typically at startup. Only terminal
// records are adopted; they become readable history, never re-run.
func (r *TaskRunner) Restore(tasks []*Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if t == nil || t.ID == "" || !t.Status.Terminal() {
			continue
		}
		if _, exists := r.tasks[t.ID]; !exists {
			r.tasks[t.ID] = t
		}
	}
}

// ─── Internals ───

func (r *TaskRunner) idleTimeout(t *Task) time.Duration {
	ms := t.Limits.IdleTimeoutMs
	if ms <= 0 {
		ms = r.cfg.IdleTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *TaskRunner) maxToolCalls(t *Task) int {
	if t.Limits.MaxToolCalls > 0 {
		return t.Limits.MaxToolCalls
	}
	return r.cfg.MaxToolCalls
}

func (r *TaskRunner) maxSteps(t *Task) int {
	if t.Limits.MaxSteps > 0 {
		return t.Limits.MaxSteps
	}
	return r.cfg.MaxSteps
}

func (r *TaskRunner) agentKeepAlive() time.Duration {
	return time.Duration(r.cfg.AgentKeepAliveMs) * time.Millisecond
}

func (r *TaskRunner) sandboxKeepAlive() time.Duration {
	return time.Duration(r.cfg.SandboxKeepAliveMs) * time.Millisecond
}

// injectTerminal enqueues the single terminal announcement for a task.
func (r *TaskRunner) injectTerminal(snap *Task) {
	var item InjectionItem
	switch snap.Status {
	case StatusCompleted:
		item = InjectionItem{Message: composeTaskResult(snap, r.cfg.InjectResultMaxChars), TaskID: snap.ID, Type: InjectTaskResult}
	case StatusFailed:
		item = InjectionItem{Message: composeTaskFailed(snap), TaskID: snap.ID, Type: InjectTaskFailed}
	case StatusCancelled:
		item = InjectionItem{Message: composeTaskCancelled(snap), TaskID: snap.ID, Type: InjectTaskCancelled}
	default:
		return
	}
	r.enqueueInjection(item)
}

func (r *TaskRunner) enqueueInjection(item InjectionItem) {
	r.mu.Lock()
	q := r.injections
	r.mu.Unlock()
	if q != nil {
		q.Enqueue(item)
	}
}

func (r *TaskRunner) emitUpdate(snap *Task) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(Event{Type: EventPhase, Data: snap})
}

func (r *TaskRunner) persist(snap *Task) {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.Save(snap); err != nil {
		r.logger.Warn("failed to persist task", "task_id", snap.ID, "error", err)
	}
}

func truncateForLog(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
