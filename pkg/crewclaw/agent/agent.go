// Package agent defines the contract between the CrewClaw orchestration
// core and the agent runtimes that execute work. The core never constructs
// an LLM client directly; it drives runtimes through the Agent interface
// and receives telemetry through monitor subscriptions.
package agent

import "context"

// CompletionStatus is the outcome class of a single Complete call.
type CompletionStatus string

const (
	// CompletionOK means the agent finished its turn and produced text.
	CompletionOK CompletionStatus = "ok"

	// CompletionPaused means the agent stopped at a safe point before
	// finishing, typically after an Interrupt. The caller decides whether
	// to resume with new input or treat the pause as terminal.
	CompletionPaused CompletionStatus = "paused"
)

// CompletionResult is returned by Agent.Complete.
type CompletionResult struct {
	Status CompletionStatus
	Text   string
}

// ToolCall identifies one tool invocation made by an agent.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// EventType tags the events emitted on a ChatStream.
type EventType string

const (
	EventTextChunk       EventType = "text_chunk"
	EventThinkChunk      EventType = "think_chunk"
	EventTextChunkStart  EventType = "text_chunk_start"
	EventThinkChunkStart EventType = "think_chunk_start"
	EventToolStart       EventType = "tool:start"
	EventToolEnd         EventType = "tool:end"
	EventToolError       EventType = "tool:error"
	EventDone            EventType = "done"
)

// Event is one element of a streaming turn. Fields are populated per Type:
// Delta for text/think chunks, Call (+Err) for tool events, Reason for done.
type Event struct {
	Type   EventType
	Delta  string
	Call   *ToolCall
	Err    string
	Reason string
}

// MonitorEventType tags out-of-band telemetry from a running agent.
type MonitorEventType string

const (
	MonitorPermissionRequired MonitorEventType = "permission_required"
	MonitorToolExecuted       MonitorEventType = "tool_executed"
	MonitorStepComplete       MonitorEventType = "step_complete"
	MonitorTokenUsage         MonitorEventType = "token_usage"
	MonitorContextCompression MonitorEventType = "context_compression"
)

// Permission decisions passed to MonitorEvent.Respond.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// MonitorEvent is one telemetry event. Fields are populated per Type:
// Call and Respond for permission_required, Call for tool_executed,
// TotalTokens for token_usage, Phase/Summary for context_compression.
// Respond must be safe to call exactly once from any goroutine.
type MonitorEvent struct {
	Type        MonitorEventType
	Call        *ToolCall
	Respond     func(decision, note string)
	TotalTokens int
	Phase       string
	Summary     string
}

// Agent is a single conversational runtime instance.
//
// Complete runs one turn to its end or to a pause point. ChatStream runs a
// turn while emitting incremental events; the returned channel is closed
// after the done event. Interrupt requests a pause at the next safe point
// and never blocks. Monitor subscribes to telemetry; the returned func
// unsubscribes and must be safe to call more than once.
type Agent interface {
	Complete(ctx context.Context, input string) (CompletionResult, error)
	ChatStream(ctx context.Context, input string) (<-chan Event, error)
	Interrupt(note string)
	Monitor() (<-chan MonitorEvent, func())
}

// Spec describes the sub-agent an orchestrator wants instantiated.
type Spec struct {
	// TaskID is the orchestration task this agent will serve. Runtimes
	// echo it in telemetry; tools use it to locate per-task resources.
	TaskID string

	// TemplateID names the agent role (executor, reviewer, ...). Opaque
	// to the orchestration core.
	TemplateID string

	// Skills are knowledge-pack names preloaded into the agent's context.
	// Opaque to the core; carried so retry/redo reproduce them.
	Skills []string

	// Model overrides the runtime's default model when non-empty.
	Model string

	// Tools are mounted into the agent in addition to the runtime's own.
	Tools []ToolDefinition
}

// Factory creates agent instances. The orchestration core holds exactly one
// factory for sub-agents; the parent agent is constructed by the caller and
// injected at wiring time.
type Factory interface {
	NewAgent(ctx context.Context, spec Spec) (Agent, error)
}

// ToolDefinition declares a tool an agent may call. Schema is a JSON-schema
// fragment describing the argument object. Handler returns the tool result
// as text; errors are surfaced to the agent as tool failures.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ToolMounter is implemented by runtimes that accept additional tools after
// construction. The orchestration core uses it to mount its dispatch tools
// onto the parent agent, whose Spec is fixed before the core exists.
type ToolMounter interface {
	MountTools(tools []ToolDefinition)
}
