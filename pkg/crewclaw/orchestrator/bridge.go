// Package orchestrator – bridge.go routes permission_required monitor events
// from sub-agents to an immediate answer or a parked human approval. The
// bridge never blocks the scheduler: it responds inline or registers the
// request and returns; the decision arrives later through the HTTP boundary
// or a slash command.
package orchestrator

import (
	"log/slog"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// ShellExecTool is the tool name checked against the safe-command policy.
const ShellExecTool = "exec_command"

// PermissionBridge decides tool permissions for sub-agents.
//
// Policy order:
//  1. isolated sandbox kind → auto-allow with an audit note
//  2. shell-exec tool whose command the policy deems safe → auto-allow
//  3. everything else → parked in the ApprovalManager, approval_needed SSE
type PermissionBridge struct {
	approvals *ApprovalManager
	policy    *sandbox.CommandPolicy
	registry  *sandbox.Registry
	sandboxes *sandbox.Factory
	bus       *EventBus
	logger    *slog.Logger
}

// NewPermissionBridge wires the bridge.
func NewPermissionBridge(
	approvals *ApprovalManager,
	policy *sandbox.CommandPolicy,
	registry *sandbox.Registry,
	sandboxes *sandbox.Factory,
	bus *EventBus,
	logger *slog.Logger,
) *PermissionBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionBridge{
		approvals: approvals,
		policy:    policy,
		registry:  registry,
		sandboxes: sandboxes,
		bus:       bus,
		logger:    logger.With("component", "permission-bridge"),
	}
}

// Handle processes one permission_required event for the given task.
func (b *PermissionBridge) Handle(taskID string, ev agent.MonitorEvent) {
	if ev.Respond == nil || ev.Call == nil {
		b.logger.Warn("malformed permission event ignored", "task_id", taskID)
		return
	}

	if sb, ok := b.registry.Lookup(taskID); ok && b.sandboxes != nil && b.sandboxes.Isolated(sb.Kind()) {
		b.logger.Info("tool auto-approved: isolated sandbox",
			"task_id", taskID, "tool", ev.Call.Name, "sandbox", sb.Kind())
		ev.Respond(agent.DecisionAllow, "auto-approved: isolated "+sb.Kind()+" sandbox")
		return
	}

	if ev.Call.Name == ShellExecTool && b.policy != nil {
		verdict := b.policy.Check(anyArgs(ev.Call.Args))
		if verdict.Safe {
			b.logger.Info("tool auto-approved: safe command",
				"task_id", taskID, "command", truncateForLog(verdict.Command, 80))
			ev.Respond(agent.DecisionAllow, "auto-approved by safe command policy")
			return
		}
	}

	p := b.approvals.Add(taskID, ev.Call.Name, ev.Call.Args, ev.Respond)
	b.bus.Publish(Event{Type: EventApprovalNeeded, Data: p})
}

// anyArgs widens the typed args map so the pure policy predicate sees the
// same opaque shape regardless of caller.
func anyArgs(args map[string]any) any {
	if args == nil {
		return ""
	}
	return args
}
