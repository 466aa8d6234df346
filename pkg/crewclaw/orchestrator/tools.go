// Package orchestrator – tools.go exposes the orchestration surface as agent
// tools: the parent agent dispatches and manages sub-tasks through them, and
// sub-agents get the sandbox_preview tool for publishing HTTP previews.
//
// Tool results are JSON: {"ok":true,...} on success, {"ok":false,"error":…}
// for state and lookup failures, so the agent can react without parsing
// free-form prose.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// Tools returns the orchestrator tool set mounted into the parent agent.
func (o *Orchestrator) Tools() []agent.ToolDefinition {
	return []agent.ToolDefinition{
		{
			Name: "dispatch_task",
			Description: "Dispatch a background sub-task to a sub-agent. Returns immediately " +
				"with a task_id; the result is injected back into this conversation when the " +
				"task finishes. Use priority=high for urgent work.",
			Schema: objectSchema(map[string]any{
				"template_id": map[string]any{"type": "string", "description": "Sub-agent role, e.g. executor, reviewer."},
				"prompt":      map[string]any{"type": "string", "description": "Full task prompt for the sub-agent."},
				"description": map[string]any{"type": "string", "description": "Short human label shown in events."},
				"priority":    map[string]any{"type": "string", "enum": []string{"high", "normal", "low"}},
				"skills": map[string]any{
					"type": "array", "items": map[string]any{"type": "string"},
					"description": "Knowledge packs preloaded into the sub-agent.",
				},
				"max_tool_calls":  map[string]any{"type": "integer"},
				"max_steps":       map[string]any{"type": "integer"},
				"idle_timeout_ms": map[string]any{"type": "integer"},
			}, "template_id", "prompt"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				id, err := o.Runner.Start(
					stringArg(args, "template_id"),
					stringArg(args, "prompt"),
					stringArg(args, "description"),
					StartOptions{
						Priority: TaskPriority(stringArg(args, "priority")),
						Skills:   stringSliceArg(args, "skills"),
						Model:    o.cfg.Model,
						Limits: ResourceLimits{
							MaxToolCalls:  intArg(args, "max_tool_calls"),
							MaxSteps:      intArg(args, "max_steps"),
							IdleTimeoutMs: intArg(args, "idle_timeout_ms"),
						},
					},
				)
				if err != nil {
					return toolErr(err), nil
				}
				return toolOK(map[string]any{"task_id": id, "status": string(StatusQueued)}), nil
			},
		},
		{
			Name: "task_status",
			Description: "Fetch the full record of one sub-task, including the complete result " +
				"text (injected announcements are truncated).",
			Schema: objectSchema(map[string]any{
				"task_id": map[string]any{"type": "string"},
			}, "task_id"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				t, ok := o.Runner.Get(stringArg(args, "task_id"))
				if !ok {
					return toolErr(&NotFoundError{Kind: "task", ID: stringArg(args, "task_id")}), nil
				}
				return toolOK(map[string]any{"task": t}), nil
			},
		},
		{
			Name:        "list_tasks",
			Description: "List all sub-tasks with status, usage and alive flags.",
			Schema:      objectSchema(map[string]any{}),
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return toolOK(map[string]any{
					"tasks":  o.Runner.All(),
					"active": o.Runner.ActiveCount(),
					"queued": o.Runner.QueuedCount(),
				}), nil
			},
		},
		{
			Name:        "cancel_task",
			Description: "Cancel a queued or running sub-task.",
			Schema: objectSchema(map[string]any{
				"task_id": map[string]any{"type": "string"},
				"reason":  map[string]any{"type": "string"},
			}, "task_id"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "task_id")
				if !o.Runner.Cancel(id, stringArg(args, "reason")) {
					t, ok := o.Runner.Get(id)
					if !ok {
						return toolErr(&NotFoundError{Kind: "task", ID: id}), nil
					}
					return toolErr(&StateError{Status: t.Status, Action: "取消"}), nil
				}
				return toolOK(map[string]any{"task_id": id, "status": string(StatusCancelled)}), nil
			},
		},
		{
			Name: "send_task_message",
			Description: "Steer a running sub-task: the instruction interrupts the current turn " +
				"and becomes the sub-agent's next input.",
			Schema: objectSchema(map[string]any{
				"task_id":     map[string]any{"type": "string"},
				"instruction": map[string]any{"type": "string"},
			}, "task_id", "instruction"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "task_id")
				if !o.Runner.SendMessage(id, stringArg(args, "instruction")) {
					t, ok := o.Runner.Get(id)
					if !ok {
						return toolErr(&NotFoundError{Kind: "task", ID: id}), nil
					}
					return toolErr(&StateError{Status: t.Status, Action: "注入消息"}), nil
				}
				return toolOK(map[string]any{"task_id": id, "delivered": true}), nil
			},
		},
		{
			Name: "chat_with_task",
			Description: "Ask a completed sub-task's kept-alive sub-agent a follow-up question. " +
				"The reply is injected back into this conversation.",
			Schema: objectSchema(map[string]any{
				"task_id": map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			}, "task_id", "message"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "task_id")
				if err := o.Runner.ChatAsync(id, stringArg(args, "message")); err != nil {
					return toolErr(err), nil
				}
				return toolOK(map[string]any{"task_id": id, "chat": "started"}), nil
			},
		},
		{
			Name:        "retry_task",
			Description: "Re-dispatch a failed or cancelled sub-task, optionally with a modified prompt.",
			Schema: objectSchema(map[string]any{
				"task_id":         map[string]any{"type": "string"},
				"modified_prompt": map[string]any{"type": "string"},
			}, "task_id"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				newID, err := o.Runner.Retry(stringArg(args, "task_id"), stringArg(args, "modified_prompt"))
				if err != nil {
					return toolErr(err), nil
				}
				return toolOK(map[string]any{"task_id": newID}), nil
			},
		},
		{
			Name: "redo_task",
			Description: "Reject a completed sub-task's result and re-dispatch it with feedback; " +
				"the new prompt carries the feedback and the rejected result.",
			Schema: objectSchema(map[string]any{
				"task_id":  map[string]any{"type": "string"},
				"feedback": map[string]any{"type": "string"},
			}, "task_id", "feedback"),
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				newID, err := o.Runner.Redo(stringArg(args, "task_id"), stringArg(args, "feedback"))
				if err != nil {
					return toolErr(err), nil
				}
				return toolOK(map[string]any{"task_id": newID}), nil
			},
		},
	}
}

// SubAgentTools returns the tools mounted into each sub-agent. The task id
// is bound at creation; the sub-agent echoes it from its prompt header.
func (o *Orchestrator) SubAgentTools(taskID string) []agent.ToolDefinition {
	return []agent.ToolDefinition{
		{
			Name: "sandbox_preview",
			Description: "Publish an HTTP service running in this task's sandbox and get its " +
				"routable preview URL. Embed the returned [sandbox-preview](URL) marker in " +
				"your final answer so the preview stays alive after the task completes.",
			Schema: objectSchema(map[string]any{
				"task_id": map[string]any{"type": "string", "description": "Task id from the [task context] header."},
				"port":    map[string]any{"type": "integer", "description": "Port the service listens on inside the sandbox."},
			}, "task_id", "port"),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				id := stringArg(args, "task_id")
				if id == "" {
					id = taskID
				}
				sb, ok := o.Registry.Lookup(id)
				if !ok {
					return toolErr(&NotFoundError{Kind: "sandbox", ID: id}), nil
				}
				resolver, ok := sb.(sandbox.HostResolver)
				if !ok {
					return toolErr(fmt.Errorf("%s sandbox cannot publish preview URLs", sb.Kind())), nil
				}
				url, err := resolver.HostURL(ctx, intArg(args, "port"))
				if err != nil {
					return toolErr(err), nil
				}
				return toolOK(map[string]any{
					"url":    url,
					"marker": fmt.Sprintf("[sandbox-preview](%s)", url),
				}), nil
			},
		},
	}
}

// ─── Helpers ───

func objectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func toolOK(fields map[string]any) string {
	fields["ok"] = true
	b, _ := json.Marshal(fields)
	return string(b)
}

func toolErr(err error) string {
	b, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
	return string(b)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
