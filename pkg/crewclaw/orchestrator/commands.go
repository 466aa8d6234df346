// Package orchestrator – commands.go implements the slash commands clients
// can send instead of a chat message:
//
//	/confirm <permissionId>   - approve a pending tool call
//	/cancel <permissionId>    - deny a pending tool call
//	/status                   - active tasks, queue, pending approvals
//	/history [n]              - recent transcript entries
//	/help                     - command summary
//
// Anything not starting with "/" is a free-form chat message.
package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IsCommand returns true if the message starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// Command executes a slash command and returns its textual response.
// Unknown commands and malformed arguments return a ValidationError.
func (o *Orchestrator) Command(content string) (string, error) {
	content = strings.TrimSpace(content)
	if !IsCommand(content) {
		return "", &ValidationError{Field: "command", Reason: "not a command (missing leading /)"}
	}

	parts := strings.Fields(content)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help":
		return helpText, nil

	case "/status":
		return o.statusCommand(), nil

	case "/history":
		n := 20
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return "", &ValidationError{Field: "n", Reason: fmt.Sprintf("invalid count %q", args[0])}
			}
			n = v
		}
		return o.historyCommand(n), nil

	case "/confirm":
		if len(args) == 0 {
			return "", &ValidationError{Field: "permission_id", Reason: "usage: /confirm <permissionId>"}
		}
		if !o.Approvals.Decide(args[0], DecisionAllow, "approved via /confirm") {
			return "", &NotFoundError{Kind: "permission", ID: args[0]}
		}
		return fmt.Sprintf("已批准 %s", args[0]), nil

	case "/cancel":
		if len(args) == 0 {
			return "", &ValidationError{Field: "permission_id", Reason: "usage: /cancel <permissionId>"}
		}
		if !o.Approvals.Decide(args[0], DecisionDeny, "denied via /cancel") {
			return "", &NotFoundError{Kind: "permission", ID: args[0]}
		}
		return fmt.Sprintf("已拒绝 %s", args[0]), nil

	default:
		return "", &ValidationError{Field: "command", Reason: fmt.Sprintf("unknown command %s\n%s", cmd, helpText)}
	}
}

const helpText = `Commands:
  /confirm <permissionId>  approve a pending tool call
  /cancel <permissionId>   deny a pending tool call
  /status                  active tasks, queue, pending approvals
  /history [n]             recent transcript (default 20)
  /help                    this help

Anything else is sent to the orchestrator agent as a chat message.`

func (o *Orchestrator) statusCommand() string {
	var b strings.Builder

	active := o.Runner.Active()
	fmt.Fprintf(&b, "运行中 %d/%d, 排队 %d\n", len(active), o.cfg.Runner.MaxConcurrent, o.Runner.QueuedCount())

	for _, t := range active {
		fmt.Fprintf(&b, "- [%s] %s (%s) tools=%d steps=%d tokens=%d elapsed=%s\n",
			t.Status, t.ID, truncateForLog(t.Description, 50),
			t.Usage.ToolCalls, t.Usage.Steps, t.Usage.TotalTokens,
			time.Since(t.StartTime).Round(time.Second))
	}
	for _, t := range o.Runner.Queued() {
		fmt.Fprintf(&b, "- [queued:%s] %s (%s)\n", t.Priority, t.ID, truncateForLog(t.Description, 50))
	}

	if pending := o.Approvals.Pending(); len(pending) > 0 {
		fmt.Fprintf(&b, "待批准 %d:\n", len(pending))
		for _, p := range pending {
			fmt.Fprintf(&b, "- %s: %s (task %s), /confirm %s 或 /cancel %s\n",
				p.ID, p.Tool, p.TaskID, p.ID, p.ID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) historyCommand(n int) string {
	entries := o.Transcript.Recent(n)
	if len(entries) == 0 {
		return "没有历史记录"
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Time.Format("15:04:05"), e.Role, truncateForLog(e.Text, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}
