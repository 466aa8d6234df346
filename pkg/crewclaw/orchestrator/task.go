// Package orchestrator – task.go defines the scheduler's unit of work and
// the synthetic messages injected back into the parent conversation when a
// task terminates.
package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/sandbox"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskPriority orders queued tasks for dispatch.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// rank maps priorities to dispatch order; lower runs first.
func (p TaskPriority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority validates a priority string. Empty defaults to normal.
func ParsePriority(s string) (TaskPriority, error) {
	switch TaskPriority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return TaskPriority(s), nil
	default:
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
}

// ResourceLimits caps a task's consumption. Zero fields fall back to the
// runner defaults.
type ResourceLimits struct {
	MaxToolCalls  int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	MaxSteps      int `json:"max_steps,omitempty" yaml:"max_steps"`
	IdleTimeoutMs int `json:"idle_timeout_ms,omitempty" yaml:"idle_timeout_ms"`
}

// ResourceUsage counts what a task has consumed. Strictly non-decreasing.
type ResourceUsage struct {
	ToolCalls   int `json:"tool_calls"`
	Steps       int `json:"steps"`
	TotalTokens int `json:"total_tokens"`
}

// Task is one background sub-task owned by the runner. Public fields are
// snapshots for readers; the unexported runtime fields are guarded by the
// runner's mutex.
type Task struct {
	ID          string       `json:"id"`
	TemplateID  string       `json:"template_id"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Prompt      string       `json:"prompt"`
	Skills      []string     `json:"skills,omitempty"`
	Model       string       `json:"model,omitempty"`
	SandboxKind string       `json:"sandbox_kind,omitempty"`

	RetryCount   int      `json:"retry_count"`
	RedoHistory  []string `json:"redo_history,omitempty"`
	OriginTaskID string   `json:"origin_task_id,omitempty"`

	Limits ResourceLimits `json:"resource_limits"`
	Usage  ResourceUsage  `json:"resource_usage"`

	CreatedAt    time.Time `json:"created_at"`
	StartTime    time.Time `json:"start_time,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	SandboxURL   string `json:"sandbox_url,omitempty"`
	SandboxAlive bool   `json:"sandbox_alive,omitempty"`
	AgentAlive   bool   `json:"agent_alive,omitempty"`
	ChatActive   bool   `json:"chat_active,omitempty"`

	// Runtime state, owned by the runner.
	agent        agent.Agent
	sb           sandbox.Sandbox
	pendingInput string
	idleTimer    *time.Timer
	agentTimer   *time.Timer
	sandboxTimer *time.Timer
	monitorStop  func()
	done         chan struct{}
}

// snapshot returns a reader-safe copy with the runtime fields zeroed and the
// slices detached.
func (t *Task) snapshot() *Task {
	c := *t
	c.agent = nil
	c.sb = nil
	c.pendingInput = ""
	c.idleTimer = nil
	c.agentTimer = nil
	c.sandboxTimer = nil
	c.monitorStop = nil
	c.done = nil
	c.Skills = append([]string(nil), t.Skills...)
	c.RedoHistory = append([]string(nil), t.RedoHistory...)
	return &c
}

// InjectionType tags why a message is being injected.
type InjectionType string

const (
	InjectTaskResult    InjectionType = "task_result"
	InjectTaskFailed    InjectionType = "task_failed"
	InjectTaskCancelled InjectionType = "task_cancelled"
	InjectChatResult    InjectionType = "chat_result"
	InjectChatFailed    InjectionType = "chat_failed"
)

// InjectionItem is one queued message for the parent agent.
type InjectionItem struct {
	Message string
	TaskID  string
	Type    InjectionType
}

// ── Injection message composition ──

// composeTaskResult renders the completion announcement. The result body is
// truncated; the full text stays available through the task_status tool.
func composeTaskResult(t *Task, maxChars int) string {
	result, truncated := truncateChars(t.Result, maxChars)
	msg := fmt.Sprintf("[子任务完成] taskId=%s, agent=%s\n描述: %s\n交付物:\n%s",
		t.ID, t.TemplateID, t.Description, result)
	if truncated {
		msg += fmt.Sprintf("\n\n[输出超过 %d 字符已截断, 完整结果可通过 task_status 查询]", maxChars)
	}
	if t.SandboxURL != "" {
		msg += fmt.Sprintf("\n预览地址: %s", t.SandboxURL)
	}
	return msg
}

// composeTaskFailed renders the failure announcement.
func composeTaskFailed(t *Task) string {
	return fmt.Sprintf("[子任务失败] taskId=%s, agent=%s\n描述: %s\n错误: %s",
		t.ID, t.TemplateID, t.Description, t.Error)
}

// composeTaskCancelled renders the cancellation announcement.
func composeTaskCancelled(t *Task) string {
	reason := t.CancelReason
	if reason == "" {
		reason = "cancelled by orchestrator"
	}
	return fmt.Sprintf("[子任务取消] taskId=%s, agent=%s\n描述: %s\n原因: %s",
		t.ID, t.TemplateID, t.Description, reason)
}

// composeChatResult renders a chat re-entry reply.
func composeChatResult(t *Task, text string, maxChars int) string {
	reply, truncated := truncateChars(text, maxChars)
	msg := fmt.Sprintf("[子任务对话回复] taskId=%s, agent=%s\n%s", t.ID, t.TemplateID, reply)
	if truncated {
		msg += fmt.Sprintf("\n\n[输出超过 %d 字符已截断]", maxChars)
	}
	return msg
}

// composeChatFailed renders a failed chat re-entry.
func composeChatFailed(t *Task, errText string) string {
	return fmt.Sprintf("[子任务对话失败] taskId=%s, agent=%s\n错误: %s", t.ID, t.TemplateID, errText)
}

// truncateChars cuts s to at most max characters, reporting whether anything
// was dropped. Counts runes so multibyte text is not split mid-character.
func truncateChars(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}

// ── Sandbox preview marker ──

// previewMarker matches the literal marker a sub-agent embeds in its final
// text when it published an HTTP preview from its sandbox.
var previewMarker = regexp.MustCompile(`\[sandbox-preview\]\((\S+?)\)`)

// extractPreviewURL returns the preview URL from the task's final text, or
// "" when no marker is present or the URL points at localhost.
func extractPreviewURL(text string) string {
	m := previewMarker.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	url := m[1]
	host := url
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(host, scheme) {
			host = strings.TrimPrefix(host, scheme)
			break
		}
	}
	if strings.HasPrefix(host, "localhost") {
		return ""
	}
	return url
}

// lineageSuffix matches the "(retry #N)" / "(redo #N)" suffix appended to
// descriptions of re-dispatched tasks, so repeated retries do not stack.
var lineageSuffix = regexp.MustCompile(`\s*\((retry|redo) #\d+\)$`)

func lineageDescription(desc, kind string, n int) string {
	base := lineageSuffix.ReplaceAllString(desc, "")
	return fmt.Sprintf("%s (%s #%d)", base, kind, n)
}

// taskContextHeader prefixes the sub-agent's first input with its task id.
// The sandbox_preview tool reads the id back from this header.
func taskContextHeader(t *Task) string {
	return fmt.Sprintf("[task context] taskId=%s, agent=%s\n\n%s", t.ID, t.TemplateID, t.Prompt)
}
