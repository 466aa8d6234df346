// Package orchestrator – errors.go defines the typed errors shared by the
// task runner, the tool surface and the HTTP boundary.
package orchestrator

import "fmt"

// ValidationError reports malformed input at a boundary: a missing field, an
// unknown priority, an unparseable body. Maps to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StatusCode reports the HTTP status for this error class.
func (e *ValidationError) StatusCode() int { return 400 }

// NotFoundError reports an unknown task or permission id. Maps to HTTP 404.
type NotFoundError struct {
	Kind string // "task", "permission", "job"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// StatusCode reports the HTTP status for this error class.
func (e *NotFoundError) StatusCode() int { return 404 }

// StateError reports an operation that is not permitted in the task's current
// status, such as cancelling a completed task or redoing a running one.
// Renders as "状态 <status>, 无法<action>"; tool callers surface it verbatim.
type StateError struct {
	Status TaskStatus
	Action string // the refused action, e.g. "取消", "重试", "注入消息"
}

func (e *StateError) Error() string {
	return fmt.Sprintf("状态 %s, 无法%s", e.Status, e.Action)
}

// StatusCode reports the HTTP status for this error class.
func (e *StateError) StatusCode() int { return 400 }
