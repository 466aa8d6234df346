// Package orchestrator – approval.go tracks tool calls that are waiting for a
// human decision. The permission bridge adds entries; a decision arrives via
// the HTTP boundary or a slash command and resolves the stored responder.
package orchestrator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Approval decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PendingApproval is a tool call parked until a human decides.
type PendingApproval struct {
	ID        string         `json:"permission_id"`
	TaskID    string         `json:"task_id"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	respond func(decision, note string)
}

// ApprovalManager is the registry of pending approvals.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	logger  *slog.Logger
}

// NewApprovalManager creates an empty registry.
func NewApprovalManager(logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		pending: make(map[string]*PendingApproval),
		logger:  logger.With("component", "approvals"),
	}
}

// Add registers a pending approval and returns it. The respond callback is
// invoked exactly once, by Decide.
func (m *ApprovalManager) Add(taskID, tool string, input map[string]any, respond func(decision, note string)) *PendingApproval {
	p := &PendingApproval{
		ID:        uuid.New().String()[:8],
		TaskID:    taskID,
		Tool:      tool,
		Input:     input,
		CreatedAt: time.Now(),
		respond:   respond,
	}

	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()

	m.logger.Info("approval requested", "permission_id", p.ID, "task_id", taskID, "tool", tool)
	return p
}

// Decide resolves a pending approval by id. Returns false when the id is
// unknown (already decided, or never existed).
func (m *ApprovalManager) Decide(id, decision, note string) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	m.logger.Info("approval decided", "permission_id", id, "decision", decision)
	if p.respond != nil {
		p.respond(decision, note)
	}
	return true
}

// Pending returns a snapshot of outstanding approvals, oldest first.
func (m *ApprovalManager) Pending() []*PendingApproval {
	m.mu.Lock()
	out := make([]*PendingApproval, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports the number of outstanding approvals.
func (m *ApprovalManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
