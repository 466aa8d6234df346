package sandbox

import "sync"

// Registry tracks which sandbox currently belongs to which task. Entries
// are installed before the sub-agent starts and removed by the final
// disposal, so the sandbox_preview tool can resolve "the sandbox of task X"
// while the task (or its keep-alive window) is live.
type Registry struct {
	mu     sync.RWMutex
	byTask map[string]Sandbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTask: make(map[string]Sandbox)}
}

// Install binds a sandbox to a task id, replacing any previous binding.
func (r *Registry) Install(taskID string, sb Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTask[taskID] = sb
}

// Lookup returns the sandbox bound to a task id.
func (r *Registry) Lookup(taskID string) (Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.byTask[taskID]
	return sb, ok
}

// Remove unbinds a task id. Safe to call when no binding exists.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTask, taskID)
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTask)
}
