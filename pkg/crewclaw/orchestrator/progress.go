// Package orchestrator – progress.go emits periodic per-task heartbeats so
// clients see that a long-running task is still moving. The stream is
// best-effort and orthogonal to the scheduler's own state.
package orchestrator

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProgressRecord is one heartbeat or explicit update for a task.
type ProgressRecord struct {
	TaskID    string    `json:"task_id"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type progressEntry struct {
	record ProgressRecord
	stop   chan struct{}
}

// ProgressTracker owns one heartbeat timer per active task.
type ProgressTracker struct {
	mu       sync.Mutex
	interval time.Duration
	entries  map[string]*progressEntry
	emit     func(ProgressRecord)
	logger   *slog.Logger
}

// NewProgressTracker creates a tracker that calls emit for every heartbeat
// and update. A zero interval falls back to 15 seconds.
func NewProgressTracker(interval time.Duration, emit func(ProgressRecord), logger *slog.Logger) *ProgressTracker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{
		interval: interval,
		entries:  make(map[string]*progressEntry),
		emit:     emit,
		logger:   logger.With("component", "progress"),
	}
}

// Start installs a heartbeat for the task. Starting an already-tracked task
// replaces its record but keeps a single timer.
func (t *ProgressTracker) Start(taskID, stage string) {
	t.mu.Lock()
	if e, ok := t.entries[taskID]; ok {
		e.record.Stage = stage
		e.record.UpdatedAt = time.Now()
		t.mu.Unlock()
		return
	}

	e := &progressEntry{
		record: ProgressRecord{TaskID: taskID, Stage: stage, UpdatedAt: time.Now()},
		stop:   make(chan struct{}),
	}
	t.entries[taskID] = e
	t.mu.Unlock()

	go t.beat(e)
}

// beat emits the task's current record every interval until Finish.
func (t *ProgressTracker) beat(e *progressEntry) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			rec := e.record
			rec.UpdatedAt = time.Now()
			t.mu.Unlock()
			t.send(rec)
		case <-e.stop:
			return
		}
	}
}

// Update mutates the task's record and emits it once, immediately.
func (t *ProgressTracker) Update(taskID string, percent int, stage, message string) {
	t.mu.Lock()
	e, ok := t.entries[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if percent >= 0 {
		e.record.Percent = percent
	}
	if stage != "" {
		e.record.Stage = stage
	}
	e.record.Message = message
	e.record.UpdatedAt = time.Now()
	rec := e.record
	t.mu.Unlock()

	t.send(rec)
}

// Finish cancels the task's heartbeat and forgets its record.
func (t *ProgressTracker) Finish(taskID string) {
	t.mu.Lock()
	e, ok := t.entries[taskID]
	if ok {
		delete(t.entries, taskID)
	}
	t.mu.Unlock()

	if ok {
		close(e.stop)
	}
}

// Records returns a snapshot of all active records, ordered by task id.
func (t *ProgressTracker) Records() []ProgressRecord {
	t.mu.Lock()
	out := make([]ProgressRecord, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.record)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (t *ProgressTracker) send(rec ProgressRecord) {
	if t.emit == nil {
		return
	}
	t.emit(rec)
}
