// Package orchestrator – history.go keeps the user/assistant transcript: a
// bounded in-memory ring that serves /api/history and the /history command,
// mirrored to SQLite when a database is wired.
package orchestrator

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TranscriptEntry is one recorded message.
type TranscriptEntry struct {
	Role   string    `json:"role"`
	Text   string    `json:"text"`
	TaskID string    `json:"task_id,omitempty"`
	Time   time.Time `json:"time"`
}

// History records the conversation transcript.
type History struct {
	mu      sync.Mutex
	entries []TranscriptEntry
	limit   int
	db      *sql.DB
	logger  *slog.Logger
}

// NewHistory creates a transcript with the given in-memory cap. A zero limit
// falls back to 500. The db is optional.
func NewHistory(limit int, db *sql.DB, logger *slog.Logger) *History {
	if limit <= 0 {
		limit = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		limit:  limit,
		db:     db,
		logger: logger.With("component", "history"),
	}
}

// Add appends an entry, evicting the oldest when the ring is full.
func (h *History) Add(role, text, taskID string) {
	e := TranscriptEntry{Role: role, Text: text, TaskID: taskID, Time: time.Now()}

	h.mu.Lock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
	db := h.db
	h.mu.Unlock()

	if db != nil {
		_, err := db.Exec(
			`INSERT INTO transcript_entries (task_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			taskID, role, text, e.Time.Format(time.RFC3339),
		)
		if err != nil {
			h.logger.Warn("failed to persist transcript entry", "error", err)
		}
	}
}

// Recent returns the last n entries, oldest first. n <= 0 returns all
// in-memory entries.
func (h *History) Recent(n int) []TranscriptEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]TranscriptEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len reports the number of in-memory entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// LoadFromDB restores the most recent persisted entries into the ring.
// Called once at startup, before any Add.
func (h *History) LoadFromDB() {
	if h.db == nil {
		return
	}
	rows, err := h.db.Query(`
		SELECT task_id, role, content, created_at
		FROM (
			SELECT id, task_id, role, content, created_at
			FROM transcript_entries ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, h.limit,
	)
	if err != nil {
		h.logger.Warn("failed to load transcript", "error", err)
		return
	}
	defer rows.Close()

	var loaded []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var created string
		if err := rows.Scan(&e.TaskID, &e.Role, &e.Text, &created); err != nil {
			continue
		}
		e.Time = parseTime(created)
		loaded = append(loaded, e)
	}

	h.mu.Lock()
	h.entries = loaded
	h.mu.Unlock()
}
