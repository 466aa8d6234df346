// Package orchestrator – store.go mirrors task records into SQLite so the
// task history survives restarts. The in-memory records in the runner stay
// authoritative for the process lifetime; the mirror serves restart
// recovery and the retention policy.
package orchestrator

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// TaskStore persists task records.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskStore wraps an open database. The bg_tasks table must exist
// (database.Migrator creates it).
func NewTaskStore(db *sql.DB, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{db: db, logger: logger.With("component", "task-store")}
}

// Save inserts or updates one task record.
func (s *TaskStore) Save(t *Task) error {
	skills, _ := json.Marshal(t.Skills)
	redoHistory, _ := json.Marshal(t.RedoHistory)

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO bg_tasks
			(id, description, agent_template, prompt, model, skills, status, priority,
			 result, error, cancel_reason, origin_task_id, sandbox_kind, preview_url,
			 retry_count, redo_history, tool_calls, steps, total_tokens,
			 created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, t.TemplateID, t.Prompt, t.Model, string(skills),
		string(t.Status), string(t.Priority),
		t.Result, t.Error, t.CancelReason, t.OriginTaskID, t.SandboxKind, t.SandboxURL,
		t.RetryCount, string(redoHistory),
		t.Usage.ToolCalls, t.Usage.Steps, t.Usage.TotalTokens,
		t.CreatedAt.Format(time.RFC3339), formatTime(t.StartTime), formatTime(t.CompletedAt),
		time.Now().Format(time.RFC3339),
	)
	return err
}

// LoadRecent returns task records created within the last N days, newest
// first. Used at startup to rebuild readable history.
func (s *TaskStore) LoadRecent(days int) ([]*Task, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, description, agent_template, prompt, model, skills, status, priority,
		       result, error, cancel_reason, origin_task_id, sandbox_kind, preview_url,
		       retry_count, redo_history, tool_calls, steps, total_tokens,
		       created_at, started_at, completed_at
		FROM bg_tasks
		WHERE created_at > ?
		ORDER BY created_at DESC
		LIMIT 200`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var skills, redoHistory, status, priority, createdAt, startedAt, completedAt string
		if err := rows.Scan(&t.ID, &t.Description, &t.TemplateID, &t.Prompt, &t.Model,
			&skills, &status, &priority,
			&t.Result, &t.Error, &t.CancelReason, &t.OriginTaskID, &t.SandboxKind, &t.SandboxURL,
			&t.RetryCount, &redoHistory,
			&t.Usage.ToolCalls, &t.Usage.Steps, &t.Usage.TotalTokens,
			&createdAt, &startedAt, &completedAt,
		); err != nil {
			s.logger.Warn("skipping unreadable task row", "error", err)
			continue
		}
		t.Status = TaskStatus(status)
		t.Priority = TaskPriority(priority)
		_ = json.Unmarshal([]byte(skills), &t.Skills)
		_ = json.Unmarshal([]byte(redoHistory), &t.RedoHistory)
		t.CreatedAt = parseTime(createdAt)
		t.StartTime = parseTime(startedAt)
		t.CompletedAt = parseTime(completedAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// CleanupStaleRunning marks rows left in queued/running by a previous crash
// as failed. Called at startup: an interrupted task cannot be recovered, so
// the history shows an honest status.
func (s *TaskStore) CleanupStaleRunning() int {
	result, err := s.db.Exec(`
		UPDATE bg_tasks
		SET status = 'failed', error = 'interrupted by process restart', updated_at = ?
		WHERE status IN ('queued', 'running')`, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn("failed to clean up stale task rows", "error", err)
		return 0
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("marked stale task rows failed", "count", affected)
	}
	return int(affected)
}

// Prune deletes terminal rows older than the retention window.
func (s *TaskStore) Prune(days int) int {
	if days <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.RFC3339)
	result, err := s.db.Exec(
		`DELETE FROM bg_tasks WHERE created_at < ? AND status NOT IN ('queued', 'running')`, cutoff,
	)
	if err != nil {
		s.logger.Warn("failed to prune old task rows", "error", err)
		return 0
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("pruned old task rows", "deleted", affected, "cutoff_days", days)
	}
	return int(affected)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
