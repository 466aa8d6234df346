package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/database"
)

func newTestStorage(t *testing.T) *SQLiteJobStorage {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrator.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteJobStorage(db.DB)
}

func TestJobStorageRoundtrip(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	lastRun := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	job := &Job{
		ID:             "j1",
		Schedule:       "@every 30m",
		Type:           "every",
		TemplateID:     "reviewer",
		Prompt:         "review open PRs",
		Description:    "half-hourly review sweep",
		Priority:       "low",
		Enabled:        true,
		TimeoutSeconds: 120,
		CreatedBy:      "cli",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		LastRunAt:      &lastRun,
		LastError:      "previous dispatch refused",
		RunCount:       7,
	}
	if err := storage.Save(job); err != nil {
		t.Fatalf("save: %v", err)
	}

	jobs, err := storage.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("loaded %d jobs, want 1", len(jobs))
	}

	got := jobs[0]
	if got.ID != "j1" || got.Schedule != "@every 30m" || got.Type != "every" {
		t.Errorf("schedule fields wrong: %+v", got)
	}
	if got.TemplateID != "reviewer" || got.Prompt != "review open PRs" || got.Priority != "low" {
		t.Errorf("dispatch fields wrong: %+v", got)
	}
	if !got.Enabled || got.TimeoutSeconds != 120 || got.RunCount != 7 {
		t.Errorf("state fields wrong: %+v", got)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(lastRun) {
		t.Errorf("last_run_at = %v, want %v", got.LastRunAt, lastRun)
	}
	if got.LastError != "previous dispatch refused" {
		t.Errorf("last_error = %q", got.LastError)
	}
}

func TestJobStorageUpsertAndDelete(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	job := &Job{ID: "j1", Schedule: "@every 1h", Type: "every", Prompt: "x", CreatedAt: time.Now()}
	if err := storage.Save(job); err != nil {
		t.Fatalf("save: %v", err)
	}

	job.RunCount = 3
	job.Enabled = true
	if err := storage.Save(job); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, err := storage.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(jobs) != 1 || jobs[0].RunCount != 3 || !jobs[0].Enabled {
		t.Fatalf("upsert result wrong: %+v", jobs)
	}
	if jobs[0].LastRunAt != nil {
		t.Error("never-run job must load with a nil LastRunAt")
	}

	if err := storage.Delete("j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	jobs, _ = storage.LoadAll()
	if len(jobs) != 0 {
		t.Errorf("%d jobs after delete", len(jobs))
	}

	// Deleting an absent row is not an error.
	if err := storage.Delete("ghost"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}
