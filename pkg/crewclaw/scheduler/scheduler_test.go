package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStorage is an in-memory JobStorage for tests.
type memStorage struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStorage() *memStorage {
	return &memStorage{jobs: make(map[string]*Job)}
}

func (m *memStorage) Save(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStorage) LoadAll() ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		copied := *j
		out = append(out, &copied)
	}
	return out, nil
}

// fireCounter is a JobHandler that counts invocations.
type fireCounter struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireCounter) handle(ctx context.Context, job *Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, job.ID)
	return "dispatched", nil
}

func (f *fireCounter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestSchedulerAddValidation(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, nil, nil, nil)

	if err := s.Add(&Job{Schedule: "@every 1h", Prompt: "x"}); err == nil {
		t.Error("missing ID must be rejected")
	}
	if err := s.Add(&Job{ID: "j1", Prompt: "x"}); err == nil {
		t.Error("missing schedule must be rejected")
	}
	if err := s.Add(&Job{ID: "j1", Schedule: "@every 1h", Prompt: "  "}); err == nil {
		t.Error("blank prompt must be rejected")
	}
}

func TestSchedulerAddDefaultsAndNLP(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	s := New(Config{Enabled: true}, storage, nil, nil)

	job := &Job{ID: "j1", Schedule: "every 30 minutes", Prompt: "check CI", Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, ok := s.Get("j1")
	if !ok {
		t.Fatal("job not registered")
	}
	if got.Schedule != "@every 30m" || got.Type != "every" {
		t.Errorf("natural language not compiled: schedule=%q type=%q", got.Schedule, got.Type)
	}
	if got.TemplateID != "executor" {
		t.Errorf("TemplateID default = %q", got.TemplateID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt must be stamped")
	}

	storage.mu.Lock()
	_, persisted := storage.jobs["j1"]
	storage.mu.Unlock()
	if !persisted {
		t.Error("job must be persisted on add")
	}

	if err := s.Add(&Job{ID: "j1", Schedule: "@every 1h", Prompt: "dup"}); err == nil {
		t.Error("duplicate job ID must be rejected")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSchedulerAddInvalidCronAfterStart(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	err := s.Add(&Job{ID: "bad", Schedule: "not a schedule", Prompt: "x", Enabled: true})
	if err == nil {
		t.Fatal("invalid cron expression must be rejected once the runtime is up")
	}
	if !strings.Contains(err.Error(), "invalid schedule") {
		t.Errorf("error = %v", err)
	}
	if s.Len() != 0 {
		t.Error("rejected job must not be registered")
	}
}

func TestSchedulerRemove(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	s := New(Config{Enabled: true}, storage, nil, nil)

	if err := s.Add(&Job{ID: "j1", Schedule: "@every 1h", Prompt: "x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Remove("j1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Get("j1"); ok {
		t.Error("removed job still registered")
	}
	storage.mu.Lock()
	_, persisted := storage.jobs["j1"]
	storage.mu.Unlock()
	if persisted {
		t.Error("removed job still persisted")
	}

	if err := s.Remove("j1"); err == nil {
		t.Error("removing an unknown job must fail")
	}
}

func TestSchedulerToggle(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Add(&Job{ID: "j1", Schedule: "@every 1h", Prompt: "x", Enabled: true, Type: "every"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.Toggle("j1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	job, _ := s.Get("j1")
	if job.Enabled {
		t.Error("job must be disabled")
	}

	// Toggling to the current state is a no-op.
	if err := s.Toggle("j1", false); err != nil {
		t.Fatalf("repeat disable: %v", err)
	}

	if err := s.Toggle("j1", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	job, _ = s.Get("j1")
	if !job.Enabled {
		t.Error("job must be re-enabled")
	}

	if err := s.Toggle("missing", true); err == nil {
		t.Error("toggling an unknown job must fail")
	}
}

func TestSchedulerOneShotFires(t *testing.T) {
	t.Parallel()

	counter := &fireCounter{}
	storage := newMemStorage()
	s := New(Config{Enabled: true, TimeoutSeconds: 5}, storage, counter.handle, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Add(&Job{ID: "once", Schedule: "50ms", Type: "at", Prompt: "fire once", Enabled: true}); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for counter.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("one-shot job never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// One-shot jobs remove themselves after firing.
	for {
		if _, ok := s.Get("once"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("one-shot job not removed after firing")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if counter.count() != 1 {
		t.Errorf("one-shot fired %d times", counter.count())
	}
}

func TestSchedulerRecurringFires(t *testing.T) {
	t.Parallel()

	counter := &fireCounter{}
	s := New(Config{Enabled: true, TimeoutSeconds: 5}, nil, counter.handle, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Add(&Job{ID: "tick", Schedule: "@every 1s", Type: "every", Prompt: "tick", Enabled: true}); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for counter.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recurring job never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Quiesce before inspecting the job's bookkeeping.
	s.Stop()
	job, _ := s.Get("tick")
	if job.RunCount < 1 || job.LastRunAt == nil {
		t.Errorf("run bookkeeping missing: count=%d last=%v", job.RunCount, job.LastRunAt)
	}
}

func TestSchedulerSpinGuard(t *testing.T) {
	t.Parallel()

	counter := &fireCounter{}
	s := New(Config{Enabled: true, TimeoutSeconds: 5}, nil, counter.handle, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	job := &Job{ID: "j1", Schedule: "@every 1h", Type: "every", Prompt: "x", Enabled: false}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.executeJob(job)
	s.executeJob(job) // within minJobInterval of the first fire

	if counter.count() != 1 {
		t.Errorf("handler fired %d times, the refire guard must skip the second", counter.count())
	}
}

func TestSchedulerPanicRecovery(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, TimeoutSeconds: 5}, nil, func(ctx context.Context, job *Job) (string, error) {
		panic("handler exploded")
	}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	job := &Job{ID: "j1", Schedule: "@every 1h", Type: "every", Prompt: "x"}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.executeJob(job) // must not crash the test process

	got, _ := s.Get("j1")
	if !strings.Contains(got.LastError, "panic: handler exploded") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestSchedulerStartLoadsPersistedJobs(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	storage.Save(&Job{ID: "saved", Schedule: "@every 1h", Type: "every", Prompt: "x", Enabled: true})
	storage.Save(&Job{ID: "disabled", Schedule: "@every 1h", Type: "every", Prompt: "x", Enabled: false})

	s := New(Config{Enabled: true}, storage, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Get("saved"); !ok {
		t.Error("persisted job not loaded")
	}
}

func TestParseOneShotTime(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("relative duration", func(t *testing.T) {
		got, err := parseOneShotTime("30m")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		diff := got.Sub(now.Add(30 * time.Minute))
		if diff < -time.Second || diff > time.Second {
			t.Errorf("target off by %v", diff)
		}
	})

	t.Run("epoch seconds", func(t *testing.T) {
		got, err := parseOneShotTime("1700000000")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !got.Equal(time.Unix(1700000000, 0)) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseOneShotTime("2026-12-31T09:00:00Z")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Year() != 2026 || got.Hour() != 9 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("date and minutes", func(t *testing.T) {
		got, err := parseOneShotTime("2026-12-31 09:30")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Minute() != 30 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("wall clock rolls to tomorrow", func(t *testing.T) {
		got, err := parseOneShotTime("15:04")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Before(time.Now()) {
			t.Errorf("wall-clock target must be in the future, got %v", got)
		}
		if got.Hour() != 15 || got.Minute() != 4 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := parseOneShotTime("soonish"); err == nil {
			t.Error("unrecognized format must fail")
		}
	})
}

func TestIsTopOfHourSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"@hourly", true},
		{"@daily", true},
		{"@weekly", true},
		{"0 9 * * *", true},
		{"0 * * * *", true},
		{"30 9 * * *", false},
		{"@every 5m", false},
		{"*/5 * * * *", false},
	}
	for _, tt := range tests {
		if got := isTopOfHourSchedule(tt.in); got != tt.want {
			t.Errorf("isTopOfHourSchedule(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveStagger(t *testing.T) {
	t.Parallel()

	oneShot := &Job{ID: "a", Type: "at", Schedule: "@hourly"}
	if resolveStagger(oneShot) != 0 {
		t.Error("one-shot jobs must not be staggered")
	}

	offHour := &Job{ID: "a", Type: "cron", Schedule: "30 9 * * *"}
	if resolveStagger(offHour) != 0 {
		t.Error("off-hour schedules must not be staggered")
	}

	topOfHour := &Job{ID: "a", Type: "cron", Schedule: "@hourly"}
	first := resolveStagger(topOfHour)
	if first < 0 || first >= 5*time.Minute {
		t.Errorf("stagger out of bounds: %v", first)
	}
	if resolveStagger(topOfHour) != first {
		t.Error("stagger must be deterministic per job id")
	}

	other := &Job{ID: "b", Type: "cron", Schedule: "@hourly"}
	if resolveStagger(other) == first {
		t.Log("two ids hashed to the same stagger; unlikely but legal")
	}
}
