// Package scheduler dispatches background tasks on a schedule. Uses
// robfig/cron for cron expression parsing and execution, with SQLite-based
// persistence so jobs survive restarts.
//
// Three schedule types:
//   - cron:  recurring, standard 5-field expression or @descriptor
//   - every: recurring interval ("5m", "@every 5m")
//   - at:    one-shot, fired once at an absolute or relative time
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds scheduler configuration.
type Config struct {
	// Enabled turns scheduled dispatch on/off.
	Enabled bool `yaml:"enabled"`

	// TimeoutSeconds is the default per-job execution timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Job is one scheduled task dispatch.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id" yaml:"id"`

	// Schedule is the cron expression, interval or one-shot time.
	Schedule string `json:"schedule" yaml:"schedule"`

	// Type is the schedule type: "cron", "every" or "at".
	Type string `json:"type" yaml:"type"`

	// TemplateID names the sub-agent role the task runs as.
	TemplateID string `json:"template_id" yaml:"template_id"`

	// Prompt is the task prompt dispatched on each fire.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Description is the human label carried onto dispatched tasks.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Priority is the dispatch priority (high, normal, low).
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Enabled indicates if the job is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TimeoutSeconds overrides the scheduler's default job timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// CreatedBy records who created the job.
	CreatedBy string `json:"created_by,omitempty" yaml:"created_by,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// LastRunAt is the last execution timestamp.
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`

	// LastError contains the error from the last run, if any.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// RunCount tracks how many times the job has fired.
	RunCount int `json:"run_count" yaml:"run_count"`
}

// ToJSON serializes a job for tool and command output.
func (j *Job) ToJSON() string {
	b, _ := json.MarshalIndent(j, "", "  ")
	return string(b)
}

// JobHandler is called when a job fires. It dispatches the job's prompt and
// returns a short result summary or an error.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// JobStorage defines the persistence interface for jobs.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Scheduler manages scheduled task dispatch.
type Scheduler struct {
	cfg     Config
	storage JobStorage
	handler JobHandler
	logger  *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	cronIDs map[string]cron.EntryID

	// running tracks in-flight jobs so a cron fire that overlaps the
	// previous run is skipped instead of doubled.
	running map[string]bool

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. The handler dispatches fired jobs; storage is
// optional.
func New(cfg Config, storage JobStorage, handler JobHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &Scheduler{
		cfg:     cfg,
		storage: storage,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*Job),
		cronIDs: make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}
}

// Start initializes the cron runtime and loads persisted jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if s.storage != nil {
		jobs, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("failed to load jobs", "error", err)
		} else {
			s.mu.Lock()
			for _, job := range jobs {
				s.jobs[job.ID] = job
				if job.Enabled {
					if err := s.scheduleJob(job); err != nil {
						s.logger.Warn("skipping job with invalid schedule",
							"id", job.ID, "schedule", job.Schedule, "error", err)
					}
				}
			}
			s.mu.Unlock()
			s.logger.Info("jobs loaded from storage", "count", len(jobs))
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.Len(), "cron_entries", len(s.cron.Entries()))
	return nil
}

// Stop gracefully shuts the scheduler down, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// Add registers a new job. Natural-language schedules are compiled first;
// anything unrecognized passes through to the cron parser.
func (s *Scheduler) Add(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job schedule is required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return fmt.Errorf("job prompt is required")
	}

	if parsed, ok := ParseNaturalLanguage(job.Schedule); ok {
		job.Schedule = parsed.Schedule
		job.Type = parsed.Type
	}
	if job.Type == "" {
		job.Type = "cron"
	}
	if job.TemplateID == "" {
		job.TemplateID = "executor"
	}
	job.CreatedAt = time.Now()

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if s.cron != nil && job.Enabled {
		if err := s.scheduleJob(job); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Save(job); err != nil {
			s.logger.Error("failed to persist job", "id", job.ID, "error", err)
		}
	}

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule, "type", job.Type)
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	if _, exists := s.jobs[jobID]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", jobID)
	}
	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Delete(jobID); err != nil {
			s.logger.Error("failed to remove job from storage", "id", jobID, "error", err)
		}
	}

	s.logger.Info("job removed", "id", jobID)
	return nil
}

// Toggle enables or disables a job.
func (s *Scheduler) Toggle(jobID string, enabled bool) error {
	s.mu.Lock()
	job, exists := s.jobs[jobID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", jobID)
	}
	if job.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	job.Enabled = enabled

	if !enabled {
		if entryID, ok := s.cronIDs[jobID]; ok {
			s.cron.Remove(entryID)
			delete(s.cronIDs, jobID)
		}
	} else if s.cron != nil {
		if err := s.scheduleJob(job); err != nil {
			job.Enabled = false
			s.mu.Unlock()
			return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}
	s.mu.Unlock()

	if s.storage != nil {
		s.storage.Save(job)
	}
	return nil
}

// List returns all registered jobs.
func (s *Scheduler) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Get returns a job by ID.
func (s *Scheduler) Get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Len reports the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// ---------- Internal ----------

// scheduleJob registers a job with the cron runtime. Caller holds s.mu.
func (s *Scheduler) scheduleJob(job *Job) error {
	schedule := job.Schedule

	// One-shot jobs run on a plain timer, not cron.
	if job.Type == "at" {
		go s.runOneShot(job, schedule)
		return nil
	}

	if job.Type == "every" && schedule[0] != '@' {
		schedule = "@every " + schedule
	}

	entryID, err := s.cron.AddFunc(schedule, func() { s.executeJob(job) })
	if err != nil {
		return err
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

// runOneShot waits until the target time and fires the job once.
func (s *Scheduler) runOneShot(job *Job, timeStr string) {
	target, err := parseOneShotTime(timeStr)
	if err != nil {
		s.logger.Warn("invalid one-shot time", "id", job.ID, "time", timeStr, "error", err)
		return
	}

	delay := time.Until(target)
	if delay <= 0 {
		s.logger.Warn("one-shot time is in the past, executing immediately", "id", job.ID)
		if _, ok := s.Get(job.ID); ok {
			s.executeJob(job)
			s.Remove(job.ID)
		}
		return
	}

	s.logger.Info("one-shot job scheduled", "id", job.ID, "fires_at", target.Format(time.RFC3339))

	select {
	case <-time.After(delay):
		// The job may have been removed while waiting.
		if _, ok := s.Get(job.ID); !ok {
			return
		}
		s.executeJob(job)
		s.Remove(job.ID)
	case <-s.ctx.Done():
	}
}

// parseOneShotTime parses one-shot schedules: relative duration ("5m",
// "1h30m"), Unix epoch seconds, RFC3339, "2006-01-02 15:04", and "15:04"
// (today or tomorrow).
func parseOneShotTime(timeStr string) (time.Time, error) {
	now := time.Now()

	if d, err := time.ParseDuration(timeStr); err == nil && d > 0 {
		return now.Add(d), nil
	}

	if len(timeStr) >= 10 && isAllDigits(timeStr) {
		var epoch int64
		if _, err := fmt.Sscanf(timeStr, "%d", &epoch); err == nil {
			return time.Unix(epoch, 0), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("15:04", timeStr); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), 0, 0, now.Location())
		if target.Before(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", timeStr)
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// minJobInterval is the minimum time between consecutive executions of the
// same job. Guards against cron firing twice within the same second boundary.
const minJobInterval = 2 * time.Second

// executeJob fires one job through the handler. A per-job running flag skips
// overlapping fires, a spin-loop guard skips immediate refires, and panic
// recovery isolates a bad job from the rest of the schedule.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return
	}
	s.running[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.mu.Lock()
			job.LastError = fmt.Sprintf("panic: %v", r)
			_, stillExists := s.jobs[job.ID]
			s.mu.Unlock()
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
			if s.storage != nil && stillExists {
				s.storage.Save(job)
			}
		}
	}()

	// Stagger top-of-hour schedules so jobs sharing a schedule do not all
	// fire in the same instant.
	if stagger := resolveStagger(job); stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-s.ctx.Done():
			return
		}
	}

	s.logger.Info("executing scheduled job", "id", job.ID, "template", job.TemplateID)

	s.mu.Lock()
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	s.mu.Unlock()

	// Persist LastRunAt before running so a crash mid-execution does not
	// refire the job immediately on restart.
	if s.storage != nil {
		s.storage.Save(job)
	}

	if s.handler == nil {
		job.LastError = "no handler configured"
		return
	}

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := s.handler(ctx, job)

	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	_, stillExists := s.jobs[job.ID]
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Info("scheduled job dispatched", "id", job.ID, "result", result, "duration", time.Since(start))
	}

	if s.storage != nil && stillExists {
		s.storage.Save(job)
	}
}

// resolveStagger returns a deterministic per-job delay for top-of-hour
// recurring schedules, derived from the job ID hash, bounded by 5 minutes.
func resolveStagger(job *Job) time.Duration {
	if job.Type == "at" || !isTopOfHourSchedule(job.Schedule) {
		return 0
	}
	h := sha256.Sum256([]byte(job.ID))
	n := binary.BigEndian.Uint32(h[:4])
	max := 5 * time.Minute
	ms := int64(n) % max.Milliseconds()
	return time.Duration(ms) * time.Millisecond
}

// isTopOfHourSchedule detects schedules that fire at the top of the hour.
func isTopOfHourSchedule(schedule string) bool {
	s := strings.TrimSpace(strings.ToLower(schedule))
	switch s {
	case "@hourly", "@daily", "@weekly", "@monthly", "@yearly", "@annually":
		return true
	}
	fields := strings.Fields(s)
	return len(fields) >= 5 && fields[0] == "0"
}
