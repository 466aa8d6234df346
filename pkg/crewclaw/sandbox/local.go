// Package sandbox – local.go implements the "local" sandbox kind: shell
// execution on the daemon host scoped to a per-task temp directory.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Local executes commands via /bin/sh on the daemon host.
type Local struct {
	taskID   string
	workDir  string
	tempDir  string
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
	disposed atomic.Bool
}

func newLocal(_ context.Context, taskID string, cfg Config, logger *slog.Logger) (Sandbox, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve work dir: %w", err)
		}
		workDir = wd
	}

	tempDir, err := os.MkdirTemp("", "crewclaw-task-"+taskID+"-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return &Local{
		taskID:   taskID,
		workDir:  workDir,
		tempDir:  tempDir,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxOutputBytes,
		logger:   logger,
	}, nil
}

// Kind returns "local".
func (l *Local) Kind() string { return "local" }

// Exec runs a command through /bin/sh -c in the work directory.
func (l *Local) Exec(ctx context.Context, command string) (ExecResult, error) {
	if l.disposed.Load() {
		return ExecResult{}, fmt.Errorf("sandbox for task %s is disposed", l.taskID)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), "TMPDIR="+l.tempDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{w: &stdout, n: l.maxBytes}
	cmd.Stderr = &limitWriter{w: &stderr, n: l.maxBytes}

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// Dispose removes the per-task temp directory. Idempotent.
func (l *Local) Dispose(_ context.Context) error {
	if !l.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.RemoveAll(l.tempDir); err != nil {
		l.logger.Warn("failed to remove sandbox temp dir",
			"task", l.taskID, "dir", l.tempDir, "error", err)
	}
	l.logger.Debug("local sandbox disposed", "task", l.taskID)
	return nil
}

// TempDir returns the writable per-task scratch directory.
func (l *Local) TempDir() string { return filepath.Clean(l.tempDir) }

// limitWriter caps the bytes written to w; excess is discarded.
type limitWriter struct {
	w io.Writer
	n int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.n <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > lw.n {
		if _, err := lw.w.Write(p[:lw.n]); err != nil {
			return 0, err
		}
		lw.n = 0
		return len(p), nil
	}
	lw.n -= int64(len(p))
	return lw.w.Write(p)
}
