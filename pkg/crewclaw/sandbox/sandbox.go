// Package sandbox provides the execution environments CrewClaw sub-agents
// run their shell work in.
//
// A sandbox is created per task, installed in the Registry before the
// sub-agent starts, and disposed when the last activity that used it ends
// (possibly after a keep-alive window when the task published a preview
// URL). Two kinds ship by default:
//
//   - local: commands run on the daemon host inside a scoped work
//     directory. Not isolated; shell commands go through the
//     safe-command policy or human approval.
//   - ssh:   commands run on a remote host over SSH. Treated as isolated,
//     so tool permissions are auto-approved with an audit note.
//
// Additional kinds can be registered on the Factory.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sandbox is the minimal surface every execution environment provides.
// Dispose must be idempotent; implementations log and swallow cleanup
// failures internally where retrying cannot help.
type Sandbox interface {
	Kind() string
	Dispose(ctx context.Context) error
}

// Executor is implemented by sandboxes that can run shell commands.
type Executor interface {
	Exec(ctx context.Context, command string) (ExecResult, error)
}

// HostResolver is implemented by sandboxes that can expose an HTTP service
// on a routable address (used by the sandbox_preview tool).
type HostResolver interface {
	HostURL(ctx context.Context, port int) (string, error)
}

// ExecResult captures one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Config holds sandbox configuration.
type Config struct {
	// Kind selects the default sandbox implementation. Defaults to "local".
	Kind string `yaml:"kind"`

	// WorkDir is the directory local sandboxes execute in.
	// Defaults to the process working directory.
	WorkDir string `yaml:"work_dir"`

	// Timeout is the maximum duration of a single Exec. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes limits captured stdout+stderr. Defaults to 1MB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// SSH configures the "ssh" kind.
	SSH SSHConfig `yaml:"ssh"`

	// Policy extends the safe-command policy lists.
	Policy PolicyConfig `yaml:"policy"`
}

// SSHConfig holds connection settings for the remote sandbox kind.
type SSHConfig struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`

	// Port defaults to 22.
	Port int `yaml:"port"`

	// KeyPath is the private key used for authentication.
	KeyPath string `yaml:"key_path"`

	// KnownHostsPath enables host key verification when set. When empty
	// the host key is not verified and a warning is logged on connect.
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Kind:           "local",
		Timeout:        60 * time.Second,
		MaxOutputBytes: 1 << 20,
		SSH:            SSHConfig{Port: 22},
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.Kind == "" {
		out.Kind = "local"
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = 1 << 20
	}
	if out.SSH.Port == 0 {
		out.SSH.Port = 22
	}
	return out
}

// Builder constructs a sandbox of one kind for one task.
type Builder func(ctx context.Context, taskID string, cfg Config, logger *slog.Logger) (Sandbox, error)

// Factory creates sandboxes by kind and knows which kinds are isolated.
type Factory struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	builders map[string]Builder
	isolated map[string]bool
}

// NewFactory creates a Factory with the built-in kinds registered.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:      cfg.Effective(),
		logger:   logger.With("component", "sandbox"),
		builders: make(map[string]Builder),
		isolated: make(map[string]bool),
	}
	f.Register("local", false, newLocal)
	f.Register("ssh", true, newSSH)
	return f
}

// Register adds a sandbox kind. Isolated kinds auto-approve tool
// permissions in the orchestrator's permission bridge.
func (f *Factory) Register(kind string, isolated bool, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
	f.isolated[kind] = isolated
}

// Create builds a sandbox of the configured default kind for a task.
func (f *Factory) Create(ctx context.Context, taskID string) (Sandbox, error) {
	return f.CreateKind(ctx, f.cfg.Kind, taskID)
}

// CreateKind builds a sandbox of an explicit kind for a task.
func (f *Factory) CreateKind(ctx context.Context, kind, taskID string) (Sandbox, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sandbox kind %q", kind)
	}

	sb, err := b(ctx, taskID, f.cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s sandbox: %w", kind, err)
	}
	f.logger.Debug("sandbox created", "kind", kind, "task", taskID)
	return sb, nil
}

// Isolated reports whether a kind runs in an isolated environment.
func (f *Factory) Isolated(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isolated[kind]
}
