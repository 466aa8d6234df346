// Package webui exposes the CrewClaw orchestrator over HTTP: a JSON API for
// chat, commands, approvals and task snapshots, plus a Server-Sent Events
// firehose mirroring everything the daemon does.
//
// Authentication is a single bearer token compared in constant time. SSE
// clients pass it as a query parameter since EventSource cannot set headers.
package webui

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Config holds web API configuration.
type Config struct {
	// Enabled turns the HTTP server on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8787").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for authentication (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns the web API defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Address: ":8787",
	}
}

// Orchestrator is the surface the HTTP boundary drives. Defined here so the
// webui package has no dependency on the orchestration core.
type Orchestrator interface {
	// UserTurn runs one streaming chat turn; emit receives every stream event.
	UserTurn(ctx context.Context, text string, emit func(eventType string, data any)) error

	// Command executes a slash command and returns its textual response.
	Command(content string) (string, error)

	// Events subscribes to the serialized event firehose.
	Events() (<-chan []byte, func())

	// Snapshots.
	Status() any
	Tasks() any
	HistoryEntries(n int) any

	// Approve resolves a pending tool approval.
	Approve(permissionID, decision, note string) bool

	// DisposeSandbox releases a task's kept-alive sandbox.
	DisposeSandbox(taskID string) bool
}

// Server is the CrewClaw HTTP server.
type Server struct {
	cfg    Config
	orch   Orchestrator
	logger *slog.Logger
	server *http.Server
}

// New creates a server. Call Start to begin listening.
func New(cfg Config, orch Orchestrator, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		orch:   orch,
		logger: logger.With("component", "webui"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Health is public so load balancers can probe without credentials.
	mux.HandleFunc("/api/health", s.handleHealth)

	mux.HandleFunc("/api/chat", s.authMiddleware(s.handleChat))
	mux.HandleFunc("/api/command", s.authMiddleware(s.handleCommand))
	mux.HandleFunc("/api/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("/api/bg-tasks", s.authMiddleware(s.handleTasks))
	mux.HandleFunc("/api/approval", s.authMiddleware(s.handleApproval))
	mux.HandleFunc("/api/sandbox/dispose", s.authMiddleware(s.handleSandboxDispose))

	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streams (long-lived connections)
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("web API starting", "address", s.cfg.Address, "auth", s.cfg.AuthToken != "")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web API server error", "error", err)
		}
	}()
	_ = ctx
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.logger.Info("web API stopped")
	}
}

// authMiddleware validates the bearer token when one is configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		if !compareTokens(extractToken(r), s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}
