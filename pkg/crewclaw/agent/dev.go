// Package agent – dev.go implements the "dev" runtime: a deterministic
// offline stand-in used by `crewclaw serve` when no real runtime is
// configured. It echoes inputs, emits synthetic telemetry, and honors
// interrupts, which is enough to exercise the full orchestration path
// without network access or credentials.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DevFactory builds DevAgent instances.
type DevFactory struct {
	model  string
	logger *slog.Logger
}

// NewDevFactory creates a factory for the dev runtime.
func NewDevFactory(model string, logger *slog.Logger) *DevFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevFactory{model: model, logger: logger.With("component", "dev-agent")}
}

// NewAgent implements Factory.
func (f *DevFactory) NewAgent(_ context.Context, spec Spec) (Agent, error) {
	return &DevAgent{
		spec:   spec,
		logger: f.logger,
		subs:   make(map[int]chan MonitorEvent),
	}, nil
}

// DevAgent is a scripted agent: each Complete simulates a few working steps
// with telemetry, then answers with an echo of its input. Interrupt causes
// the in-flight turn to return a paused result.
type DevAgent struct {
	spec   Spec
	logger *slog.Logger

	mu          sync.Mutex
	subs        map[int]chan MonitorEvent
	nextSub     int
	interrupted bool
	tools       []ToolDefinition
}

// MountTools implements ToolMounter. The dev runtime records mounted tools so
// wiring can be inspected; it never invokes them on its own.
func (a *DevAgent) MountTools(tools []ToolDefinition) {
	a.mu.Lock()
	a.tools = append(a.tools, tools...)
	a.mu.Unlock()
}

// Complete simulates a short multi-step turn.
func (a *DevAgent) Complete(ctx context.Context, input string) (CompletionResult, error) {
	a.logger.Debug("dev turn started", "template", a.spec.TemplateID, "task", a.spec.TaskID)

	const steps = 3
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return CompletionResult{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}

		if a.takeInterrupt() {
			return CompletionResult{Status: CompletionPaused}, nil
		}

		a.emit(MonitorEvent{Type: MonitorToolExecuted, Call: &ToolCall{
			ID:   fmt.Sprintf("dev-%d", i),
			Name: "dev_step",
			Args: map[string]any{"step": i},
		}})
		a.emit(MonitorEvent{Type: MonitorStepComplete})
		a.emit(MonitorEvent{Type: MonitorTokenUsage, TotalTokens: 64})
	}

	return CompletionResult{Status: CompletionOK, Text: "completed: " + firstLine(input, 120)}, nil
}

// ChatStream emits an echo as a short chunk stream.
func (a *DevAgent) ChatStream(ctx context.Context, input string) (<-chan Event, error) {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		out <- Event{Type: EventTextChunkStart}
		for _, part := range chunked("echo: "+firstLine(input, 200), 32) {
			select {
			case <-ctx.Done():
				return
			case out <- Event{Type: EventTextChunk, Delta: part}:
			}
		}
		out <- Event{Type: EventDone}
	}()
	return out, nil
}

// Interrupt flags the current turn to pause at its next step boundary.
func (a *DevAgent) Interrupt(note string) {
	a.mu.Lock()
	a.interrupted = true
	a.mu.Unlock()
	a.logger.Debug("dev agent interrupted", "note", note)
}

// Monitor implements Agent.
func (a *DevAgent) Monitor() (<-chan MonitorEvent, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSub
	a.nextSub++
	ch := make(chan MonitorEvent, 16)
	a.subs[id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			a.mu.Lock()
			if c, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(c)
			}
			a.mu.Unlock()
		})
	}
	return ch, unsub
}

func (a *DevAgent) takeInterrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.interrupted {
		a.interrupted = false
		return true
	}
	return false
}

func (a *DevAgent) emit(ev MonitorEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func chunked(s string, size int) []string {
	var parts []string
	for len(s) > size {
		parts = append(parts, s[:size])
		s = s[size:]
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
