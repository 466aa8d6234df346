package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
)

// completionStep scripts one Complete call of a fakeAgent. A non-nil gate
// blocks the call until the gate closes or the agent is interrupted, in which
// case the call returns paused.
type completionStep struct {
	gate chan struct{}
	res  agent.CompletionResult
	err  error
}

// fakeAgent is a scriptable agent.Agent for runner tests.
type fakeAgent struct {
	mu          sync.Mutex
	script      []completionStep
	step        int
	inputs      []string
	interrupts  []string
	interrupted chan struct{}
	monitors    map[int]chan agent.MonitorEvent
	nextMonitor int
}

func newFakeAgent(script ...completionStep) *fakeAgent {
	return &fakeAgent{
		script:      script,
		interrupted: make(chan struct{}),
		monitors:    make(map[int]chan agent.MonitorEvent),
	}
}

func (a *fakeAgent) Complete(ctx context.Context, input string) (agent.CompletionResult, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	var step completionStep
	if a.step < len(a.script) {
		step = a.script[a.step]
		a.step++
	} else {
		step = completionStep{res: agent.CompletionResult{Status: agent.CompletionOK, Text: "done"}}
	}
	interrupted := a.interrupted
	a.mu.Unlock()

	if step.gate != nil {
		select {
		case <-step.gate:
		case <-interrupted:
			return agent.CompletionResult{Status: agent.CompletionPaused}, nil
		case <-ctx.Done():
			return agent.CompletionResult{}, ctx.Err()
		}
	}
	return step.res, step.err
}

func (a *fakeAgent) ChatStream(ctx context.Context, input string) (<-chan agent.Event, error) {
	ch := make(chan agent.Event, 2)
	ch <- agent.Event{Type: agent.EventTextChunk, Delta: "ok"}
	ch <- agent.Event{Type: agent.EventDone}
	close(ch)
	return ch, nil
}

func (a *fakeAgent) Interrupt(note string) {
	a.mu.Lock()
	a.interrupts = append(a.interrupts, note)
	select {
	case <-a.interrupted:
	default:
		close(a.interrupted)
	}
	// Arm a fresh signal so a later turn can be interrupted again.
	a.interrupted = make(chan struct{})
	a.mu.Unlock()
}

func (a *fakeAgent) Monitor() (<-chan agent.MonitorEvent, func()) {
	a.mu.Lock()
	id := a.nextMonitor
	a.nextMonitor++
	ch := make(chan agent.MonitorEvent, 32)
	a.monitors[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.monitors, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// emit delivers one monitor event to every live subscription.
func (a *fakeAgent) emit(ev agent.MonitorEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.monitors {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (a *fakeAgent) inputAt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.inputs) {
		return ""
	}
	return a.inputs[i]
}

// fakeFactory hands out scripted agents and records creation order by task id.
type fakeFactory struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*fakeAgent

	// build supplies the agent for a spec; nil means an unscripted agent.
	build func(spec agent.Spec) *fakeAgent
}

func newFakeFactory(build func(spec agent.Spec) *fakeAgent) *fakeFactory {
	return &fakeFactory{byID: make(map[string]*fakeAgent), build: build}
}

func (f *fakeFactory) NewAgent(ctx context.Context, spec agent.Spec) (agent.Agent, error) {
	f.mu.Lock()
	build := f.build
	f.mu.Unlock()

	var a *fakeAgent
	if build != nil {
		a = build(spec)
	} else {
		a = newFakeAgent()
	}
	f.mu.Lock()
	f.order = append(f.order, spec.TaskID)
	f.byID[spec.TaskID] = a
	f.mu.Unlock()
	return a, nil
}

func (f *fakeFactory) created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeFactory) agentFor(taskID string) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[taskID]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// parentRecorder is a minimal parent agent that records every injected
// message and streams a fixed short reaction.
type parentRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (p *parentRecorder) Complete(ctx context.Context, input string) (agent.CompletionResult, error) {
	return agent.CompletionResult{Status: agent.CompletionOK, Text: "ok"}, nil
}

func (p *parentRecorder) ChatStream(ctx context.Context, input string) (<-chan agent.Event, error) {
	p.mu.Lock()
	p.messages = append(p.messages, input)
	p.mu.Unlock()

	ch := make(chan agent.Event, 2)
	ch <- agent.Event{Type: agent.EventTextChunk, Delta: "noted"}
	ch <- agent.Event{Type: agent.EventDone}
	close(ch)
	return ch, nil
}

func (p *parentRecorder) Interrupt(note string) {}

func (p *parentRecorder) Monitor() (<-chan agent.MonitorEvent, func()) {
	ch := make(chan agent.MonitorEvent)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (p *parentRecorder) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

// waitForInjection blocks until the parent received a message containing
// substr.
func waitForInjection(t *testing.T, p *parentRecorder, substr string) string {
	t.Helper()
	var found string
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range p.received() {
			if strings.Contains(m, substr) {
				found = m
				return true
			}
		}
		return false
	}, "parent never received a message containing "+substr)
	return found
}
