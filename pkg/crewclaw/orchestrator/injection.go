// Package orchestrator – injection.go feeds sub-task results back into the
// parent agent's streaming conversation. Items drain strictly FIFO, one at a
// time, each under the chat lock, so injections serialize against each other
// and against user-initiated turns.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/agent"
)

// InjectionQueue serializes synthetic messages into the parent conversation.
type InjectionQueue struct {
	lock   *ChatLock
	bus    *EventBus
	logger *slog.Logger

	// onAssistantText records the parent's reaction into the transcript.
	// Optional.
	onAssistantText func(taskID, text string)

	mu         sync.Mutex
	parent     agent.Agent
	items      []InjectionItem
	processing bool
	idle       chan struct{} // closed when the processor goes idle; for tests
}

// NewInjectionQueue creates an empty queue. The parent agent is attached
// later via SetParentAgent to break the construction cycle with the runner.
func NewInjectionQueue(lock *ChatLock, bus *EventBus, logger *slog.Logger) *InjectionQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &InjectionQueue{
		lock:   lock,
		bus:    bus,
		logger: logger.With("component", "injection-queue"),
	}
}

// SetParentAgent wires the orchestrator agent the queue injects into.
func (q *InjectionQueue) SetParentAgent(parent agent.Agent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parent = parent
}

// SetAssistantTextHandler registers a callback invoked with the parent's
// full text reaction to each injection.
func (q *InjectionQueue) SetAssistantTextHandler(fn func(taskID, text string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAssistantText = fn
}

// Enqueue appends an item and kicks the processor when it is not already
// draining. Never blocks.
func (q *InjectionQueue) Enqueue(item InjectionItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.idle = make(chan struct{})
	q.mu.Unlock()

	go q.process()
}

// Pending reports the number of queued items, including the one in flight.
func (q *InjectionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained returns a channel closed when the processor goes idle, or nil when
// it already is.
func (q *InjectionQueue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.processing {
		return nil
	}
	return q.idle
}

// process drains the queue one item at a time. Each injection holds the chat
// lock for its full stream, so injections never interleave with each other
// or with user turns. Errors are logged; they never affect the originating
// task's status.
func (q *InjectionQueue) process() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		parent := q.parent
		q.mu.Unlock()

		if parent == nil {
			q.logger.Warn("dropping injection: no parent agent wired", "task_id", item.TaskID, "type", item.Type)
			continue
		}

		if err := q.lock.Acquire(context.Background()); err != nil {
			q.logger.Error("injection lock acquire failed", "error", err)
			continue
		}
		if err := q.injectAndStream(parent, item); err != nil {
			q.logger.Error("injection failed", "task_id", item.TaskID, "type", item.Type, "error", err)
		}
		q.lock.Release()
	}
}

// injectAndStream runs one injection turn against the parent agent,
// forwarding its stream to the SSE bus.
func (q *InjectionQueue) injectAndStream(parent agent.Agent, item InjectionItem) error {
	q.bus.Publish(Event{Type: EventOrchestratorStart, Data: map[string]any{
		"task_id": item.TaskID,
		"reason":  string(item.Type),
	}})

	stream, err := parent.ChatStream(context.Background(), item.Message)
	if err != nil {
		q.bus.Publish(Event{Type: EventError, Data: map[string]any{
			"task_id": item.TaskID,
			"error":   err.Error(),
		}})
		return err
	}

	var text string
	for ev := range stream {
		switch ev.Type {
		case agent.EventTextChunk:
			text += ev.Delta
			q.bus.Publish(Event{Type: EventOrchestratorText, Data: map[string]any{
				"task_id": item.TaskID,
				"delta":   ev.Delta,
			}})
		case agent.EventThinkChunk:
			q.bus.Publish(Event{Type: EventThinking, Data: map[string]any{"delta": ev.Delta}})
		case agent.EventToolStart:
			q.bus.Publish(Event{Type: EventToolStart, Data: ev.Call})
		case agent.EventToolEnd:
			q.bus.Publish(Event{Type: EventToolEnd, Data: ev.Call})
		case agent.EventToolError:
			q.bus.Publish(Event{Type: EventToolError, Data: map[string]any{
				"call":  ev.Call,
				"error": ev.Err,
			}})
		}
	}

	q.mu.Lock()
	onText := q.onAssistantText
	q.mu.Unlock()
	if onText != nil && text != "" {
		onText(item.TaskID, text)
	}

	q.bus.Publish(Event{Type: EventOrchestratorDone, Data: map[string]any{
		"task_id": item.TaskID,
		"reason":  string(item.Type),
	}})
	return nil
}
