// Package orchestrator – bus.go implements the broadcast channel that fans
// typed events out to every connected SSE client. Delivery is best-effort:
// a slow subscriber drops events rather than blocking the publisher, and
// clients reconcile through the status snapshot endpoints.
package orchestrator

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event types carried on the bus.
const (
	EventText              = "text"
	EventThinking          = "thinking"
	EventToolStart         = "tool_start"
	EventToolEnd           = "tool_end"
	EventToolError         = "tool_error"
	EventApprovalNeeded    = "approval_needed"
	EventProgress          = "progress"
	EventPhase             = "phase"
	EventDone              = "done"
	EventError             = "error"
	EventOrchestratorStart = "orchestrator_start"
	EventOrchestratorText  = "orchestrator_text"
	EventOrchestratorDone  = "orchestrator_done"
)

// Event is the envelope serialized onto the SSE stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// EventBus broadcasts serialized events to all subscribers. Each event is
// marshaled exactly once; subscribers receive the shared frame bytes.
type EventBus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]chan []byte
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subs:   make(map[int64]chan []byte),
		logger: logger.With("component", "event-bus"),
	}
}

// Subscribe registers a new listener and returns its frame channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *EventBus) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish serializes the event once and delivers it to every live
// subscriber. Subscribers with a full buffer miss the event.
func (b *EventBus) Publish(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("dropping unserializable event", "type", ev.Type, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			b.logger.Debug("subscriber lagging, event dropped", "subscriber", id, "type", ev.Type)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
