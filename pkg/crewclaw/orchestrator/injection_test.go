package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitDrained(t *testing.T, q *InjectionQueue) {
	t.Helper()
	for {
		ch := q.Drained()
		if ch == nil {
			return
		}
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("queue never drained")
		}
	}
}

func TestInjectionFIFO(t *testing.T) {
	t.Parallel()

	parent := &parentRecorder{}
	q := NewInjectionQueue(NewChatLock(), NewEventBus(nil), nil)
	q.SetParentAgent(parent)

	for i := 0; i < 5; i++ {
		q.Enqueue(InjectionItem{
			Message: fmt.Sprintf("result %d", i),
			TaskID:  fmt.Sprintf("t%d", i),
			Type:    InjectTaskResult,
		})
	}
	waitDrained(t, q)

	got := parent.received()
	if len(got) != 5 {
		t.Fatalf("parent received %d messages, want 5", len(got))
	}
	for i, m := range got {
		if m != fmt.Sprintf("result %d", i) {
			t.Fatalf("message %d = %q, injections must drain in order", i, m)
		}
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d after drain", q.Pending())
	}
}

func TestInjectionHoldsChatLock(t *testing.T) {
	t.Parallel()

	lock := NewChatLock()
	parent := &parentRecorder{}
	q := NewInjectionQueue(lock, NewEventBus(nil), nil)
	q.SetParentAgent(parent)

	// Hold the lock; the injection must wait for the release.
	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	q.Enqueue(InjectionItem{Message: "blocked result", TaskID: "t1", Type: InjectTaskResult})
	time.Sleep(30 * time.Millisecond)
	if len(parent.received()) != 0 {
		t.Fatal("injection ran while the chat lock was held by a user turn")
	}

	lock.Release()
	waitDrained(t, q)
	if len(parent.received()) != 1 {
		t.Fatalf("parent received %d messages after release, want 1", len(parent.received()))
	}
}

func TestInjectionPublishesStreamEvents(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	frames, unsub := bus.Subscribe()
	defer unsub()

	parent := &parentRecorder{}
	q := NewInjectionQueue(NewChatLock(), bus, nil)
	q.SetParentAgent(parent)

	q.Enqueue(InjectionItem{Message: "done", TaskID: "t1", Type: InjectTaskResult})
	waitDrained(t, q)

	types := map[string]bool{}
	for {
		select {
		case frame := <-frames:
			var ev struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(frame, &ev) == nil {
				types[ev.Type] = true
			}
		default:
			for _, want := range []string{EventOrchestratorStart, EventOrchestratorText, EventOrchestratorDone} {
				if !types[want] {
					t.Errorf("missing %s frame on the bus (got %v)", want, types)
				}
			}
			return
		}
	}
}

func TestInjectionAssistantTextHandler(t *testing.T) {
	t.Parallel()

	parent := &parentRecorder{}
	q := NewInjectionQueue(NewChatLock(), NewEventBus(nil), nil)
	q.SetParentAgent(parent)

	var mu sync.Mutex
	var gotTask, gotText string
	q.SetAssistantTextHandler(func(taskID, text string) {
		mu.Lock()
		gotTask, gotText = taskID, text
		mu.Unlock()
	})

	q.Enqueue(InjectionItem{Message: "done", TaskID: "t1", Type: InjectTaskResult})
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	if gotTask != "t1" {
		t.Errorf("handler task = %q, want t1", gotTask)
	}
	// parentRecorder streams a single "noted" chunk.
	if gotText != "noted" {
		t.Errorf("handler text = %q, want the parent's full reaction", gotText)
	}
}

func TestInjectionWithoutParentDropsItem(t *testing.T) {
	t.Parallel()

	q := NewInjectionQueue(NewChatLock(), NewEventBus(nil), nil)
	q.Enqueue(InjectionItem{Message: "orphan", TaskID: "t1", Type: InjectTaskResult})
	waitDrained(t, q)

	if q.Pending() != 0 {
		t.Errorf("Pending = %d, item without a parent must be dropped", q.Pending())
	}
}
