// Package orchestrator – chatlock.go implements the fair mutex that
// serializes streaming turns against the parent agent. User messages and
// result injections both take this lock, so at most one conversation turn is
// in flight at any moment and waiters run in arrival order.
package orchestrator

import (
	"context"
	"sync"
)

// ChatLock is a FIFO-fair mutex. Release hands the lock directly to the
// oldest waiter instead of unlocking and letting goroutines race, so a
// caller that parked while the lock was held always runs before a caller
// that arrived after the release.
//
// A plain sync.Mutex does not give this guarantee: its unlock wakes an
// arbitrary waiter and a fresh caller can barge in front.
type ChatLock struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// NewChatLock creates an unlocked ChatLock.
func NewChatLock() *ChatLock {
	return &ChatLock{}
}

// Acquire takes the lock, parking in the FIFO waiter queue if it is held.
// Returns ctx.Err() if the context is cancelled while waiting; in that case
// the caller does not hold the lock.
func (l *ChatLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}

	ticket := make(chan struct{})
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ticket {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The handoff fired concurrently with the cancellation: ownership
		// already passed to this ticket, so pass it on before reporting.
		l.Release()
		return ctx.Err()
	}
}

// Release frees the lock. If waiters are queued, ownership transfers to the
// head waiter in the same step: the lock never observably unlocks, so callers
// arriving during the handoff queue behind the woken waiter.
func (l *ChatLock) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(next)
		return
	}
	l.locked = false
	l.mu.Unlock()
}

// Locked reports whether the lock is currently held.
func (l *ChatLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Waiting reports the number of parked waiters.
func (l *ChatLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
