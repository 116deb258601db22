package requests

import (
	"context"
	"sync"
	"time"
)

// waiter is a keyed one-shot notification primitive. Each request id gets a
// channel that is closed exactly once when the request reaches a terminal
// status; any number of callers may block on it.
type waiter struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
	done  map[string]bool
}

func newWaiter() *waiter {
	return &waiter{
		chans: make(map[string]chan struct{}),
		done:  make(map[string]bool),
	}
}

// channel returns the signal channel for id, creating it on first use. A
// request already signalled gets a closed channel.
func (w *waiter) channel(id string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.chans[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	if w.done[id] {
		close(ch)
	}
	w.chans[id] = ch
	return ch
}

// signal marks id terminal, waking all waiters. Idempotent.
func (w *waiter) signal(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done[id] {
		return
	}
	w.done[id] = true
	if ch, ok := w.chans[id]; ok {
		close(ch)
	}
}

// forget releases bookkeeping for id once no caller can still wait on it.
func (w *waiter) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.chans, id)
	delete(w.done, id)
}

// wait blocks according to the timeout contract: negative blocks until the
// request is terminal, zero returns immediately, positive blocks up to that
// duration. Returns true if the terminal signal arrived.
func (w *waiter) wait(ctx context.Context, id string, timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}

	ch := w.channel(id)
	if timeout < 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
