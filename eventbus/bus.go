// Package eventbus provides process-wide, in-order publication of domain
// events to registered handlers.
//
// Publish places the event on an unbounded internal queue; a single worker
// iterates handlers in registration order and runs each to completion
// before the next event is processed, so ordering is preserved. Handlers
// published from within a handler are queued, never run reentrantly.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// Handler consumes one event. Handlers must not block on bus operations
// other than Publish.
type Handler func(model.Event)

type subscription struct {
	id      int
	names   map[model.EventName]bool // nil matches every event
	handler Handler
}

// Bus is the process-wide event bus.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.Event
	subs   []subscription
	nextID int

	started bool
	stopped bool
	done    chan struct{}

	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger: logger.With("component", "eventbus"),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the worker strand.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.ErrAlreadyStarted
	}
	b.started = true
	go b.run()
	return nil
}

// Stop drains nothing further; queued events published before Stop are
// still delivered, then the worker exits.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return errors.ErrNotStarted
	}
	b.stopped = true
	b.cond.Signal()
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Bus", "Stop", "await worker drain")
	}
}

// Publish enqueues an event for delivery. Safe to call from handlers.
func (b *Bus) Publish(event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, event)
	b.cond.Signal()
	b.mu.Unlock()
}

// Subscribe registers a handler for every event. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(handler Handler) func() {
	return b.subscribe(nil, handler)
}

// SubscribeNames registers a handler for the named events only.
func (b *Bus) SubscribeNames(handler Handler, names ...model.EventName) func() {
	set := make(map[model.EventName]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return b.subscribe(set, handler)
}

func (b *Bus) subscribe(names map[model.EventName]bool, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, names: names, handler: handler})
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// run is the single worker strand.
func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.stopped {
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		// Snapshot the handler list so subscriptions added mid-delivery
		// take effect from the next event.
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			if s.names != nil && !s.names[event.Name] {
				continue
			}
			b.deliver(s, event)
		}
	}
}

// deliver runs one handler, containing panics so a broken handler cannot
// stall the strand.
func (b *Bus) deliver(s subscription, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Name), "panic", r)
		}
	}()
	s.handler(event)
}
