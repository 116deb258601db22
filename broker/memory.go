package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// queuedMessage is one message held by the in-memory gateway.
type queuedMessage struct {
	RequestID string
	Body      *model.Request
	Priority  int
	seq       int
}

// MemoryGateway implements Gateway entirely in process. It backs tests and
// single-node development deployments where no broker is available; a
// consumer callback per queue stands in for the plugin side.
type MemoryGateway struct {
	mu        sync.Mutex
	queues    map[string][]queuedMessage
	bindings  map[string][]string // admin routing key -> queue names
	consumers map[string]func(*model.Request)
	seq       int

	canceller Canceller
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		queues:    make(map[string][]queuedMessage),
		bindings:  make(map[string][]string),
		consumers: make(map[string]func(*model.Request)),
	}
}

// SetCanceller wires in the request processor used during drains.
func (g *MemoryGateway) SetCanceller(c Canceller) {
	g.mu.Lock()
	g.canceller = c
	g.mu.Unlock()
}

// Consume registers a consumer callback for a queue, simulating a plugin
// attached to it. Messages already queued are delivered immediately in
// priority order.
func (g *MemoryGateway) Consume(queueName string, handler func(*model.Request)) {
	g.mu.Lock()
	g.consumers[queueName] = handler
	pending := g.queues[queueName]
	g.queues[queueName] = nil
	g.mu.Unlock()

	for _, msg := range pending {
		handler(msg.Body)
	}
}

// EnsureRequestQueue creates the request queue for an instance.
func (g *MemoryGateway) EnsureRequestQueue(
	_ context.Context,
	system, version, instance string,
) (model.QueueDetails, error) {
	name := RequestQueueName(system, version, instance)
	g.mu.Lock()
	if _, ok := g.queues[name]; !ok {
		g.queues[name] = nil
	}
	g.bindings[name] = append(g.bindings[name][:0], name)
	g.mu.Unlock()
	return model.QueueDetails{Name: name, Args: map[string]any{"max_priority": 1}}, nil
}

// EnsureAdminQueue creates the admin queue for an instance with its three
// bindings.
func (g *MemoryGateway) EnsureAdminQueue(
	_ context.Context,
	system, version, instance string,
) (model.QueueDetails, error) {
	name := AdminQueueName(system, version, instance)
	keys := AdminBindingKeys(system, version, instance)
	g.mu.Lock()
	g.queues[name] = nil
	for _, key := range keys {
		g.bindings[key] = append(g.bindings[key], name)
	}
	g.mu.Unlock()
	return model.QueueDetails{Name: name, Args: map[string]any{"bindings": keys}}, nil
}

// Publish routes the request to every queue bound to the routing key.
func (g *MemoryGateway) Publish(
	_ context.Context,
	request *model.Request,
	routingKey string,
	opts PublishOptions,
) error {
	g.mu.Lock()
	targets := g.bindings[routingKey]
	if len(targets) == 0 {
		if _, ok := g.queues[routingKey]; ok {
			targets = []string{routingKey}
		}
	}
	if len(targets) == 0 {
		g.mu.Unlock()
		return errors.WrapNotFound(errors.ErrQueueNotFound, "MemoryGateway", "Publish", routingKey)
	}

	var deliveries []func(*model.Request)
	for _, name := range targets {
		if handler, ok := g.consumers[name]; ok {
			deliveries = append(deliveries, handler)
			continue
		}
		g.seq++
		g.queues[name] = append(g.queues[name], queuedMessage{
			RequestID: request.ID,
			Body:      request,
			Priority:  opts.Priority,
			seq:       g.seq,
		})
		// Priority 1 is served before priority 0; FIFO within a priority.
		sort.SliceStable(g.queues[name], func(i, j int) bool {
			a, b := g.queues[name][i], g.queues[name][j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.seq < b.seq
		})
	}
	g.mu.Unlock()

	for _, deliver := range deliveries {
		deliver(request)
	}
	return nil
}

// Depth returns the queue's message count; absent queues are NotFound.
func (g *MemoryGateway) Depth(_ context.Context, queueName string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msgs, ok := g.queues[queueName]
	if !ok {
		return 0, errors.WrapNotFound(errors.ErrQueueNotFound, "MemoryGateway", "Depth", queueName)
	}
	return len(msgs), nil
}

// Drain empties the queue, cancelling each parsed request.
func (g *MemoryGateway) Drain(ctx context.Context, queueName string) ([]string, error) {
	g.mu.Lock()
	msgs, ok := g.queues[queueName]
	if !ok {
		g.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrQueueNotFound, "MemoryGateway", "Drain", queueName)
	}
	g.queues[queueName] = nil
	canceller := g.canceller
	g.mu.Unlock()

	var cancelled []string
	for _, msg := range msgs {
		if msg.RequestID == "" {
			continue
		}
		if canceller != nil {
			if _, err := canceller.CancelRequest(ctx, msg.RequestID); err != nil && !errors.IsNotFound(err) {
				continue
			}
		}
		cancelled = append(cancelled, msg.RequestID)
	}
	return cancelled, nil
}

// Destroy removes the queue and its bindings.
func (g *MemoryGateway) Destroy(ctx context.Context, queueName string, forceDisconnect bool) error {
	if !forceDisconnect {
		if _, err := g.Drain(ctx, queueName); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.queues[queueName]; !ok {
		return errors.WrapNotFound(errors.ErrQueueNotFound, "MemoryGateway", "Destroy", queueName)
	}
	delete(g.queues, queueName)
	delete(g.consumers, queueName)
	for key, names := range g.bindings {
		kept := names[:0]
		for _, n := range names {
			if n != queueName {
				kept = append(kept, n)
			}
		}
		g.bindings[key] = kept
	}
	return nil
}
