package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// STOMPTransport forwards operations over a STOMP broker shared with the
// remote garden. Outbound envelopes go to the send destination; the
// remote side's replies and events arrive on the subscribe destination.
type STOMPTransport struct {
	garden string
	params *model.STOMPConnectionParams

	mu      sync.Mutex
	conn    *stomp.Conn
	sub     *stomp.Subscription
	handler OperationHandler
	done    chan struct{}
}

// NewSTOMPTransport builds a transport for the given connection params.
func NewSTOMPTransport(garden string, params *model.STOMPConnectionParams) *STOMPTransport {
	return &STOMPTransport{garden: garden, params: params}
}

// Connect dials the broker and subscribes to the inbound destination.
func (t *STOMPTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeatError(stomp.DefaultHeartBeatError),
	}
	if t.params.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(t.params.Username, t.params.Password))
	}

	addr := fmt.Sprintf("%s:%d", t.params.Host, t.params.Port)
	conn, err := stomp.Dial("tcp", addr, opts...)
	if err != nil {
		return errors.WrapTransient(err, "STOMPTransport", "Connect", t.garden)
	}

	sub, err := conn.Subscribe(t.params.SubscribeDest, stomp.AckAuto)
	if err != nil {
		conn.Disconnect()
		return errors.WrapTransient(err, "STOMPTransport", "Connect", "subscribe")
	}

	t.conn = conn
	t.sub = sub
	t.done = make(chan struct{})
	go t.receive(sub, t.done)
	return nil
}

// Send ships one envelope to the remote garden's destination, carrying
// the configured static headers on every frame.
func (t *STOMPTransport) Send(_ context.Context, op *model.Operation) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrGardenOffline, "STOMPTransport", "Send", t.garden)
	}

	body, err := op.Serialize()
	if err != nil {
		return errors.Wrap(err, "STOMPTransport", "Send", "serialize operation")
	}

	opts := make([]func(*frame.Frame) error, 0, len(t.params.Headers))
	for _, h := range t.params.Headers {
		opts = append(opts, stomp.SendOpt.Header(h.Key, h.Value))
	}
	if err := conn.Send(t.params.SendDestination, "application/json", body, opts...); err != nil {
		return errors.WrapTransient(err, "STOMPTransport", "Send", t.garden)
	}
	return nil
}

// Subscribe registers the handler for inbound envelopes.
func (t *STOMPTransport) Subscribe(handler OperationHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close unsubscribes and disconnects.
func (t *STOMPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	err := t.conn.Disconnect()
	t.conn = nil
	t.sub = nil
	return err
}

// receive pumps inbound frames into the handler until the subscription
// channel closes.
func (t *STOMPTransport) receive(sub *stomp.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.C {
		if msg.Err != nil {
			return
		}
		op, err := model.ParseOperation(msg.Body)
		if err != nil {
			continue
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(context.Background(), op)
		}
	}
}
