// Package federation connects this garden to remote gardens. Each remote
// child gets a transport (HTTP or STOMP), a bounded outbound queue, and a
// worker that ships operation envelopes; sync merges keep the local view
// of child systems current.
package federation

import (
	"context"
	"fmt"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// OperationHandler consumes operation envelopes arriving from a remote
// garden.
type OperationHandler func(ctx context.Context, op *model.Operation)

// Transport ships operation envelopes to one remote garden.
type Transport interface {
	// Connect establishes the connection. Idempotent; reconnects after a
	// failure reuse it.
	Connect(ctx context.Context) error

	// Send delivers one serialized operation envelope.
	Send(ctx context.Context, op *model.Operation) error

	// Subscribe registers the handler for envelopes the remote side sends
	// back on this connection. Only STOMP transports carry a return path;
	// HTTP transports ignore the handler because children call the
	// parent's API directly.
	Subscribe(handler OperationHandler)

	// Close tears the connection down.
	Close() error
}

// NewTransport builds the transport matching the garden's connection
// type.
func NewTransport(garden *model.Garden) (Transport, error) {
	switch garden.ConnectionType {
	case model.ConnectionHTTP:
		return NewHTTPTransport(garden.Name, garden.ConnectionParams.HTTP), nil
	case model.ConnectionSTOMP:
		return NewSTOMPTransport(garden.Name, garden.ConnectionParams.STOMP), nil
	default:
		return nil, errors.WrapValidation(
			fmt.Errorf("connection type %q has no transport", garden.ConnectionType),
			"federation", "NewTransport", garden.Name)
	}
}
