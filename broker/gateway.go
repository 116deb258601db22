// Package broker provides the message-broker gateway. Per plugin instance
// it provisions a durable request queue and an auto-delete admin queue
// bound at instance, version, and system granularity, and it publishes
// serialized requests with correlation headers.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/beer-garden/beer-garden/model"
)

// Message headers carried on every published request.
const (
	HeaderRequestID  = "request_id"
	HeaderModelClass = "model_class"
)

// PublishOptions tunes one publish.
type PublishOptions struct {
	Priority   int           // 0 or 1; admin requests use 1
	Expiration time.Duration // 0 means no expiry
}

// Canceller is the slice of the request processor the gateway needs while
// draining a queue.
type Canceller interface {
	CancelRequest(ctx context.Context, id string) (*model.Request, error)
}

// Gateway provisions queues and publishes requests.
type Gateway interface {
	// EnsureRequestQueue creates the durable request queue for an instance
	// and returns its details. Idempotent.
	EnsureRequestQueue(ctx context.Context, system, version, instance string) (model.QueueDetails, error)

	// EnsureAdminQueue creates the auto-delete admin queue for an instance,
	// bound to the per-instance, per-version and per-system admin routing
	// keys. Idempotent per instance.
	EnsureAdminQueue(ctx context.Context, system, version, instance string) (model.QueueDetails, error)

	// Publish serializes the request and publishes it to the routing key.
	Publish(ctx context.Context, request *model.Request, routingKey string, opts PublishOptions) error

	// Depth returns the message count of a queue. An absent queue is a
	// NotFound error, not zero.
	Depth(ctx context.Context, queueName string) (int, error)

	// Drain pulls all messages without requeue and cancels each
	// successfully parsed request via the canceller. Partial parse
	// failures do not stop the drain. Returns the cancelled request ids.
	Drain(ctx context.Context, queueName string) ([]string, error)

	// Destroy disconnects consumers (force dropping them when
	// forceDisconnect), clears, then deletes the queue.
	Destroy(ctx context.Context, queueName string, forceDisconnect bool) error

	// SetCanceller wires the request processor in after construction; the
	// processor itself depends on the gateway for publishing.
	SetCanceller(c Canceller)
}

// RequestQueueName returns the durable request queue name for an instance.
func RequestQueueName(system, version, instance string) string {
	return fmt.Sprintf("%s.%s.%s", system, model.RoutingVersion(version), instance)
}

// AdminQueueName returns the admin queue name for an instance, suffixed
// with a random clone discriminator so restarts get a fresh queue.
func AdminQueueName(system, version, instance string) string {
	return fmt.Sprintf("admin.%s.%s.%s.%s",
		system, model.RoutingVersion(version), instance, model.NewID()[:8])
}

// AdminBindingKeys returns the three admin routing keys a queue is bound
// to: per-instance, per-version, per-system.
func AdminBindingKeys(system, version, instance string) []string {
	v := model.RoutingVersion(version)
	return []string{
		fmt.Sprintf("admin.%s.%s.%s", system, v, instance),
		fmt.Sprintf("admin.%s.%s", system, v),
		fmt.Sprintf("admin.%s", system),
	}
}
