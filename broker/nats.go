package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/pkg/retry"
)

// Stream names. Requests are durable; admin messages live on their own
// stream so priority-1 traffic never queues behind user requests.
const (
	requestStream = "BG_REQUESTS"
	adminStream   = "BG_ADMIN"
)

// NATSGateway implements Gateway over NATS JetStream. Queues map to
// durable consumers: request queues filter one subject, admin queues
// filter the three admin binding keys.
type NATSGateway struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	canceller   Canceller
	cancellerMu sync.RWMutex

	// queue name -> owning stream, for depth/drain/destroy lookups.
	queuesMu sync.RWMutex
	queues   map[string]string

	metrics *Metrics
}

// NewNATSGateway connects the gateway to JetStream and provisions the
// request and admin streams.
func NewNATSGateway(ctx context.Context, conn *nats.Conn, logger *slog.Logger, metrics *Metrics) (*NATSGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSGateway", "NewNATSGateway", "initialize JetStream")
	}

	g := &NATSGateway{
		conn:    conn,
		js:      js,
		logger:  logger.With("component", "broker"),
		queues:  make(map[string]string),
		metrics: metrics,
	}

	for name, subjects := range map[string][]string{
		requestStream: {"requests.>"},
		adminStream:   {"admin.>"},
	} {
		err := retry.Do(ctx, retry.Broker(), func() error {
			_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
				Name:      name,
				Subjects:  subjects,
				Retention: jetstream.WorkQueuePolicy,
				Storage:   jetstream.FileStorage,
			})
			return err
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "NATSGateway", "NewNATSGateway",
				fmt.Sprintf("provision stream %s", name))
		}
	}
	return g, nil
}

// SetCanceller wires in the request processor used during drains.
func (g *NATSGateway) SetCanceller(c Canceller) {
	g.cancellerMu.Lock()
	g.canceller = c
	g.cancellerMu.Unlock()
}

// requestSubject maps a routing key onto the request stream's subject
// space. Priority is encoded in the subject so priority-1 messages can be
// fetched first.
func requestSubject(routingKey string, priority int) string {
	return fmt.Sprintf("requests.p%d.%s", priority, routingKey)
}

// EnsureRequestQueue creates the durable request consumer for an instance.
func (g *NATSGateway) EnsureRequestQueue(
	ctx context.Context,
	system, version, instance string,
) (model.QueueDetails, error) {
	name := RequestQueueName(system, version, instance)
	durable := sanitizeDurable(name)

	_, err := g.js.CreateOrUpdateConsumer(ctx, requestStream, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		FilterSubjects: []string{
			requestSubject(name, 1),
			requestSubject(name, 0),
		},
	})
	if err != nil {
		return model.QueueDetails{}, errors.WrapTransient(err, "NATSGateway", "EnsureRequestQueue",
			fmt.Sprintf("create consumer %s", durable))
	}

	g.trackQueue(name, requestStream)
	return model.QueueDetails{
		Name: name,
		Args: map[string]any{"durable": durable, "max_priority": 1},
	}, nil
}

// EnsureAdminQueue creates the auto-delete admin consumer for an instance.
func (g *NATSGateway) EnsureAdminQueue(
	ctx context.Context,
	system, version, instance string,
) (model.QueueDetails, error) {
	name := AdminQueueName(system, version, instance)

	var filters []string
	for _, key := range AdminBindingKeys(system, version, instance) {
		filters = append(filters, "admin."+strings.TrimPrefix(key, "admin.")) // admin subjects mirror the keys
	}

	_, err := g.js.CreateOrUpdateConsumer(ctx, adminStream, jetstream.ConsumerConfig{
		Durable:           sanitizeDurable(name),
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filters,
		InactiveThreshold: 5 * time.Minute, // auto-delete when the plugin goes away
	})
	if err != nil {
		return model.QueueDetails{}, errors.WrapTransient(err, "NATSGateway", "EnsureAdminQueue",
			fmt.Sprintf("create consumer %s", name))
	}

	g.trackQueue(name, adminStream)
	return model.QueueDetails{
		Name: name,
		Args: map[string]any{"bindings": AdminBindingKeys(system, version, instance)},
	}, nil
}

// Publish serializes the request and publishes it with correlation
// headers. Transient failures are retried with capped backoff.
func (g *NATSGateway) Publish(
	ctx context.Context,
	request *model.Request,
	routingKey string,
	opts PublishOptions,
) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.WrapValidation(err, "NATSGateway", "Publish", "serialize request")
	}

	var subject string
	if strings.HasPrefix(routingKey, "admin") {
		subject = routingKey
	} else {
		subject = requestSubject(routingKey, opts.Priority)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    body,
		Header: nats.Header{
			HeaderRequestID:  []string{request.ID},
			HeaderModelClass: []string{"Request"},
		},
	}
	if opts.Expiration > 0 {
		msg.Header.Set("expiration", opts.Expiration.String())
	}

	cfg := retry.Broker()
	cfg.MaxAttempts = 5
	err = retry.Do(ctx, cfg, func() error {
		_, pubErr := g.js.PublishMsg(ctx, msg)
		return pubErr
	})
	if err != nil {
		if g.metrics != nil {
			g.metrics.PublishFailed(subject)
		}
		return errors.WrapTransient(err, "NATSGateway", "Publish",
			fmt.Sprintf("publish to %s", subject))
	}
	if g.metrics != nil {
		g.metrics.Published(subject, opts.Priority)
	}
	return nil
}

// Depth returns the pending message count for a queue. Absent queues are
// NotFound, never zero.
func (g *NATSGateway) Depth(ctx context.Context, queueName string) (int, error) {
	stream, ok := g.lookupQueue(queueName)
	if !ok {
		return 0, errors.WrapNotFound(errors.ErrQueueNotFound, "NATSGateway", "Depth", queueName)
	}
	consumer, err := g.js.Consumer(ctx, stream, sanitizeDurable(queueName))
	if err != nil {
		return 0, errors.WrapNotFound(errors.ErrQueueNotFound, "NATSGateway", "Depth", queueName)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "NATSGateway", "Depth", "read consumer info")
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Drain pulls all messages without requeue and cancels each parsed
// request. A message whose headers cannot be parsed is dropped and logged;
// the drain continues.
func (g *NATSGateway) Drain(ctx context.Context, queueName string) ([]string, error) {
	stream, ok := g.lookupQueue(queueName)
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrQueueNotFound, "NATSGateway", "Drain", queueName)
	}
	consumer, err := g.js.Consumer(ctx, stream, sanitizeDurable(queueName))
	if err != nil {
		return nil, errors.WrapNotFound(errors.ErrQueueNotFound, "NATSGateway", "Drain", queueName)
	}

	g.cancellerMu.RLock()
	canceller := g.canceller
	g.cancellerMu.RUnlock()

	var cancelled []string
	for {
		batch, err := consumer.FetchNoWait(64)
		if err != nil {
			return cancelled, errors.WrapTransient(err, "NATSGateway", "Drain", "fetch batch")
		}
		count := 0
		for msg := range batch.Messages() {
			count++
			_ = msg.Ack()
			id := msg.Headers().Get(HeaderRequestID)
			if id == "" {
				g.logger.Warn("drained message without request id", "queue", queueName)
				continue
			}
			if canceller != nil {
				if _, err := canceller.CancelRequest(ctx, id); err != nil && !errors.IsNotFound(err) {
					g.logger.Warn("cancel during drain failed", "request_id", id, "error", err)
					continue
				}
			}
			cancelled = append(cancelled, id)
		}
		if count == 0 {
			break
		}
	}
	return cancelled, nil
}

// Destroy disconnects consumers, clears, then deletes the queue. With
// forceDisconnect the consumer is deleted immediately, which drops any
// attached subscriber; otherwise pending messages are drained first.
func (g *NATSGateway) Destroy(ctx context.Context, queueName string, forceDisconnect bool) error {
	stream, ok := g.lookupQueue(queueName)
	if !ok {
		return errors.WrapNotFound(errors.ErrQueueNotFound, "NATSGateway", "Destroy", queueName)
	}

	if !forceDisconnect {
		if _, err := g.Drain(ctx, queueName); err != nil && !errors.IsNotFound(err) {
			g.logger.Warn("drain before destroy failed", "queue", queueName, "error", err)
		}
	}

	err := g.js.DeleteConsumer(ctx, stream, sanitizeDurable(queueName))
	if err != nil && !strings.Contains(err.Error(), "consumer not found") {
		return errors.WrapTransient(err, "NATSGateway", "Destroy",
			fmt.Sprintf("delete consumer %s", queueName))
	}

	g.queuesMu.Lock()
	delete(g.queues, queueName)
	g.queuesMu.Unlock()
	return nil
}

func (g *NATSGateway) trackQueue(name, stream string) {
	g.queuesMu.Lock()
	g.queues[name] = stream
	g.queuesMu.Unlock()
}

func (g *NATSGateway) lookupQueue(name string) (string, bool) {
	g.queuesMu.RLock()
	defer g.queuesMu.RUnlock()
	stream, ok := g.queues[name]
	return stream, ok
}

// sanitizeDurable maps a queue name onto the durable-name alphabet, which
// forbids dots.
func sanitizeDurable(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
