// Package requests implements the request processor: validation,
// normalization, persistence, broker publication, reply correlation, wait
// semantics, and topic fanout.
package requests

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/beer-garden/beer-garden/broker"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// Publisher is the slice of the event bus the processor needs.
type Publisher interface {
	Publish(model.Event)
}

// Processor tracks requests through their state machine.
type Processor struct {
	repo    repository.Repository
	gateway broker.Gateway
	bus     Publisher
	files   FileStore
	waiter  *waiter
	logger  *slog.Logger

	// localGarden is stamped on requests executing here.
	localGarden string
}

// NewProcessor creates a request processor.
func NewProcessor(
	repo repository.Repository,
	gateway broker.Gateway,
	bus Publisher,
	files FileStore,
	localGarden string,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if files == nil {
		files = NewMemoryFileStore()
	}
	p := &Processor{
		repo:        repo,
		gateway:     gateway,
		bus:         bus,
		files:       files,
		waiter:      newWaiter(),
		logger:      logger.With("component", "requests"),
		localGarden: localGarden,
	}
	gateway.SetCanceller(p)
	return p
}

// ProcessRequest validates, persists, and publishes a request, then waits
// according to waitTimeout: negative blocks until the request is terminal,
// zero returns immediately after publish, positive blocks up to that
// duration and then returns the current snapshot without cancelling.
func (p *Processor) ProcessRequest(
	ctx context.Context,
	request *model.Request,
	waitTimeout time.Duration,
) (*model.Request, error) {
	if request.Garden == "" {
		request.Garden = p.localGarden
	}
	if request.Namespace == "" {
		request.Namespace = p.localGarden
	}

	system, command, err := p.resolveTarget(ctx, request)
	if err != nil {
		// Resolution failures persist the request as INVALID so the caller
		// can inspect what was rejected.
		request.Status = model.RequestInvalid
		request.ErrorClass = "ValidationError"
		request.Output = err.Error()
		if createErr := p.repo.Requests().Create(ctx, request); createErr != nil {
			p.logger.Error("persist invalid request failed", "error", createErr)
		}
		return request, err
	}

	request.CommandType = command.CommandType
	if request.OutputType == "" {
		request.OutputType = command.OutputType
	}
	if !request.IsAdmin {
		if err := validateAgainstCommand(request, command); err != nil {
			request.Status = model.RequestInvalid
			request.ErrorClass = "ValidationError"
			request.Output = err.Error()
			if createErr := p.repo.Requests().Create(ctx, request); createErr != nil {
				p.logger.Error("persist invalid request failed", "error", createErr)
			}
			return request, err
		}
	}

	if err := p.resolveResolvables(ctx, request); err != nil {
		return nil, err
	}

	request.Status = model.RequestCreated
	if request.IsAdmin {
		request.Priority = 1
	}
	if err := p.repo.Requests().Create(ctx, request); err != nil {
		return nil, err
	}
	if request.Parent != "" {
		if err := p.repo.Requests().AddChild(ctx, request.Parent, request.ID); err != nil {
			p.logger.Warn("link child to parent failed",
				"parent", request.Parent, "child", request.ID, "error", err)
		}
	}
	p.bus.Publish(model.NewEvent(model.EventRequestCreated, p.localGarden, "request", request))

	if err := p.publish(ctx, request, system); err != nil {
		return request, err
	}

	if p.waiter.wait(ctx, request.ID, waitTimeout) {
		p.waiter.forget(request.ID)
	}
	return p.repo.Requests().Get(ctx, request.ID)
}

// resolveTarget resolves the request's system and command, defaulting the
// instance name.
func (p *Processor) resolveTarget(
	ctx context.Context,
	request *model.Request,
) (*model.System, *model.Command, error) {
	system, err := p.repo.Systems().GetByTuple(ctx,
		request.Namespace, request.System, request.SystemVersion)
	if err != nil {
		return nil, nil, errors.WrapValidation(
			fmt.Errorf("%w: %s", errors.ErrUnknownSystem, request.TargetTuple()),
			"Processor", "ProcessRequest", "resolve system")
	}

	if request.InstanceName == "" {
		request.InstanceName = "default"
	}
	if system.Instance(request.InstanceName) == nil {
		return nil, nil, errors.WrapValidation(
			fmt.Errorf("%w: %s", errors.ErrUnknownInstance, request.InstanceName),
			"Processor", "ProcessRequest", "resolve instance")
	}

	if request.IsAdmin {
		// Admin commands are internal and bypass user schema validation.
		return system, &model.Command{Name: request.Command, CommandType: "ADMIN"}, nil
	}

	command := system.Command(request.Command)
	if command == nil {
		return nil, nil, errors.WrapValidation(
			fmt.Errorf("%w: %s", errors.ErrUnknownCommand, request.Command),
			"Processor", "ProcessRequest", "resolve command")
	}
	return system, command, nil
}

// publish transitions CREATED -> IN_PROGRESS after a successful broker
// publish.
func (p *Processor) publish(ctx context.Context, request *model.Request, _ *model.System) error {
	routingKey := request.RoutingKey()
	if request.IsAdmin {
		routingKey = request.AdminRoutingKey()
	}

	err := p.gateway.Publish(ctx, request, routingKey, broker.PublishOptions{
		Priority: request.Priority,
	})
	if err != nil {
		return err
	}

	updated, err := p.repo.Requests().Modify(ctx, request.ID, func(r *model.Request) error {
		if !r.Status.CanTransition(model.RequestInProgress) {
			// Raced with a cancel; leave it be.
			return nil
		}
		r.Status = model.RequestInProgress
		r.StatusUpdated = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	*request = *updated
	p.bus.Publish(model.NewEvent(model.EventRequestStarted, p.localGarden, "request", updated))
	return nil
}

// UpdateOps is the patch shape applied by UpdateRequest.
type UpdateOps struct {
	Status     *model.RequestStatus
	Output     *string
	ErrorClass *string
	Metadata   map[string]any // merged, never replaced
}

// UpdateRequest applies a patch respecting the request state machine.
// Status changes on a terminal request are dropped and logged, not
// errors, because duplicate plugin replies are expected; metadata merges
// are always permitted.
func (p *Processor) UpdateRequest(ctx context.Context, id string, ops UpdateOps) (*model.Request, error) {
	var becameTerminal bool
	var dropped bool

	updated, err := p.repo.Requests().Modify(ctx, id, func(r *model.Request) error {
		if len(ops.Metadata) > 0 {
			if r.Metadata == nil {
				r.Metadata = make(map[string]any, len(ops.Metadata))
			}
			for k, v := range ops.Metadata {
				r.Metadata[k] = v
			}
		}

		if ops.Status == nil && r.Status.Terminal() {
			// Metadata merges are the only mutation a terminal request
			// accepts; output and error_class are immutable.
			return nil
		}

		if ops.Status != nil && *ops.Status != r.Status {
			if r.Status.Terminal() {
				dropped = true
				return nil
			}
			if !r.Status.CanTransition(*ops.Status) {
				return errors.WrapValidation(
					fmt.Errorf("%w: %s -> %s", errors.ErrInvalidStatus, r.Status, *ops.Status),
					"Processor", "UpdateRequest", "check transition")
			}
			r.Status = *ops.Status
			r.StatusUpdated = time.Now().UTC()
			becameTerminal = r.Status.Terminal()
		}

		if !r.Status.Terminal() || becameTerminal {
			if ops.Output != nil {
				r.Output = *ops.Output
			}
			if ops.ErrorClass != nil {
				r.ErrorClass = *ops.ErrorClass
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if dropped {
		p.logger.Info("dropped update for terminal request",
			"request_id", id, "status", string(*ops.Status))
		return updated, nil
	}

	p.bus.Publish(model.NewEvent(model.EventRequestUpdated, p.localGarden, "request", updated))
	if becameTerminal {
		p.waiter.signal(id)
		p.bus.Publish(model.NewEvent(model.EventRequestCompleted, p.localGarden, "request", updated))
	}
	return updated, nil
}

// CompleteRequest correlates a plugin reply with its request. Out-of-order
// and duplicate replies for a terminal request are dropped and logged.
func (p *Processor) CompleteRequest(
	ctx context.Context,
	id string,
	status model.RequestStatus,
	output, errorClass string,
) (*model.Request, error) {
	return p.UpdateRequest(ctx, id, UpdateOps{
		Status:     &status,
		Output:     &output,
		ErrorClass: &errorClass,
	})
}

// CancelRequest transitions any non-terminal request to CANCELED. On a
// terminal request it is a no-op: no status change and no event.
func (p *Processor) CancelRequest(ctx context.Context, id string) (*model.Request, error) {
	var canceled bool
	updated, err := p.repo.Requests().Modify(ctx, id, func(r *model.Request) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = model.RequestCanceled
		r.StatusUpdated = time.Now().UTC()
		canceled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if canceled {
		p.waiter.signal(id)
		p.bus.Publish(model.NewEvent(model.EventRequestCanceled, p.localGarden, "request", updated))
	}
	return updated, nil
}

// GetRequest returns one request by id.
func (p *Processor) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	return p.repo.Requests().Get(ctx, id)
}

// FindRequests lists requests matching the filter.
func (p *Processor) FindRequests(
	ctx context.Context,
	filter repository.RequestFilter,
) ([]*model.Request, error) {
	return p.repo.Requests().List(ctx, filter)
}

// WaitChannel exposes the terminal signal for a request id so callers
// outside the processor (the API wait handlers) can select on it.
func (p *Processor) WaitChannel(id string) <-chan struct{} {
	return p.waiter.channel(id)
}

// PublishToTopic materializes one child request per subscriber matching
// the published topic name, shares the parent metadata, and processes each
// fire-and-forget. Matching is the union across topics whose names match
// exactly or by wildcard.
func (p *Processor) PublishToTopic(
	ctx context.Context,
	topicName string,
	request *model.Request,
) ([]*model.Request, error) {
	topics, err := p.repo.Topics().List(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*model.Subscriber, 0)
	for _, topic := range topics {
		if !topic.NameMatches(topicName) {
			continue
		}
		for _, sub := range topic.Subscribers {
			if sub.Matches(request.Garden, request.Namespace, request.System,
				request.SystemVersion, request.InstanceName, request.Command) {
				matched = append(matched, sub)
			}
		}
	}

	if request.ID == "" {
		request.ID = model.NewID()
	}
	request.Topic = topicName
	if request.Status == "" {
		request.Status = model.RequestCreated
	}
	if err := p.repo.Requests().Create(ctx, request); err != nil && !errors.IsConflict(err) {
		return nil, err
	}

	children := make([]*model.Request, 0, len(matched))
	for _, sub := range matched {
		child := &model.Request{
			Garden:        orDefault(sub.Garden, request.Garden),
			Namespace:     orDefault(sub.Namespace, request.Namespace),
			System:        orDefault(sub.System, request.System),
			SystemVersion: orDefault(sub.Version, request.SystemVersion),
			InstanceName:  orDefault(sub.Instance, request.InstanceName),
			Command:       orDefault(sub.Command, request.Command),
			Parameters:    request.Parameters,
			Metadata:      request.Metadata,
			Parent:        request.ID,
		}
		processed, err := p.ProcessRequest(ctx, child, 0)
		if err != nil {
			p.logger.Warn("topic fanout child failed",
				"topic", topicName, "system", child.System, "command", child.Command, "error", err)
			if processed == nil {
				continue
			}
		}
		children = append(children, processed)
	}
	return children, nil
}

func orDefault(v, fallback string) string {
	if v == "" || v == "*" {
		return fallback
	}
	return v
}

// resolveResolvables walks the parameters and de-references file/chunk
// handles. Requests bound for a remote garden get the bytes inlined as a
// canonical reference the remote side can fetch; local requests keep the
// handle, with the bytes already stored server-side.
func (p *Processor) resolveResolvables(ctx context.Context, request *model.Request) error {
	remote := request.Garden != "" && request.Garden != p.localGarden
	if !remote {
		return nil
	}
	resolved, err := p.resolveMap(ctx, request.Parameters)
	if err != nil {
		return err
	}
	request.Parameters = resolved
	return nil
}

func (p *Processor) resolveMap(ctx context.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		resolved, err := p.resolveValue(ctx, value)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (p *Processor) resolveValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if model.IsResolvable(v) {
			id, _ := v["id"].(string)
			data, err := p.files.Fetch(ctx, id)
			if err != nil {
				return nil, errors.WrapValidation(err, "Processor", "resolveValue",
					"dereference file handle")
			}
			return map[string]any{
				model.ResolvableKey: true,
				"id":                id,
				"storage":           "inline",
				"base64":            base64.StdEncoding.EncodeToString(data),
			}, nil
		}
		return p.resolveMap(ctx, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := p.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}
