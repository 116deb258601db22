// Package router dispatches operation envelopes. Each operation either
// executes against a local handler or is forwarded to the remote garden
// that owns its target system. Target resolution is cached and the caches
// are dropped on repository change events.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/pkg/cache"
	"github.com/beer-garden/beer-garden/repository"
)

// Handler executes one operation type locally.
type Handler func(ctx context.Context, op *model.Operation) (any, error)

// Forwarder delivers an operation to a remote garden.
type Forwarder interface {
	Forward(ctx context.Context, garden *model.Garden, op *model.Operation) error
}

// Router resolves each operation's target garden and dispatches.
type Router struct {
	repo        repository.Repository
	logger      *slog.Logger
	localGarden string

	handlers  map[model.OperationType]Handler
	forwarder Forwarder

	// tupleOwners maps "namespace:system-version" to the owning garden
	// name; gardens maps garden name to the stored garden.
	tupleOwners *cache.Cache[string]
	gardens     *cache.Cache[*model.Garden]
}

// New creates a Router with an empty dispatch table.
func New(repo repository.Repository, logger *slog.Logger, localGarden string) *Router {
	return &Router{
		repo:        repo,
		logger:      logger.With("component", "router"),
		localGarden: localGarden,
		handlers:    make(map[model.OperationType]Handler),
		tupleOwners: cache.New[string](),
		gardens:     cache.New[*model.Garden](),
	}
}

// Handle registers the local handler for an operation type.
func (r *Router) Handle(t model.OperationType, h Handler) {
	r.handlers[t] = h
}

// SetForwarder wires the federation layer in after construction.
func (r *Router) SetForwarder(f Forwarder) {
	r.forwarder = f
}

// Attach subscribes the router's caches to repository change events.
// Returns the unsubscribe function.
func (r *Router) Attach(bus *eventbus.Bus) func() {
	return bus.SubscribeNames(func(event model.Event) {
		switch event.PayloadType {
		case "system", "garden":
			r.tupleOwners.Clear()
			r.gardens.Clear()
		}
	}, model.EventDBCreate, model.EventDBUpdate, model.EventDBDelete)
}

// Route resolves the operation's target garden and either executes it
// locally or forwards it. Operations received from a parent garden
// (source CHILD) always execute locally so a misconfigured child cannot
// bounce an operation back upstream.
func (r *Router) Route(ctx context.Context, op *model.Operation) (any, error) {
	if op.SourceGarden == model.SourceGardenChild || !op.OperationType.RoutingEligible() {
		return r.execute(ctx, op)
	}

	target, err := r.targetGarden(ctx, op)
	if err != nil {
		return nil, err
	}
	if target == "" || target == r.localGarden {
		return r.execute(ctx, op)
	}
	return r.forward(ctx, target, op)
}

func (r *Router) execute(ctx context.Context, op *model.Operation) (any, error) {
	handler, ok := r.handlers[op.OperationType]
	if !ok {
		return nil, errors.WrapValidation(
			fmt.Errorf("no handler for operation %s", op.OperationType),
			"Router", "execute", "dispatch")
	}
	return handler(ctx, op)
}

func (r *Router) forward(ctx context.Context, target string, op *model.Operation) (any, error) {
	if r.forwarder == nil {
		return nil, errors.WrapRouting(errors.ErrGardenOffline, "Router", "forward",
			"no federation transport configured")
	}

	garden, err := r.gardens.GetOrLoad(target, func() (*model.Garden, error) {
		return r.repo.Gardens().Get(ctx, target)
	})
	if err != nil {
		return nil, errors.WrapRouting(errors.ErrUnknownGarden, "Router", "forward", target)
	}
	if garden.Status != model.GardenRunning {
		return nil, errors.WrapRouting(errors.ErrGardenOffline, "Router", "forward",
			fmt.Sprintf("%s is %s", target, garden.Status))
	}

	// Request creates keep a parent-side copy so callers can watch the
	// status the child reports back through sync events.
	var result any
	if op.OperationType == model.OpRequestCreate || op.OperationType == model.OpRequestTemplateCreate {
		request, err := op.RequestModel()
		if err != nil {
			return nil, errors.WrapValidation(err, "Router", "forward", "decode request model")
		}
		if request.ID == "" {
			request.ID = model.NewID()
		}
		request.Garden = target
		request.Status = model.RequestCreated
		now := time.Now().UTC()
		request.CreatedAt = now
		request.UpdatedAt = now
		if err := r.repo.Requests().Create(ctx, request); err != nil {
			return nil, err
		}
		if err := op.WithModel("Request", request); err != nil {
			return nil, errors.WrapValidation(err, "Router", "forward", "reattach request model")
		}
		op.OperationType = model.OpRequestCreate
		result = request
	}

	op.TargetGarden = target
	r.logger.Debug("forwarding operation",
		"operation", string(op.OperationType), "target", target)
	if err := r.forwarder.Forward(ctx, garden, op); err != nil {
		return nil, err
	}
	return result, nil
}

// targetGarden resolves which garden should execute the operation. An
// empty result means local.
func (r *Router) targetGarden(ctx context.Context, op *model.Operation) (string, error) {
	if op.TargetGarden != "" {
		return op.TargetGarden, nil
	}

	switch op.OperationType {
	case model.OpRequestCreate, model.OpRequestTemplateCreate:
		request, err := op.RequestModel()
		if err != nil {
			return "", errors.WrapValidation(err, "Router", "targetGarden", "decode request model")
		}
		return r.ownerOfTuple(ctx, request.Namespace, request.System, request.SystemVersion)

	case model.OpRequestUpdate, model.OpRequestCancel:
		// Completions and cancels follow the request back to the garden
		// that executed it.
		if len(op.Args) == 0 {
			return "", errors.WrapValidation(
				fmt.Errorf("operation %s requires a request id argument", op.OperationType),
				"Router", "targetGarden", "inspect args")
		}
		request, err := r.repo.Requests().Get(ctx, op.Args[0])
		if err != nil {
			return "", err
		}
		if request.Garden == "" {
			return "", nil
		}
		return request.Garden, nil

	case model.OpInstanceStart, model.OpInstanceStop,
		model.OpInstanceDelete, model.OpInstanceInitialize,
		model.OpInstanceUpdate, model.OpInstanceHeartbeat:
		if len(op.Args) == 0 {
			return "", errors.WrapValidation(
				fmt.Errorf("operation %s requires an instance id argument", op.OperationType),
				"Router", "targetGarden", "inspect args")
		}
		system, _, err := r.repo.Systems().FindInstance(ctx, op.Args[0])
		if err != nil {
			return "", err
		}
		return r.ownerOfTuple(ctx, system.Namespace, system.Name, system.Version)

	case model.OpSystemUpdate, model.OpSystemDelete, model.OpSystemReload:
		if len(op.Args) == 0 {
			return "", nil
		}
		system, err := r.repo.Systems().Get(ctx, op.Args[0])
		if err != nil {
			return "", err
		}
		return r.ownerOfTuple(ctx, system.Namespace, system.Name, system.Version)
	}

	return "", nil
}

// ownerOfTuple maps a system identity to its owning garden name, walking
// remote gardens' synced system lists. Systems served through a
// grandchild resolve to the direct child; the child re-routes on receipt.
func (r *Router) ownerOfTuple(ctx context.Context, namespace, name, version string) (string, error) {
	tuple := (&model.System{Namespace: namespace, Name: name, Version: version}).Key()
	return r.tupleOwners.GetOrLoad(tuple, func() (string, error) {
		system, err := r.repo.Systems().GetByTuple(ctx, namespace, name, version)
		if err == nil && system.Local {
			return r.localGarden, nil
		}

		gardens, err := r.repo.Gardens().List(ctx)
		if err != nil {
			return "", err
		}
		for _, garden := range gardens {
			if garden.ConnectionType == model.ConnectionLocal {
				continue
			}
			if gardenServes(garden, tuple) {
				return garden.Name, nil
			}
		}
		return "", errors.WrapRouting(errors.ErrUnknownSystem, "Router", "ownerOfTuple", tuple)
	})
}

// gardenServes walks the garden and its descendants for the system tuple.
func gardenServes(garden *model.Garden, tuple string) bool {
	for _, system := range garden.Systems {
		if system.Key() == tuple {
			return true
		}
	}
	for _, child := range garden.Children {
		if gardenServes(child, tuple) {
			return true
		}
	}
	return false
}
