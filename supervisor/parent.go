package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/federation"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/pkg/retry"
	"github.com/beer-garden/beer-garden/router"
)

const parentQueueSize = 1000

// parentLink is the upstream half of federation: it ships local events to
// the parent garden, reports periodic state snapshots, and executes
// operations the parent sends back down a STOMP return path.
type parentLink struct {
	garden    *model.Garden
	transport federation.Transport
	bus       *eventbus.Bus
	syncer    *federation.Syncer
	router    *router.Router
	logger    *slog.Logger
	interval  time.Duration

	outbound chan *model.Operation
	cancel   context.CancelFunc
	unsub    func()
	wg       sync.WaitGroup
}

func newParentLink(
	cfg *config.Config,
	bus *eventbus.Bus,
	syncer *federation.Syncer,
	rtr *router.Router,
	logger *slog.Logger,
) (*parentLink, error) {
	garden, err := config.LoadGardenFile(cfg.Parent.GardenFile)
	if err != nil {
		return nil, err
	}
	transport, err := federation.NewTransport(garden)
	if err != nil {
		return nil, err
	}
	return &parentLink{
		garden:    garden,
		transport: transport,
		bus:       bus,
		syncer:    syncer,
		router:    rtr,
		logger:    logger.With("component", "parent", "parent", garden.Name),
		interval:  cfg.Parent.SyncInterval.Std(),
		outbound:  make(chan *model.Operation, parentQueueSize),
	}, nil
}

// Start connects upstream and begins shipping events and snapshots.
func (p *parentLink) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.transport.Subscribe(func(ctx context.Context, op *model.Operation) {
		op.SourceGarden = model.SourceGardenChild
		if _, err := p.router.Route(ctx, op); err != nil {
			p.logger.Error("parent operation failed",
				"operation", op.OperationType, "error", err)
		}
	})

	p.unsub = p.bus.Subscribe(p.enqueueEvent)

	p.wg.Add(1)
	go p.run(runCtx)
}

// Stop detaches from the bus and closes the upstream connection.
func (p *parentLink) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if err := p.transport.Close(); err != nil {
		p.logger.Debug("parent transport close failed", "error", err)
	}
}

// enqueueEvent wraps a local event for upstream delivery. Repository
// change events and principal churn stay local.
func (p *parentLink) enqueueEvent(event model.Event) {
	switch event.Name {
	case model.EventUserUpdated, model.EventDBCreate, model.EventDBUpdate, model.EventDBDelete:
		return
	}

	op := &model.Operation{OperationType: model.OpEventForward}
	if err := op.WithModel("Event", event); err != nil {
		p.logger.Error("event serialization failed", "event", event.Name, "error", err)
		return
	}

	select {
	case p.outbound <- op:
	default:
		p.logger.Warn("parent queue full, dropping event", "event", event.Name)
	}
}

func (p *parentLink) run(ctx context.Context) {
	defer p.wg.Done()

	if err := retry.Do(ctx, retry.Broker(), func() error {
		return p.transport.Connect(ctx)
	}); err != nil {
		p.logger.Error("parent connect abandoned", "error", err)
		return
	}
	p.logger.Info("connected to parent")

	// First snapshot goes out immediately so the parent sees this garden
	// without waiting a full interval.
	p.sendSnapshot(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendSnapshot(ctx)
		case op := <-p.outbound:
			p.send(ctx, op)
		}
	}
}

// sendSnapshot reports local state upstream as a GARDEN_SYNC event.
func (p *parentLink) sendSnapshot(ctx context.Context) {
	snapshot, err := p.syncer.Snapshot(ctx)
	if err != nil {
		p.logger.Error("snapshot failed", "error", err)
		return
	}

	op := &model.Operation{OperationType: model.OpEventForward}
	event := model.NewEvent(model.EventGardenSync, snapshot.Name, "Garden", snapshot)
	if err := op.WithModel("Event", event); err != nil {
		p.logger.Error("snapshot serialization failed", "error", err)
		return
	}
	p.send(ctx, op)
}

// send delivers one envelope, reconnecting on persistent failure.
func (p *parentLink) send(ctx context.Context, op *model.Operation) {
	err := retry.Do(ctx, retry.Quick(), func() error {
		return p.transport.Send(ctx, op)
	})
	if err == nil {
		return
	}
	p.logger.Warn("parent delivery failed, reconnecting", "error", err)

	if err := retry.Do(ctx, retry.Broker(), func() error {
		return p.transport.Connect(ctx)
	}); err != nil {
		p.logger.Error("parent reconnect abandoned", "error", err)
	}
}
