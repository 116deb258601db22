package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/pkg/retry"
	"github.com/beer-garden/beer-garden/repository"
)

// outboundQueueSize bounds the per-garden backlog. When a child is down
// long enough for the reconnect loop to kick in, the backlog is dropped
// rather than replayed stale.
const outboundQueueSize = 1000

// Publisher is the slice of the event bus the manager needs.
type Publisher interface {
	Publish(event model.Event)
}

// connection is one remote garden's transport plus its outbound worker.
type connection struct {
	garden    string
	transport Transport
	queue     chan *model.Operation
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager owns the connections to all remote child gardens. It implements
// the router's Forwarder.
type Manager struct {
	repo   repository.Repository
	bus    Publisher
	logger *slog.Logger

	// localGarden names this garden; stamped on events shipped upward.
	localGarden string

	// blocklist holds event names never forwarded to the parent.
	blocklist map[model.EventName]bool

	// inbound receives envelopes arriving over STOMP return paths.
	inbound OperationHandler

	mu          sync.Mutex
	connections map[string]*connection

	runCtx context.Context
	stop   context.CancelFunc
}

// NewManager creates a Manager. blockedEvents extends the default
// blocklist of USER_UPDATED and the repository change events.
func NewManager(
	repo repository.Repository,
	bus Publisher,
	logger *slog.Logger,
	localGarden string,
	blockedEvents []model.EventName,
) *Manager {
	blocklist := map[model.EventName]bool{
		model.EventUserUpdated: true,
		model.EventDBCreate:    true,
		model.EventDBUpdate:    true,
		model.EventDBDelete:    true,
	}
	for _, name := range blockedEvents {
		blocklist[name] = true
	}
	return &Manager{
		repo:        repo,
		bus:         bus,
		logger:      logger.With("component", "federation"),
		localGarden: localGarden,
		blocklist:   blocklist,
		connections: make(map[string]*connection),
	}
}

// SetInboundHandler wires the router in for envelopes arriving on STOMP
// return paths.
func (m *Manager) SetInboundHandler(handler OperationHandler) {
	m.inbound = handler
}

// Start opens a connection for every configured remote garden.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.stop = context.WithCancel(ctx)

	gardens, err := m.repo.Gardens().List(ctx)
	if err != nil {
		return errors.Wrap(err, "Manager", "Start", "list gardens")
	}
	for _, garden := range gardens {
		if garden.ConnectionType == model.ConnectionLocal {
			continue
		}
		if err := m.connect(garden); err != nil {
			m.logger.Warn("initial connect failed", "garden", garden.Name, "error", err)
		}
	}
	return nil
}

// Stop closes every connection and waits for the workers.
func (m *Manager) Stop() {
	if m.stop != nil {
		m.stop()
	}
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		<-c.done
		c.transport.Close()
	}
}

// Attach subscribes the manager to garden configuration changes so new
// children connect and removed ones disconnect without a restart.
// Returns the unsubscribe function.
func (m *Manager) Attach(bus *eventbus.Bus) func() {
	return bus.SubscribeNames(func(event model.Event) {
		if event.PayloadType != "garden" {
			return
		}
		garden, ok := event.Payload.(*model.Garden)
		if !ok || garden.ConnectionType == model.ConnectionLocal {
			return
		}
		switch event.Name {
		case model.EventDBDelete:
			m.disconnect(garden.Name)
		case model.EventDBCreate, model.EventDBUpdate:
			m.mu.Lock()
			_, connected := m.connections[garden.Name]
			m.mu.Unlock()
			if !connected {
				if err := m.connect(garden); err != nil {
					m.logger.Warn("connect failed", "garden", garden.Name, "error", err)
				}
			}
		}
	}, model.EventDBCreate, model.EventDBUpdate, model.EventDBDelete)
}

// Forward enqueues an operation for the remote garden. A full backlog is
// a transient failure surfaced to the caller rather than silently
// dropped.
func (m *Manager) Forward(_ context.Context, garden *model.Garden, op *model.Operation) error {
	m.mu.Lock()
	conn, ok := m.connections[garden.Name]
	m.mu.Unlock()
	if !ok {
		if err := m.connect(garden); err != nil {
			return err
		}
		m.mu.Lock()
		conn = m.connections[garden.Name]
		m.mu.Unlock()
	}

	select {
	case conn.queue <- op:
		return nil
	default:
		return errors.WrapTransient(errors.ErrGardenOffline, "Manager", "Forward",
			"outbound queue full for "+garden.Name)
	}
}

// ForwardEvent ships a local event to every connected remote garden,
// respecting the blocklist. Called by the entry point's event shuttle on
// a child garden to keep its parent current.
func (m *Manager) ForwardEvent(ctx context.Context, event model.Event) {
	if m.blocklist[event.Name] {
		return
	}
	if event.Garden == "" {
		event.Garden = m.localGarden
	}

	op := &model.Operation{OperationType: model.OpEventForward, SourceGarden: m.localGarden}
	if err := op.WithModel("Event", event); err != nil {
		m.logger.Error("serialize event failed", "event", string(event.Name), "error", err)
		return
	}

	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	gardens := make([]string, 0, len(m.connections))
	for name, c := range m.connections {
		conns = append(conns, c)
		gardens = append(gardens, name)
	}
	m.mu.Unlock()

	for i, c := range conns {
		select {
		case c.queue <- op:
		default:
			m.logger.Warn("event dropped, outbound queue full", "garden", gardens[i])
		}
	}
}

func (m *Manager) connect(garden *model.Garden) error {
	transport, err := NewTransport(garden)
	if err != nil {
		return err
	}
	if m.inbound != nil {
		transport.Subscribe(m.inbound)
	}

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	conn := &connection{
		garden:    garden.Name,
		transport: transport,
		queue:     make(chan *model.Operation, outboundQueueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.connections[garden.Name] = conn
	m.mu.Unlock()

	go m.run(ctx, conn)
	return nil
}

func (m *Manager) disconnect(name string) {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.cancel()
	<-conn.done
	conn.transport.Close()
}

// run is the per-connection worker: connect, drain the queue, and on
// persistent failure mark the garden unreachable, drop the backlog, and
// re-dial with backoff.
func (m *Manager) run(ctx context.Context, conn *connection) {
	defer close(conn.done)
	logger := m.logger.With("garden", conn.garden)

	if err := conn.transport.Connect(ctx); err != nil {
		logger.Warn("connect failed", "error", err)
		m.markUnreachable(ctx, conn.garden, err)
		if !m.reconnect(ctx, conn, logger) {
			return
		}
	}
	m.markReachable(ctx, conn.garden)

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-conn.queue:
			if err := m.deliver(ctx, conn, op); err != nil {
				logger.Warn("delivery failed", "operation", string(op.OperationType), "error", err)
				m.markUnreachable(ctx, conn.garden, err)
				m.dropBacklog(conn, logger)
				if !m.reconnect(ctx, conn, logger) {
					return
				}
				m.markReachable(ctx, conn.garden)
			}
		}
	}
}

// deliver sends one envelope with a bounded retry.
func (m *Manager) deliver(ctx context.Context, conn *connection, op *model.Operation) error {
	cfg := retry.Broker()
	cfg.MaxAttempts = 3
	return retry.Do(ctx, cfg, func() error {
		return conn.transport.Send(ctx, op)
	})
}

// reconnect re-dials with the broker backoff until it succeeds or the
// connection is shut down. Returns false on shutdown.
func (m *Manager) reconnect(ctx context.Context, conn *connection, logger *slog.Logger) bool {
	conn.transport.Close()
	cfg := retry.Broker()
	err := retry.Do(ctx, cfg, func() error {
		logger.Info("reconnecting")
		return conn.transport.Connect(ctx)
	})
	if err != nil {
		return false
	}
	logger.Info("reconnected")
	m.bus.Publish(model.NewEvent(model.EventGardenReconnect, conn.garden, "Garden", nil))
	return true
}

// dropBacklog discards queued envelopes accumulated while the remote was
// down.
func (m *Manager) dropBacklog(conn *connection, logger *slog.Logger) {
	dropped := 0
	for {
		select {
		case <-conn.queue:
			dropped++
		default:
			if dropped > 0 {
				logger.Warn("backlog dropped", "operations", dropped)
			}
			return
		}
	}
}

// markUnreachable records the failure unless a sticky operator status is
// already in place.
func (m *Manager) markUnreachable(ctx context.Context, name string, cause error) {
	garden, err := m.repo.Gardens().Get(ctx, name)
	if err != nil {
		return
	}
	if garden.Status == model.GardenUnreachable || garden.Status.Sticky() {
		return
	}
	garden.Status = model.GardenUnreachable
	garden.StatusInfo.Heartbeat = time.Now().UTC()
	if _, err := m.repo.Gardens().Update(ctx, garden); err != nil {
		m.logger.Error("garden status update failed", "garden", name, "error", err)
		return
	}
	event := model.NewEvent(model.EventGardenUnreachable, name, "Garden", garden)
	event.Error = true
	event.ErrorMessage = cause.Error()
	m.bus.Publish(event)
}

// markReachable promotes the garden to RUNNING. Sticky statuses other
// than UNREACHABLE are left alone so an operator stop survives a
// successful dial.
func (m *Manager) markReachable(ctx context.Context, name string) {
	garden, err := m.repo.Gardens().Get(ctx, name)
	if err != nil {
		return
	}
	if garden.Status == model.GardenRunning {
		return
	}
	if garden.Status.Sticky() && garden.Status != model.GardenUnreachable {
		return
	}
	garden.Status = model.GardenRunning
	garden.StatusInfo.Heartbeat = time.Now().UTC()
	if _, err := m.repo.Gardens().Update(ctx, garden); err != nil {
		m.logger.Error("garden status update failed", "garden", name, "error", err)
		return
	}
	m.bus.Publish(model.NewEvent(model.EventGardenStarted, name, "Garden", garden))
}
