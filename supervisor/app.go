package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/beer-garden/beer-garden/api"
	"github.com/beer-garden/beer-garden/broker"
	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/federation"
	"github.com/beer-garden/beer-garden/instance"
	"github.com/beer-garden/beer-garden/metric"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/requests"
	"github.com/beer-garden/beer-garden/router"
	"github.com/beer-garden/beer-garden/scheduler"
	"github.com/beer-garden/beer-garden/token"
)

// Version is stamped at build time.
var Version = "dev"

// App owns every component and their startup order.
type App struct {
	Config     *config.SafeConfig
	Bus        *eventbus.Bus
	Repo       repository.Repository
	Gateway    broker.Gateway
	Metrics    *metric.Registry
	Processor  *requests.Processor
	Instances  *instance.Controller
	Monitor    *instance.Monitor
	Scheduler  *scheduler.Scheduler
	Syncer     *federation.Syncer
	Federation *federation.Manager
	Router     *router.Router
	Tokens     *token.Service
	Server     *api.Server

	gardenName string
	logger     *slog.Logger

	natsConn *nats.Conn
	mirror   *repository.Mirror
	parent   *parentLink
	runner   *pluginRunner
	detach   []func()

	serverErr chan error
}

// New builds the component graph without starting anything.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		Config:     config.NewSafeConfig(cfg),
		gardenName: cfg.GardenName,
		logger:     logger.With("component", "supervisor"),
		serverErr:  make(chan error, 1),
	}
}

// Start brings the garden up: broker, repository, domain components,
// monitors, federation, and finally the HTTP entry point.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config.Get()

	a.Bus = eventbus.New(a.logger)
	if err := a.Bus.Start(ctx); err != nil {
		return err
	}

	a.Metrics = metric.NewRegistry()
	if err := a.connectBroker(ctx, cfg); err != nil {
		return err
	}

	a.Repo = repository.NewMemory(a.Bus, a.gardenName)
	if a.mirror != nil {
		if err := a.mirror.Restore(ctx, a.Repo); err != nil {
			return errors.Wrap(err, "App", "Start", "restore persisted state")
		}
		a.mirror.Attach(a.Bus)
		a.detach = append(a.detach, a.mirror.Detach)
	}

	if err := a.ensureLocalGarden(ctx, cfg); err != nil {
		return err
	}
	if cfg.ChildrenDir != "" {
		if err := a.loadChildren(ctx, cfg.ChildrenDir); err != nil {
			return err
		}
	}

	secret, err := cfg.AuthSecret()
	if err != nil {
		return err
	}
	a.Tokens = token.NewService(a.Repo, a.logger, secret,
		cfg.Auth.AccessTTL.Std(), cfg.Auth.RefreshTTL.Std())

	a.Processor = requests.NewProcessor(a.Repo, a.Gateway, a.Bus, nil, a.gardenName, a.logger)
	a.Instances = instance.NewController(a.Repo, a.Gateway, a.Bus, a.logger, a.gardenName)
	a.Monitor = instance.NewMonitor(a.Repo, a.Bus, a.logger, a.gardenName,
		cfg.Plugin.HeartbeatInterval.Std())
	a.Scheduler = scheduler.New(a.Repo, a.Processor, a.Bus, a.logger, a.gardenName)
	a.Syncer = federation.NewSyncer(a.Repo, a.Processor, a.Bus, a.logger, a.gardenName)

	blocked := make([]model.EventName, 0, len(cfg.BlockedEvents))
	for _, name := range cfg.BlockedEvents {
		blocked = append(blocked, model.EventName(name))
	}
	a.Federation = federation.NewManager(a.Repo, a.Bus, a.logger, a.gardenName, blocked)

	a.Router = router.New(a.Repo, a.logger, a.gardenName)
	a.Router.SetForwarder(a.Federation)
	a.registerHandlers(a.Router)
	a.Federation.SetInboundHandler(func(ctx context.Context, op *model.Operation) {
		op.SourceGarden = model.SourceGardenChild
		if _, err := a.Router.Route(ctx, op); err != nil {
			a.logger.Error("inbound operation failed",
				"operation", op.OperationType, "error", err)
		}
	})

	a.detach = append(a.detach,
		a.Router.Attach(a.Bus),
		a.Federation.Attach(a.Bus),
		a.Scheduler.Attach(a.Bus),
	)

	a.Monitor.Start(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.Federation.Start(ctx); err != nil {
		return err
	}

	if cfg.Parent.GardenFile != "" {
		a.parent, err = newParentLink(cfg, a.Bus, a.Syncer, a.Router, a.logger)
		if err != nil {
			return err
		}
		a.parent.Start(ctx)
	}

	if cfg.Plugin.Directory != "" {
		a.runner = newPluginRunner(cfg, a.gardenName, a.logger)
		if err := a.runner.Start(ctx); err != nil {
			// Broken plugin directories never block garden startup.
			a.logger.Error("plugin runner start failed", "error", err)
		}
	}

	a.Server = api.NewServer(api.Deps{
		Config:    a.Config,
		Repo:      a.Repo,
		Processor: a.Processor,
		Instances: a.Instances,
		Scheduler: a.Scheduler,
		Tokens:    a.Tokens,
		Router:    a.Router,
		Syncer:    a.Syncer,
		Bus:       a.Bus,
		Metrics:   a.Metrics,
		Logger:    a.logger,
	})
	go func() {
		a.serverErr <- a.Server.Start()
	}()

	a.Bus.Publish(model.NewEvent(model.EventEntryStarted, a.gardenName, "Garden", nil))
	a.logger.Info("garden started", "garden", a.gardenName, "version", Version)
	return nil
}

// Wait blocks until the HTTP server exits.
func (a *App) Wait() error {
	return <-a.serverErr
}

// Stop tears components down in reverse start order.
func (a *App) Stop(timeout time.Duration) {
	a.Bus.Publish(model.NewEvent(model.EventEntryStopped, a.gardenName, "Garden", nil))

	if a.Server != nil {
		if err := a.Server.Stop(timeout); err != nil {
			a.logger.Warn("api shutdown failed", "error", err)
		}
	}
	if a.runner != nil {
		a.runner.Stop(timeout)
	}
	if a.parent != nil {
		a.parent.Stop()
	}
	if a.Federation != nil {
		a.Federation.Stop()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	for _, detach := range a.detach {
		detach()
	}
	if a.Bus != nil {
		if err := a.Bus.Stop(timeout); err != nil {
			a.logger.Warn("event bus shutdown failed", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	a.logger.Info("garden stopped", "garden", a.gardenName)
}

// connectBroker dials NATS when a URL is configured, otherwise the
// in-process gateway backs the queues and nothing persists.
func (a *App) connectBroker(ctx context.Context, cfg *config.Config) error {
	if cfg.Broker.URL == "" {
		a.Gateway = broker.NewMemoryGateway()
		a.logger.Warn("no broker url configured, using in-process queues")
		return nil
	}

	conn, err := nats.Connect(cfg.Broker.URL,
		nats.Name("beer-garden-"+a.gardenName),
		nats.Timeout(cfg.Broker.ConnectTimeout.Std()),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return errors.WrapTransient(err, "App", "connectBroker", "dial "+cfg.Broker.URL)
	}
	a.natsConn = conn

	metrics, err := broker.NewMetrics(a.Metrics)
	if err != nil {
		return err
	}
	gateway, err := broker.NewNATSGateway(ctx, conn, a.logger, metrics)
	if err != nil {
		return err
	}
	a.Gateway = gateway

	js, err := jetstream.New(conn)
	if err != nil {
		return errors.Wrap(err, "App", "connectBroker", "open jetstream")
	}
	a.mirror, err = repository.NewMirror(ctx, js, a.logger)
	if err != nil {
		return err
	}
	return nil
}

// ensureLocalGarden creates the LOCAL garden record on first boot and
// refreshes its version and namespaces on later ones.
func (a *App) ensureLocalGarden(ctx context.Context, cfg *config.Config) error {
	garden, err := a.Repo.Gardens().Local(ctx)
	if errors.IsNotFound(err) {
		garden = &model.Garden{
			ID:             uuid.NewString(),
			Name:           a.gardenName,
			ConnectionType: model.ConnectionLocal,
			Status:         model.GardenRunning,
			Namespaces:     cfg.Namespaces,
			Version:        Version,
		}
		garden.StatusInfo.Heartbeat = time.Now().UTC()
		return a.Repo.Gardens().Create(ctx, garden)
	}
	if err != nil {
		return err
	}

	garden.Status = model.GardenRunning
	garden.Namespaces = cfg.Namespaces
	garden.Version = Version
	garden.StatusInfo.Heartbeat = time.Now().UTC()
	_, err = a.Repo.Gardens().Update(ctx, garden)
	return err
}

// loadChildren registers child gardens from their definition files,
// preserving runtime state of gardens already known.
func (a *App) loadChildren(ctx context.Context, dir string) error {
	children, err := config.LoadGardenFiles(dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Name == a.gardenName {
			return errors.New(errors.KindValidation, "App", "loadChildren",
				"child garden file shadows the local garden name")
		}
		existing, err := a.Repo.Gardens().Get(ctx, child.Name)
		if errors.IsNotFound(err) {
			child.ID = uuid.NewString()
			if err := a.Repo.Gardens().Create(ctx, child); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		existing.ConnectionType = child.ConnectionType
		existing.ConnectionParams = child.ConnectionParams
		existing.PublishingEnabled = child.PublishingEnabled
		existing.ReceivingEnabled = child.ReceivingEnabled
		if _, err := a.Repo.Gardens().Update(ctx, existing); err != nil {
			return err
		}
	}
	return nil
}
