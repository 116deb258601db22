// Package api exposes the HTTP surface: REST endpoints for every entity,
// the operation forward endpoint used by parent gardens, and the event
// websocket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/federation"
	"github.com/beer-garden/beer-garden/instance"
	"github.com/beer-garden/beer-garden/metric"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/requests"
	"github.com/beer-garden/beer-garden/router"
	"github.com/beer-garden/beer-garden/scheduler"
	"github.com/beer-garden/beer-garden/token"
)

// Server hosts the HTTP API.
type Server struct {
	cfg       *config.SafeConfig
	repo      repository.Repository
	processor *requests.Processor
	instances *instance.Controller
	scheduler *scheduler.Scheduler
	tokens    *token.Service
	opRouter  *router.Router
	syncer    *federation.Syncer
	bus       *eventbus.Bus
	metrics   *metric.Registry
	logger    *slog.Logger

	httpServer *http.Server
	running    atomic.Bool

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// Deps collects the server's collaborators.
type Deps struct {
	Config    *config.SafeConfig
	Repo      repository.Repository
	Processor *requests.Processor
	Instances *instance.Controller
	Scheduler *scheduler.Scheduler
	Tokens    *token.Service
	Router    *router.Router
	Syncer    *federation.Syncer
	Bus       *eventbus.Bus
	Metrics   *metric.Registry
	Logger    *slog.Logger
}

// NewServer wires a Server and its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		repo:      deps.Repo,
		processor: deps.Processor,
		instances: deps.Instances,
		scheduler: deps.Scheduler,
		tokens:    deps.Tokens,
		opRouter:  deps.Router,
		syncer:    deps.Syncer,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "api"),
	}

	cfg := deps.Config.Get()
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	if len(cfg.HTTP.CORSOrigins) > 0 {
		r.Use(s.cors(cfg.HTTP.CORSOrigins))
	}

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.getVersion)

		r.Post("/token", s.issueToken)
		r.Post("/token/refresh", s.refreshToken)
		r.Post("/token/revoke", s.revokeToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/requests", func(r chi.Router) {
				r.Get("/", s.listRequests)
				r.Post("/", s.createRequest)
				r.Get("/{id}", s.getRequest)
				r.Patch("/{id}", s.patchRequest)
			})

			r.Route("/systems", func(r chi.Router) {
				r.Get("/", s.listSystems)
				r.Post("/", s.createSystem)
				r.Get("/{id}", s.getSystem)
				r.Patch("/{id}", s.patchSystem)
				r.Delete("/{id}", s.deleteSystem)
			})

			r.Route("/instances/{id}", func(r chi.Router) {
				r.Get("/", s.getInstance)
				r.Patch("/", s.patchInstance)
				r.Delete("/", s.deleteInstance)
				r.Get("/logs", s.getInstanceLogs)
				r.Get("/queues", s.getInstanceQueue)
			})

			r.Route("/gardens", func(r chi.Router) {
				r.Get("/", s.listGardens)
				r.Post("/", s.createGarden)
				r.Get("/{name}", s.getGarden)
				r.Patch("/{name}", s.patchGarden)
				r.Delete("/{name}", s.deleteGarden)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listJobs)
				r.Post("/", s.createJob)
				r.Post("/import", s.importJobs)
				r.Post("/export", s.exportJobs)
				r.Get("/{id}", s.getJob)
				r.Patch("/{id}", s.patchJob)
				r.Delete("/{id}", s.deleteJob)
				r.Post("/{id}/execute", s.executeJob)
			})

			r.Route("/topics", func(r chi.Router) {
				r.Get("/", s.listTopics)
				r.Post("/", s.createTopic)
				r.Get("/{id}", s.getTopic)
				r.Patch("/{id}", s.patchTopic)
				r.Delete("/{id}", s.deleteTopic)
				r.Get("/name/{name}", s.getTopicByName)
				r.Post("/name/{name}/publish", s.publishToTopic)
			})

			r.Post("/forward", s.forwardOperation)
			r.Get("/socket/events", s.eventSocket)
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "api server")
	}

	cfg := s.cfg.Get()
	s.logger.Info("api listening", "addr", s.httpServer.Addr, "ssl", cfg.HTTP.SSLCert != "")

	var err error
	if cfg.HTTP.SSLCert != "" {
		err = s.httpServer.ListenAndServeTLS(cfg.HTTP.SSLCert, cfg.HTTP.SSLKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", "serve")
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	garden, err := s.repo.Gardens().Local(r.Context())
	version := "unknown"
	if err == nil && garden.Version != "" {
		version = garden.Version
	}
	s.respond(w, http.StatusOK, map[string]string{"beer_garden_version": version})
}
