package instance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// Monitor watches instance heartbeats for local systems and demotes
// instances that go silent: UNRESPONSIVE after two missed heartbeat
// windows, DEAD after three. Operator-stopped instances are never
// demoted.
type Monitor struct {
	repo     repository.Repository
	bus      Publisher
	logger   *slog.Logger
	garden   string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor creates a Monitor. heartbeatInterval is the interval plugins
// are expected to report at; the monitor ticks three times per window so a
// demotion lags a missed deadline by a third of a window at most.
func NewMonitor(
	repo repository.Repository,
	bus Publisher,
	logger *slog.Logger,
	garden string,
	heartbeatInterval time.Duration,
) *Monitor {
	return &Monitor{
		repo:     repo,
		bus:      bus,
		logger:   logger.With("component", "instance.monitor"),
		garden:   garden,
		interval: heartbeatInterval,
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep examines every local instance once.
func (m *Monitor) sweep(ctx context.Context) {
	local := true
	systems, err := m.repo.Systems().List(ctx, repository.SystemFilter{
		Local:            &local,
		IncludeInstances: true,
	})
	if err != nil {
		m.logger.Error("list systems failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, system := range systems {
		for _, inst := range system.Instances {
			m.check(ctx, system, inst, now)
		}
	}
}

func (m *Monitor) check(ctx context.Context, system *model.System, inst *model.Instance, now time.Time) {
	age := inst.HeartbeatAge(now)

	var verdict model.InstanceStatus
	switch {
	case age >= 3*m.interval:
		verdict = model.InstanceDead
	case age >= 2*m.interval:
		verdict = model.InstanceUnresponsive
	default:
		// A fresh heartbeat heals an UNRESPONSIVE instance.
		if inst.Status == model.InstanceUnresponsive {
			m.transition(ctx, system, inst, model.InstanceRunning)
		}
		return
	}

	if verdict == inst.Status || !inst.Status.CanMonitorDowngrade(verdict) {
		return
	}
	m.transition(ctx, system, inst, verdict)
}

func (m *Monitor) transition(ctx context.Context, system *model.System, inst *model.Instance, next model.InstanceStatus) {
	updated, err := m.repo.Systems().ModifyInstance(ctx, inst.ID, func(i *model.Instance) error {
		// Re-check under the store's lock; a status report may have landed
		// between the sweep snapshot and now.
		if i.Status != inst.Status {
			return nil
		}
		i.Status = next
		return nil
	})
	if err != nil {
		m.logger.Error("instance transition failed",
			"instance_id", inst.ID, "to", string(next), "error", err)
		return
	}
	if updated.Status != next {
		return
	}

	m.logger.Warn("instance heartbeat verdict",
		"instance_id", inst.ID, "system", system.Key(),
		"from", string(inst.Status), "to", string(next))
	m.bus.Publish(model.NewEvent(model.EventInstanceUpdated, m.garden, "Instance", updated))
}
