// Package instance drives the plugin instance lifecycle: queue
// provisioning at initialization, start/stop admin dispatch, status
// transitions, and the heartbeat monitor that demotes silent instances.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beer-garden/beer-garden/broker"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// Publisher is the slice of the event bus the controller needs.
type Publisher interface {
	Publish(event model.Event)
}

// Controller owns instance lifecycle operations for the local garden.
type Controller struct {
	repo        repository.Repository
	gateway     broker.Gateway
	bus         Publisher
	logger      *slog.Logger
	localGarden string
}

// NewController wires a Controller.
func NewController(
	repo repository.Repository,
	gateway broker.Gateway,
	bus Publisher,
	logger *slog.Logger,
	localGarden string,
) *Controller {
	return &Controller{
		repo:        repo,
		gateway:     gateway,
		bus:         bus,
		logger:      logger.With("component", "instance"),
		localGarden: localGarden,
	}
}

// Initialize provisions the broker queues for an instance, records them on
// the instance, and moves it to INITIALIZING. The plugin reports RUNNING
// itself once its consumers are up. A runner id, when present, ties the
// instance back to the local process runner that spawned it.
func (c *Controller) Initialize(ctx context.Context, instanceID, runnerID string) (*model.Instance, error) {
	system, _, err := c.repo.Systems().FindInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	instance := system.InstanceByID(instanceID)
	requestQueue, err := c.gateway.EnsureRequestQueue(ctx, system.Name, system.Version, instance.Name)
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "Initialize", "provision request queue")
	}
	adminQueue, err := c.gateway.EnsureAdminQueue(ctx, system.Name, system.Version, instance.Name)
	if err != nil {
		return nil, errors.Wrap(err, "Controller", "Initialize", "provision admin queue")
	}

	updated, err := c.repo.Systems().ModifyInstance(ctx, instanceID, func(i *model.Instance) error {
		i.Status = model.InstanceInitializing
		i.StatusInfo.Heartbeat = time.Now().UTC()
		i.QueueType = "nats"
		i.QueueInfo = model.QueueInfo{Request: requestQueue, Admin: adminQueue}
		if runnerID != "" {
			if i.Metadata == nil {
				i.Metadata = make(map[string]any)
			}
			i.Metadata["runner_id"] = runnerID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("instance initialized",
		"instance_id", instanceID, "system", system.Key(), "runner_id", runnerID)
	event := model.NewEvent(model.EventInstanceInitialized, c.localGarden, "Instance", updated)
	if runnerID != "" {
		event.Metadata = map[string]any{"runner_id": runnerID}
	}
	c.bus.Publish(event)
	return updated, nil
}

// Start publishes a _start admin request to the instance's admin queue.
func (c *Controller) Start(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.adminCommand(ctx, instanceID, "_start", model.EventInstanceStarted)
}

// Stop publishes a _stop admin request. The instance transitions to
// STOPPED only when the plugin confirms, so a stop against a dead plugin
// leaves the monitor to finish the job.
func (c *Controller) Stop(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.adminCommand(ctx, instanceID, "_stop", model.EventInstanceStopped)
}

func (c *Controller) adminCommand(
	ctx context.Context,
	instanceID string,
	command string,
	eventName model.EventName,
) (*model.Instance, error) {
	system, instance, err := c.repo.Systems().FindInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	request := &model.Request{
		ID:            model.NewID(),
		Garden:        c.localGarden,
		Namespace:     system.Namespace,
		System:        system.Name,
		SystemVersion: system.Version,
		InstanceName:  instance.Name,
		Command:       command,
		CommandType:   "ADMIN",
		IsAdmin:       true,
		Priority:      1,
		Status:        model.RequestCreated,
		CreatedAt:     time.Now().UTC(),
	}
	opts := broker.PublishOptions{Priority: 1}
	if err := c.gateway.Publish(ctx, request, request.AdminRoutingKey(), opts); err != nil {
		return nil, errors.Wrap(err, "Controller", "adminCommand",
			fmt.Sprintf("publish %s", command))
	}

	c.logger.Info("admin command published",
		"instance_id", instanceID, "command", command, "routing_key", request.AdminRoutingKey())
	c.bus.Publish(model.NewEvent(eventName, c.localGarden, "Instance", instance))
	return instance, nil
}

// UpdateStatus applies a plugin-reported status change, enforcing the
// legal transition table. Updates that restate the current status only
// refresh the heartbeat.
func (c *Controller) UpdateStatus(
	ctx context.Context,
	instanceID string,
	status model.InstanceStatus,
) (*model.Instance, error) {
	updated, err := c.repo.Systems().ModifyInstance(ctx, instanceID, func(i *model.Instance) error {
		if i.Status != status && !i.Status.CanTransition(status) {
			return errors.WrapConflict(errors.ErrInvalidStatus, "Controller", "UpdateStatus",
				fmt.Sprintf("%s -> %s", i.Status, status))
		}
		i.Status = status
		i.StatusInfo.Heartbeat = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.bus.Publish(model.NewEvent(model.EventInstanceUpdated, c.localGarden, "Instance", updated))
	return updated, nil
}

// Heartbeat records that the instance checked in without changing status.
func (c *Controller) Heartbeat(ctx context.Context, instanceID string) error {
	_, err := c.repo.Systems().ModifyInstance(ctx, instanceID, func(i *model.Instance) error {
		i.StatusInfo.Heartbeat = time.Now().UTC()
		return nil
	})
	return err
}

// Remove tears down the instance's broker queues. Request queues drain
// first so in-flight requests are cancelled rather than stranded.
func (c *Controller) Remove(ctx context.Context, instanceID string) error {
	_, instance, err := c.repo.Systems().FindInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	for _, queue := range []string{instance.QueueInfo.Request.Name, instance.QueueInfo.Admin.Name} {
		if queue == "" {
			continue
		}
		if err := c.gateway.Destroy(ctx, queue, false); err != nil {
			// Queue teardown failures never block removal.
			c.logger.Warn("queue destroy failed", "queue", queue, "error", err)
		}
	}
	return nil
}

// QueueDepth reports the pending message count of the instance's request
// queue.
func (c *Controller) QueueDepth(ctx context.Context, instanceID string) (int, error) {
	_, instance, err := c.repo.Systems().FindInstance(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if instance.QueueInfo.Request.Name == "" {
		return 0, errors.WrapNotFound(errors.ErrQueueNotFound, "Controller", "QueueDepth", instanceID)
	}
	return c.gateway.Depth(ctx, instance.QueueInfo.Request.Name)
}
