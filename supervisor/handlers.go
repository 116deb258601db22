// Package supervisor assembles the application: it owns component
// construction order, operation dispatch wiring, the upstream parent
// link, and the local plugin runner.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/requests"
	"github.com/beer-garden/beer-garden/router"
)

// kwargString reads an optional string kwarg.
func kwargString(op *model.Operation, key string) string {
	v, _ := op.Kwargs[key].(string)
	return v
}

// kwargDuration reads a millisecond-count kwarg. JSON numbers arrive as
// float64.
func kwargDuration(op *model.Operation, key string) time.Duration {
	switch v := op.Kwargs[key].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// arg0 returns the first positional argument or a validation error.
func arg0(op *model.Operation) (string, error) {
	if len(op.Args) == 0 {
		return "", errors.New(errors.KindValidation, "App", "dispatch",
			string(op.OperationType)+" requires an entity id argument")
	}
	return op.Args[0], nil
}

// registerHandlers binds every operation type to its executing component.
func (a *App) registerHandlers(r *router.Router) {
	r.Handle(model.OpRequestCreate, a.opRequestCreate)
	r.Handle(model.OpRequestTemplateCreate, a.opRequestTemplateCreate)
	r.Handle(model.OpRequestUpdate, a.opRequestUpdate)
	r.Handle(model.OpRequestCancel, a.opRequestCancel)
	r.Handle(model.OpRequestRead, a.opRequestRead)

	r.Handle(model.OpInstanceInitialize, a.opInstanceInitialize)
	r.Handle(model.OpInstanceStart, a.opInstanceStart)
	r.Handle(model.OpInstanceStop, a.opInstanceStop)
	r.Handle(model.OpInstanceUpdate, a.opInstanceUpdate)
	r.Handle(model.OpInstanceHeartbeat, a.opInstanceHeartbeat)
	r.Handle(model.OpInstanceDelete, a.opInstanceDelete)

	r.Handle(model.OpSystemCreate, a.opSystemCreate)
	r.Handle(model.OpSystemUpdate, a.opSystemUpdate)
	r.Handle(model.OpSystemDelete, a.opSystemDelete)
	r.Handle(model.OpSystemReload, a.opSystemReload)
	r.Handle(model.OpSystemRead, a.opSystemRead)

	r.Handle(model.OpGardenCreate, a.opGardenCreate)
	r.Handle(model.OpGardenUpdate, a.opGardenUpdate)
	r.Handle(model.OpGardenDelete, a.opGardenDelete)
	r.Handle(model.OpGardenSync, a.opGardenSync)

	r.Handle(model.OpJobCreate, a.opJobCreate)
	r.Handle(model.OpJobUpdate, a.opJobUpdate)
	r.Handle(model.OpJobDelete, a.opJobDelete)
	r.Handle(model.OpJobPause, a.opJobPause)
	r.Handle(model.OpJobResume, a.opJobResume)

	r.Handle(model.OpTopicCreate, a.opTopicCreate)
	r.Handle(model.OpTopicDelete, a.opTopicDelete)
	r.Handle(model.OpTopicPublish, a.opTopicPublish)

	r.Handle(model.OpQueueDepth, a.opQueueDepth)
	r.Handle(model.OpQueueDelete, a.opQueueDelete)

	r.Handle(model.OpEventForward, a.opEventForward)
}

func (a *App) opRequestCreate(ctx context.Context, op *model.Operation) (any, error) {
	request, err := op.RequestModel()
	if err != nil {
		return nil, err
	}
	return a.Processor.ProcessRequest(ctx, request, kwargDuration(op, "wait_timeout_ms"))
}

func (a *App) opRequestTemplateCreate(ctx context.Context, op *model.Operation) (any, error) {
	template, err := op.TemplateModel()
	if err != nil {
		return nil, err
	}
	return a.Processor.ProcessRequest(ctx, template.ToRequest(), kwargDuration(op, "wait_timeout_ms"))
}

func (a *App) opRequestUpdate(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	var ops requests.UpdateOps
	if v := kwargString(op, "status"); v != "" {
		status := model.RequestStatus(v)
		ops.Status = &status
	}
	if v, ok := op.Kwargs["output"].(string); ok {
		ops.Output = &v
	}
	if v, ok := op.Kwargs["error_class"].(string); ok {
		ops.ErrorClass = &v
	}
	if v, ok := op.Kwargs["metadata"].(map[string]any); ok {
		ops.Metadata = v
	}
	return a.Processor.UpdateRequest(ctx, id, ops)
}

func (a *App) opRequestCancel(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Processor.CancelRequest(ctx, id)
}

func (a *App) opRequestRead(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Processor.GetRequest(ctx, id)
}

func (a *App) opInstanceInitialize(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Instances.Initialize(ctx, id, kwargString(op, "runner_id"))
}

func (a *App) opInstanceStart(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Instances.Start(ctx, id)
}

func (a *App) opInstanceStop(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Instances.Stop(ctx, id)
}

func (a *App) opInstanceUpdate(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	status := model.InstanceStatus(kwargString(op, "status"))
	if status == "" {
		return nil, errors.New(errors.KindValidation, "App", "opInstanceUpdate",
			"status kwarg is required")
	}
	return a.Instances.UpdateStatus(ctx, id, status)
}

func (a *App) opInstanceHeartbeat(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return nil, a.Instances.Heartbeat(ctx, id)
}

func (a *App) opInstanceDelete(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return nil, a.Instances.Remove(ctx, id)
}

func (a *App) opSystemCreate(ctx context.Context, op *model.Operation) (any, error) {
	system, err := op.SystemModel()
	if err != nil {
		return nil, err
	}
	if err := system.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "App", "opSystemCreate", "validate system")
	}
	if system.ID == "" {
		system.ID = uuid.NewString()
	}
	if err := a.Repo.Systems().Create(ctx, system); err != nil {
		return nil, err
	}
	return system, nil
}

func (a *App) opSystemUpdate(ctx context.Context, op *model.Operation) (any, error) {
	system, err := op.SystemModel()
	if err != nil {
		return nil, err
	}
	return a.Repo.Systems().Update(ctx, system)
}

// opSystemDelete tears down every instance's queues before removing the
// system record.
func (a *App) opSystemDelete(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	system, err := a.Repo.Systems().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, inst := range system.Instances {
		if err := a.Instances.Remove(ctx, inst.ID); err != nil {
			a.logger.Warn("instance teardown failed during system delete",
				"system", system.Key(), "instance", inst.Name, "error", err)
		}
	}
	return nil, a.Repo.Systems().Delete(ctx, id)
}

// opSystemReload restarts every non-stopped instance.
func (a *App) opSystemReload(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	system, err := a.Repo.Systems().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, inst := range system.Instances {
		if inst.Status == model.InstanceStopped {
			continue
		}
		if _, err := a.Instances.Stop(ctx, inst.ID); err != nil {
			return nil, err
		}
		if _, err := a.Instances.Start(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return system, nil
}

func (a *App) opSystemRead(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Repo.Systems().Get(ctx, id)
}

func (a *App) opGardenCreate(ctx context.Context, op *model.Operation) (any, error) {
	garden, err := op.GardenModel()
	if err != nil {
		return nil, err
	}
	if err := garden.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "App", "opGardenCreate", "validate garden")
	}
	if garden.ID == "" {
		garden.ID = uuid.NewString()
	}
	if err := a.Repo.Gardens().Create(ctx, garden); err != nil {
		return nil, err
	}
	return garden, nil
}

func (a *App) opGardenUpdate(ctx context.Context, op *model.Operation) (any, error) {
	garden, err := op.GardenModel()
	if err != nil {
		return nil, err
	}
	return a.Repo.Gardens().Update(ctx, garden)
}

func (a *App) opGardenDelete(ctx context.Context, op *model.Operation) (any, error) {
	name, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return nil, a.Repo.Gardens().Delete(ctx, name)
}

// opGardenSync executes on the garden being synced: it reports a fresh
// snapshot upward through the event stream.
func (a *App) opGardenSync(ctx context.Context, op *model.Operation) (any, error) {
	snapshot, err := a.Syncer.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	a.Bus.Publish(model.NewEvent(model.EventGardenSync, a.gardenName, "Garden", snapshot))
	return snapshot, nil
}

func (a *App) opJobCreate(ctx context.Context, op *model.Operation) (any, error) {
	var job model.Job
	if err := op.UnmarshalModel(&job); err != nil {
		return nil, err
	}
	return a.Scheduler.CreateJob(ctx, &job)
}

func (a *App) opJobUpdate(ctx context.Context, op *model.Operation) (any, error) {
	var job model.Job
	if err := op.UnmarshalModel(&job); err != nil {
		return nil, err
	}
	return a.Scheduler.UpdateJob(ctx, &job)
}

func (a *App) opJobDelete(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return nil, a.Scheduler.DeleteJob(ctx, id)
}

func (a *App) opJobPause(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Scheduler.PauseJob(ctx, id)
}

func (a *App) opJobResume(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Scheduler.ResumeJob(ctx, id)
}

func (a *App) opTopicCreate(ctx context.Context, op *model.Operation) (any, error) {
	var topic model.Topic
	if err := op.UnmarshalModel(&topic); err != nil {
		return nil, err
	}
	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	if err := a.Repo.Topics().Create(ctx, &topic); err != nil {
		return nil, err
	}
	return &topic, nil
}

func (a *App) opTopicDelete(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return nil, a.Repo.Topics().Delete(ctx, id)
}

func (a *App) opTopicPublish(ctx context.Context, op *model.Operation) (any, error) {
	name, err := arg0(op)
	if err != nil {
		return nil, err
	}
	request, err := op.RequestModel()
	if err != nil {
		return nil, err
	}
	return a.Processor.PublishToTopic(ctx, name, request)
}

func (a *App) opQueueDepth(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	return a.Instances.QueueDepth(ctx, id)
}

// opQueueDelete drains the instance's request queue, cancelling every
// pending request.
func (a *App) opQueueDelete(ctx context.Context, op *model.Operation) (any, error) {
	id, err := arg0(op)
	if err != nil {
		return nil, err
	}
	_, inst, err := a.Repo.Systems().FindInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.QueueInfo.Request.Name == "" {
		return nil, errors.New(errors.KindNotFound, "App", "opQueueDelete",
			"instance has no request queue")
	}
	return a.Gateway.Drain(ctx, inst.QueueInfo.Request.Name)
}

func (a *App) opEventForward(ctx context.Context, op *model.Operation) (any, error) {
	event, err := op.EventModel()
	if err != nil {
		return nil, err
	}
	return nil, a.Syncer.HandleEvent(ctx, event)
}
