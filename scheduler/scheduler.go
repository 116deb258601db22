// Package scheduler fires persisted jobs. The job store is the source of
// truth; the scheduler keeps only an in-memory timer per armed job and
// recomputes everything from the store at startup, so a restart loses no
// schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// jobIDMetadataKey marks requests spawned by a job so completions can be
// counted back onto it.
const jobIDMetadataKey = "_job_id"

// RequestRunner is the slice of the request processor the scheduler
// needs.
type RequestRunner interface {
	ProcessRequest(ctx context.Context, request *model.Request, waitTimeout time.Duration) (*model.Request, error)
}

// Publisher is the slice of the event bus the scheduler needs.
type Publisher interface {
	Publish(event model.Event)
}

// Scheduler arms triggers for RUNNING jobs and turns fires into requests.
type Scheduler struct {
	repo    repository.Repository
	runner  RequestRunner
	bus     Publisher
	logger  *slog.Logger
	garden  string
	watcher *fileWatcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(
	repo repository.Repository,
	runner RequestRunner,
	bus Publisher,
	logger *slog.Logger,
	garden string,
) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		runner: runner,
		bus:    bus,
		logger: logger.With("component", "scheduler"),
		garden: garden,
		timers: make(map[string]*time.Timer),
	}
	s.watcher = newFileWatcher(s, logger)
	return s
}

// Start arms every RUNNING job from the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	jobs, err := s.repo.Jobs().List(ctx)
	if err != nil {
		return errors.Wrap(err, "Scheduler", "Start", "list jobs")
	}
	for _, job := range jobs {
		if job.Status != model.JobRunning {
			continue
		}
		if err := s.arm(ctx, job); err != nil {
			s.logger.Error("arm job failed", "job", job.Name, "error", err)
		}
	}
	return s.watcher.start(s.runCtx)
}

// Stop disarms every timer and waits for in-flight fires.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.watcher.stop()
	s.wg.Wait()
}

// Attach subscribes the scheduler to request completions so job success
// and error counters track outcomes. Returns the unsubscribe function.
func (s *Scheduler) Attach(bus *eventbus.Bus) func() {
	return bus.SubscribeNames(func(event model.Event) {
		request, ok := event.Payload.(*model.Request)
		if !ok || request.Metadata == nil {
			return
		}
		jobID, ok := request.Metadata[jobIDMetadataKey].(string)
		if !ok {
			return
		}
		s.recordOutcome(context.Background(), jobID, request.Status)
	}, model.EventRequestCompleted)
}

// CreateJob validates, persists, and arms a job.
func (s *Scheduler) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "Scheduler", "CreateJob", job.Name)
	}
	if job.ID == "" {
		job.ID = model.NewID()
	}
	if job.Status == "" {
		job.Status = model.JobRunning
	}

	if job.Status == model.JobRunning {
		next, err := nextFire(job, time.Now())
		if err != nil {
			return nil, err
		}
		job.NextRunTime = next
	}
	if err := s.repo.Jobs().Create(ctx, job); err != nil {
		return nil, err
	}
	if job.Status == model.JobRunning {
		if err := s.arm(ctx, job); err != nil {
			return nil, err
		}
	}

	s.bus.Publish(model.NewEvent(model.EventJobCreated, s.garden, "Job", job))
	return job, nil
}

// UpdateJob replaces a job's definition and re-arms it.
func (s *Scheduler) UpdateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "Scheduler", "UpdateJob", job.Name)
	}
	s.disarm(job.ID)

	if job.Status == model.JobRunning {
		next, err := nextFire(job, time.Now())
		if err != nil {
			return nil, err
		}
		job.NextRunTime = next
	} else {
		job.NextRunTime = nil
	}

	updated, err := s.repo.Jobs().Update(ctx, job)
	if err != nil {
		return nil, err
	}
	if updated.Status == model.JobRunning {
		if err := s.arm(ctx, updated); err != nil {
			return nil, err
		}
	}

	s.bus.Publish(model.NewEvent(model.EventJobUpdated, s.garden, "Job", updated))
	return updated, nil
}

// PauseJob disarms the trigger without losing the definition.
func (s *Scheduler) PauseJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Jobs().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.disarm(id)
	job.Status = model.JobPaused
	job.NextRunTime = nil
	updated, err := s.repo.Jobs().Update(ctx, job)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(model.NewEvent(model.EventJobPaused, s.garden, "Job", updated))
	return updated, nil
}

// ResumeJob re-arms a paused job.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Jobs().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobRunning
	next, err := nextFire(job, time.Now())
	if err != nil {
		return nil, err
	}
	job.NextRunTime = next
	updated, err := s.repo.Jobs().Update(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := s.arm(ctx, updated); err != nil {
		return nil, err
	}
	s.bus.Publish(model.NewEvent(model.EventJobResumed, s.garden, "Job", updated))
	return updated, nil
}

// DeleteJob disarms and removes a job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.disarm(id)
	job, err := s.repo.Jobs().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Jobs().Delete(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(model.NewEvent(model.EventJobDeleted, s.garden, "Job", job))
	return nil
}

// ExecuteJob fires a job immediately without touching its schedule.
func (s *Scheduler) ExecuteJob(ctx context.Context, id string) error {
	job, err := s.repo.Jobs().Get(ctx, id)
	if err != nil {
		return err
	}
	s.fire(ctx, job)
	return nil
}

// arm schedules the next fire. Exhausted triggers leave the job stored
// but dormant.
func (s *Scheduler) arm(ctx context.Context, job *model.Job) error {
	if job.TriggerType == model.TriggerFile {
		return s.watcher.watch(job)
	}

	now := time.Now()
	next := job.NextRunTime
	if next == nil || !next.After(now) {
		computed, err := nextFire(job, now)
		if err != nil {
			return err
		}
		next = computed
	}
	if next == nil {
		s.logger.Info("trigger exhausted", "job", job.Name)
		return nil
	}

	job.NextRunTime = next
	if _, err := s.repo.Jobs().Update(ctx, job); err != nil {
		return err
	}

	id := job.ID
	timer := time.AfterFunc(time.Until(*next), func() { s.onFire(id) })
	s.mu.Lock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = timer
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.watcher.unwatch(id)
}

// onFire runs when a timer expires: reload the job, fire it, re-arm.
func (s *Scheduler) onFire(id string) {
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	job, err := s.repo.Jobs().Get(ctx, id)
	if err != nil {
		s.logger.Warn("fired job missing", "job_id", id, "error", err)
		return
	}
	if job.Status != model.JobRunning {
		return
	}

	// fire blocks until the request finishes for reschedule_on_finish
	// jobs, so the next period measures gap rather than cadence.
	s.fire(ctx, job)

	job.NextRunTime = nil
	if err := s.arm(ctx, job); err != nil {
		s.logger.Error("re-arm failed", "job", job.Name, "error", err)
	}
}

// fire turns the job's template into a request. Interval jobs with
// reschedule_on_finish block until the outcome; everything else returns
// as soon as the request is accepted.
func (s *Scheduler) fire(ctx context.Context, job *model.Job) {
	request := job.RequestTemplate.ToRequest()
	if request.Metadata == nil {
		request.Metadata = make(map[string]any)
	}
	request.Metadata[jobIDMetadataKey] = job.ID

	wait := time.Duration(0)
	if job.TriggerType == model.TriggerInterval && job.Trigger.Interval.RescheduleOnFinish {
		wait = -1
		if job.Timeout > 0 {
			wait = time.Duration(job.Timeout) * time.Second
		}
	}

	s.wg.Add(1)
	defer s.wg.Done()
	if _, err := s.runner.ProcessRequest(ctx, request, wait); err != nil {
		s.logger.Error("job request failed", "job", job.Name, "error", err)
		s.recordOutcome(ctx, job.ID, model.RequestError)
	}
	s.bus.Publish(model.NewEvent(model.EventJobExecuted, s.garden, "Job", job))
}

// recordOutcome bumps the job's success or error counter.
func (s *Scheduler) recordOutcome(ctx context.Context, jobID string, status model.RequestStatus) {
	job, err := s.repo.Jobs().Get(ctx, jobID)
	if err != nil {
		return
	}
	switch status {
	case model.RequestSuccess:
		job.SuccessCount++
	case model.RequestError, model.RequestCanceled, model.RequestInvalid:
		job.ErrorCount++
	default:
		return
	}
	if _, err := s.repo.Jobs().Update(ctx, job); err != nil {
		s.logger.Warn("outcome counter update failed", "job_id", jobID, "error", err)
	}
}
