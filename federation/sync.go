package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/requests"
)

// RequestUpdater applies child-reported request changes through the
// request processor so parent-side waiters complete when a child
// finishes.
type RequestUpdater interface {
	UpdateRequest(ctx context.Context, id string, ops requests.UpdateOps) (*model.Request, error)
}

// Syncer applies state reported by child gardens: full GARDEN_SYNC
// snapshots and the incremental lifecycle events that arrive between
// them.
type Syncer struct {
	repo        repository.Repository
	updater     RequestUpdater
	bus         Publisher
	logger      *slog.Logger
	localGarden string
}

// NewSyncer wires a Syncer.
func NewSyncer(
	repo repository.Repository,
	updater RequestUpdater,
	bus Publisher,
	logger *slog.Logger,
	localGarden string,
) *Syncer {
	return &Syncer{
		repo:        repo,
		updater:     updater,
		bus:         bus,
		logger:      logger.With("component", "federation.syncer"),
		localGarden: localGarden,
	}
}

// HandleSync merges a child's self-report into the stored garden. The
// parent's connection configuration always wins; the child owns its
// status, namespaces, systems, and its own children.
func (s *Syncer) HandleSync(ctx context.Context, reported *model.Garden) error {
	stored, err := s.repo.Gardens().Get(ctx, reported.Name)
	if err != nil {
		return errors.WrapNotFound(errors.ErrUnknownGarden, "Syncer", "HandleSync", reported.Name)
	}

	stored.Status = reported.Status
	stored.StatusInfo.Heartbeat = time.Now().UTC()
	stored.Namespaces = reported.Namespaces
	stored.Systems = reported.Systems
	stored.Children = reported.Children
	stored.Version = reported.Version
	stored.Metadata = reported.Metadata

	updated, err := s.repo.Gardens().Update(ctx, stored)
	if err != nil {
		return err
	}

	// Mirror the child's systems into the system store so routing and the
	// API see one namespace of systems regardless of origin.
	s.upsertSystems(ctx, reported.Systems)
	for _, grandchild := range reported.Children {
		s.upsertSystems(ctx, grandchild.Systems)
	}

	s.logger.Info("garden synced",
		"garden", reported.Name,
		"systems", len(reported.Systems),
		"children", len(reported.Children))
	s.bus.Publish(model.NewEvent(model.EventGardenSync, reported.Name, "Garden", updated))
	return nil
}

func (s *Syncer) upsertSystems(ctx context.Context, systems []*model.System) {
	for _, system := range systems {
		system.Local = false
		existing, err := s.repo.Systems().GetByTuple(ctx, system.Namespace, system.Name, system.Version)
		if err != nil {
			if system.ID == "" {
				system.ID = model.NewID()
			}
			if createErr := s.repo.Systems().Create(ctx, system); createErr != nil {
				s.logger.Warn("system mirror create failed", "system", system.Key(), "error", createErr)
			}
			continue
		}
		system.ID = existing.ID
		if _, err := s.repo.Systems().Update(ctx, system); err != nil {
			s.logger.Warn("system mirror update failed", "system", system.Key(), "error", err)
		}
	}
}

// HandleEvent applies one lifecycle event reported by a child garden.
// Every event refreshes the child's heartbeat; request and instance
// events additionally update the local copies so a parent-side wait
// completes when the child finishes.
func (s *Syncer) HandleEvent(ctx context.Context, event *model.Event) error {
	if event.Garden != "" && event.Garden != s.localGarden {
		s.touchGarden(ctx, event.Garden)
	}

	switch event.Name {
	case model.EventGardenSync:
		garden, err := payloadAs[model.Garden](event.Payload)
		if err != nil {
			return errors.WrapValidation(err, "Syncer", "HandleEvent", "decode garden payload")
		}
		return s.HandleSync(ctx, garden)

	case model.EventRequestUpdated, model.EventRequestCompleted, model.EventRequestCanceled:
		request, err := payloadAs[model.Request](event.Payload)
		if err != nil {
			return errors.WrapValidation(err, "Syncer", "HandleEvent", "decode request payload")
		}
		return s.mirrorRequest(ctx, request)

	case model.EventInstanceUpdated, model.EventInstanceInitialized,
		model.EventInstanceStarted, model.EventInstanceStopped:
		instance, err := payloadAs[model.Instance](event.Payload)
		if err != nil {
			return errors.WrapValidation(err, "Syncer", "HandleEvent", "decode instance payload")
		}
		return s.mirrorInstance(ctx, instance)

	case model.EventSystemCreated, model.EventSystemUpdated:
		system, err := payloadAs[model.System](event.Payload)
		if err != nil {
			return errors.WrapValidation(err, "Syncer", "HandleEvent", "decode system payload")
		}
		s.upsertSystems(ctx, []*model.System{system})
		return nil
	}

	// Remaining child events are re-published locally so subscribers see
	// the whole federation's activity.
	s.bus.Publish(*event)
	return nil
}

// mirrorRequest copies a child-side status change onto the local request
// record through the processor, so parent-side waits complete. Requests
// unknown locally are ignored; they were created on the child directly.
func (s *Syncer) mirrorRequest(ctx context.Context, reported *model.Request) error {
	_, err := s.updater.UpdateRequest(ctx, reported.ID, requests.UpdateOps{
		Status:     &reported.Status,
		Output:     &reported.Output,
		ErrorClass: &reported.ErrorClass,
	})
	if errors.IsNotFound(err) || errors.IsValidation(err) {
		return nil
	}
	return err
}

func (s *Syncer) mirrorInstance(ctx context.Context, reported *model.Instance) error {
	_, err := s.repo.Systems().ModifyInstance(ctx, reported.ID, func(i *model.Instance) error {
		i.Status = reported.Status
		i.StatusInfo = reported.StatusInfo
		return nil
	})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func (s *Syncer) touchGarden(ctx context.Context, name string) {
	garden, err := s.repo.Gardens().Get(ctx, name)
	if err != nil {
		return
	}
	garden.StatusInfo.Heartbeat = time.Now().UTC()
	if garden.Status == model.GardenUnreachable {
		// Traffic from the child proves it back alive.
		garden.Status = model.GardenRunning
	}
	if _, err := s.repo.Gardens().Update(ctx, garden); err != nil {
		s.logger.Warn("garden heartbeat update failed", "garden", name, "error", err)
	}
}

// Snapshot builds this garden's self-report for an upstream parent: the
// local garden record carrying every local system plus the already-synced
// state of this garden's own children.
func (s *Syncer) Snapshot(ctx context.Context) (*model.Garden, error) {
	local, err := s.repo.Gardens().Local(ctx)
	if err != nil {
		return nil, err
	}

	isLocal := true
	systems, err := s.repo.Systems().List(ctx, repository.SystemFilter{
		Local:            &isLocal,
		IncludeCommands:  true,
		IncludeInstances: true,
	})
	if err != nil {
		return nil, err
	}
	local.Systems = systems

	gardens, err := s.repo.Gardens().List(ctx)
	if err != nil {
		return nil, err
	}
	local.Children = local.Children[:0]
	for _, garden := range gardens {
		if garden.ConnectionType != model.ConnectionLocal {
			local.Children = append(local.Children, garden)
		}
	}
	return local, nil
}

// payloadAs decodes an event payload that may be either the typed struct
// (local bus) or generic JSON (off the wire).
func payloadAs[T any](payload any) (*T, error) {
	if typed, ok := payload.(*T); ok {
		return typed, nil
	}
	if typed, ok := payload.(T); ok {
		return &typed, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
