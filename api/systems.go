package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

func (s *Server) listSystems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.SystemFilter{
		Namespace:        q.Get("namespace"),
		Name:             q.Get("name"),
		Version:          q.Get("version"),
		IncludeCommands:  true,
		IncludeInstances: true,
	}
	if local, err := strconv.ParseBool(q.Get("local")); err == nil {
		filter.Local = &local
	}
	if fields, err := strconv.ParseBool(q.Get("include_fields")); err == nil {
		filter.IncludeCommands = fields
		filter.IncludeInstances = fields
	}

	systems, err := s.repo.Systems().List(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, systems)
}

func (s *Server) createSystem(w http.ResponseWriter, r *http.Request) {
	var system model.System
	if err := s.decode(w, r, &system); err != nil {
		s.respondError(w, err)
		return
	}
	if err := system.Validate(); err != nil {
		s.respondError(w, errors.WrapValidation(err, "Server", "createSystem", "validate system"))
		return
	}

	// Re-registration of an existing tuple patches it in place.
	if existing, err := s.repo.Systems().GetByTuple(
		r.Context(), system.Namespace, system.Name, system.Version); err == nil {
		system.ID = existing.ID
		updated, err := s.repo.Systems().Update(r.Context(), &system)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, updated)
		return
	}

	if system.ID == "" {
		system.ID = uuid.NewString()
	}
	if err := s.repo.Systems().Create(r.Context(), &system); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, &system)
}

func (s *Server) getSystem(w http.ResponseWriter, r *http.Request) {
	system, err := s.repo.Systems().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, system)
}

// systemPatch is the PATCH body for a system. Reload restarts every
// instance on the owning garden instead of editing fields.
type systemPatch struct {
	Reload      bool             `json:"reload,omitempty"`
	Description *string          `json:"description,omitempty"`
	DisplayName *string          `json:"display_name,omitempty"`
	IconName    *string          `json:"icon_name,omitempty"`
	Commands    []*model.Command `json:"commands,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

func (s *Server) patchSystem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch systemPatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	if patch.Reload {
		result, err := s.opRouter.Route(r.Context(), &model.Operation{
			OperationType: model.OpSystemReload,
			Args:          []string{id},
		})
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, result)
		return
	}

	system, err := s.repo.Systems().Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if patch.Description != nil {
		system.Description = *patch.Description
	}
	if patch.DisplayName != nil {
		system.DisplayName = *patch.DisplayName
	}
	if patch.IconName != nil {
		system.IconName = *patch.IconName
	}
	if patch.Commands != nil {
		system.Commands = patch.Commands
	}
	if patch.Metadata != nil {
		system.Metadata = patch.Metadata
	}

	op := &model.Operation{OperationType: model.OpSystemUpdate, Args: []string{id}}
	if err := op.WithModel("System", system); err != nil {
		s.respondError(w, errors.WrapValidation(err, "Server", "patchSystem", "serialize model"))
		return
	}
	result, err := s.opRouter.Route(r.Context(), op)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) deleteSystem(w http.ResponseWriter, r *http.Request) {
	_, err := s.opRouter.Route(r.Context(), &model.Operation{
		OperationType: model.OpSystemDelete,
		Args:          []string{chi.URLParam(r, "id")},
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
