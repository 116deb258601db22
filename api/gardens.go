package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

func (s *Server) listGardens(w http.ResponseWriter, r *http.Request) {
	gardens, err := s.repo.Gardens().List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, gardens)
}

func (s *Server) createGarden(w http.ResponseWriter, r *http.Request) {
	var garden model.Garden
	if err := s.decode(w, r, &garden); err != nil {
		s.respondError(w, err)
		return
	}
	if err := garden.Validate(); err != nil {
		s.respondError(w, errors.WrapValidation(err, "Server", "createGarden", "validate garden"))
		return
	}
	if garden.ID == "" {
		garden.ID = uuid.NewString()
	}
	if garden.Status == "" {
		garden.Status = model.GardenInitializing
	}
	if err := s.repo.Gardens().Create(r.Context(), &garden); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, &garden)
}

func (s *Server) getGarden(w http.ResponseWriter, r *http.Request) {
	garden, err := s.repo.Gardens().Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, garden)
}

// gardenPatch is the PATCH body for a garden. Sync requests a fresh
// snapshot from the child instead of editing fields.
type gardenPatch struct {
	Sync             bool                    `json:"sync,omitempty"`
	Status           model.GardenStatus      `json:"status,omitempty"`
	ConnectionType   model.ConnectionType    `json:"connection_type,omitempty"`
	ConnectionParams *model.ConnectionParams `json:"connection_params,omitempty"`
}

func (s *Server) patchGarden(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var patch gardenPatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	if patch.Sync {
		result, err := s.opRouter.Route(r.Context(), &model.Operation{
			OperationType: model.OpGardenSync,
			Args:          []string{name},
			TargetGarden:  name,
		})
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, result)
		return
	}

	garden, err := s.repo.Gardens().Get(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if patch.Status != "" {
		garden.Status = patch.Status
		garden.StatusInfo.Heartbeat = time.Now().UTC()
	}
	if patch.ConnectionType != "" {
		garden.ConnectionType = patch.ConnectionType
	}
	if patch.ConnectionParams != nil {
		garden.ConnectionParams = *patch.ConnectionParams
	}
	if err := garden.Validate(); err != nil {
		s.respondError(w, errors.WrapValidation(err, "Server", "patchGarden", "validate garden"))
		return
	}

	updated, err := s.repo.Gardens().Update(r.Context(), garden)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) deleteGarden(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	garden, err := s.repo.Gardens().Get(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if garden.ConnectionType == model.ConnectionLocal {
		s.respondError(w, errors.New(errors.KindValidation,
			"Server", "deleteGarden", "the local garden cannot be deleted"))
		return
	}
	if err := s.repo.Gardens().Delete(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// forwardOperation receives operations sent downward by a parent garden.
// Everything arriving here executes locally; re-stamping the source keeps
// the router from forwarding it back up.
func (s *Server) forwardOperation(w http.ResponseWriter, r *http.Request) {
	var op model.Operation
	if err := s.decode(w, r, &op); err != nil {
		s.respondError(w, err)
		return
	}
	op.SourceGarden = model.SourceGardenChild

	result, err := s.opRouter.Route(r.Context(), &op)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if result == nil {
		s.respond(w, http.StatusNoContent, nil)
		return
	}
	s.respond(w, http.StatusOK, result)
}
