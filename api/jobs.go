package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.Jobs().List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, jobs)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	if err := s.decode(w, r, &job); err != nil {
		s.respondError(w, err)
		return
	}
	created, err := s.scheduler.CreateJob(r.Context(), &job)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, created)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.Jobs().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

// jobPatch is the PATCH body for a job. A status change pauses or resumes
// the schedule; any other field rewrites the definition.
type jobPatch struct {
	Status *model.JobStatus `json:"status,omitempty"`
	Job    *model.Job       `json:"job,omitempty"`
}

func (s *Server) patchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch jobPatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	switch {
	case patch.Status != nil && *patch.Status == model.JobPaused:
		job, err := s.scheduler.PauseJob(r.Context(), id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, job)
	case patch.Status != nil && *patch.Status == model.JobRunning:
		job, err := s.scheduler.ResumeJob(r.Context(), id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, job)
	case patch.Job != nil:
		patch.Job.ID = id
		job, err := s.scheduler.UpdateJob(r.Context(), patch.Job)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, job)
	default:
		s.respondError(w, errors.New(errors.KindValidation,
			"Server", "patchJob", "no status or job definition given"))
	}
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) executeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ExecuteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, nil)
}

// exportJobs renders the named jobs (or all jobs when the body lists
// none) with runtime state stripped, ready to re-import elsewhere.
func (s *Server) exportJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids,omitempty"`
	}
	if err := s.decode(w, r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	jobs, err := s.repo.Jobs().List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}

	wanted := make(map[string]bool, len(body.IDs))
	for _, id := range body.IDs {
		wanted[id] = true
	}

	exported := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if len(wanted) > 0 && !wanted[job.ID] {
			continue
		}
		exported = append(exported, job.ExportView())
	}
	s.respond(w, http.StatusOK, exported)
}

// importJobs schedules every definition in the body as a brand new job.
func (s *Server) importJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*model.Job
	if err := s.decode(w, r, &jobs); err != nil {
		s.respondError(w, err)
		return
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		fresh := job.ExportView()
		created, err := s.scheduler.CreateJob(r.Context(), fresh)
		if err != nil {
			s.respondError(w, err)
			return
		}
		ids = append(ids, created.ID)
	}
	s.respond(w, http.StatusCreated, map[string][]string{"ids": ids})
}
