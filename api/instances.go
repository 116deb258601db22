package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	_, inst, err := s.repo.Systems().FindInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, inst)
}

// instancePatch is the PATCH body for an instance. Exactly one action is
// expected per call.
type instancePatch struct {
	Operation string               `json:"operation,omitempty"` // initialize, start, stop, heartbeat
	Status    model.InstanceStatus `json:"status,omitempty"`
	RunnerID  string               `json:"runner_id,omitempty"`
}

func (s *Server) patchInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch instancePatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	op := &model.Operation{Args: []string{id}}
	switch {
	case patch.Operation == "initialize":
		op.OperationType = model.OpInstanceInitialize
		op.Kwargs = map[string]any{"runner_id": patch.RunnerID}
	case patch.Operation == "start":
		op.OperationType = model.OpInstanceStart
	case patch.Operation == "stop":
		op.OperationType = model.OpInstanceStop
	case patch.Operation == "heartbeat":
		op.OperationType = model.OpInstanceHeartbeat
	case patch.Status != "":
		op.OperationType = model.OpInstanceUpdate
		op.Kwargs = map[string]any{"status": string(patch.Status)}
	default:
		s.respondError(w, errors.New(errors.KindValidation,
			"Server", "patchInstance", "no operation or status given"))
		return
	}

	result, err := s.opRouter.Route(r.Context(), op)
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

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	_, err := s.opRouter.Route(r.Context(), &model.Operation{
		OperationType: model.OpInstanceDelete,
		Args:          []string{chi.URLParam(r, "id")},
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

const maxLogRead = 1 << 20

// getInstanceLogs serves the tail of the instance's captured plugin log.
func (s *Server) getInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, inst, err := s.repo.Systems().FindInstance(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	logDir := s.cfg.Get().Plugin.LogDirectory
	if logDir == "" {
		s.respondError(w, errors.New(errors.KindNotFound,
			"Server", "getInstanceLogs", "plugin log capture is not configured"))
		return
	}

	// Locally run plugins log under their runner id.
	logName := id
	if runnerID := inst.RunnerID(); runnerID != "" {
		logName = runnerID
	}
	path := filepath.Join(logDir, logName+".log")
	f, err := os.Open(path)
	if err != nil {
		s.respondError(w, errors.WrapNotFound(err, "Server", "getInstanceLogs", "open log file"))
		return
	}
	defer f.Close()

	offset := int64(0)
	if info, err := f.Stat(); err == nil && info.Size() > maxLogRead {
		offset = info.Size() - maxLogRead
	}
	if tail, err := strconv.ParseInt(r.URL.Query().Get("tail_bytes"), 10, 64); err == nil && tail > 0 {
		if info, err := f.Stat(); err == nil && info.Size() > tail {
			offset = info.Size() - tail
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		s.respondError(w, errors.WrapFatal(err, "Server", "getInstanceLogs", "seek log file"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Error("log stream failed", "instance", id, "error", err)
	}
}

func (s *Server) getInstanceQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	system, inst, err := s.repo.Systems().FindInstance(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	depth, err := s.instances.QueueDepth(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"system":   system.Key(),
		"instance": inst.Name,
		"size":     depth,
	})
}
