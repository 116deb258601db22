package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// waitParam parses the blocking behavior from the query string:
// ?blocking=true waits indefinitely, ?timeout=<seconds> bounds the wait,
// absent means return immediately.
func waitParam(r *http.Request) (time.Duration, bool) {
	if t := r.URL.Query().Get("timeout"); t != "" {
		if seconds, err := strconv.ParseFloat(t, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second)), true
		}
	}
	if b, _ := strconv.ParseBool(r.URL.Query().Get("blocking")); b {
		return -1, true
	}
	return 0, false
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var request model.Request
	if err := s.decode(w, r, &request); err != nil {
		s.respondError(w, err)
		return
	}
	wait, blocking := waitParam(r)

	op := &model.Operation{OperationType: model.OpRequestCreate}
	if err := op.WithModel("Request", &request); err != nil {
		s.respondError(w, errors.WrapValidation(err, "Server", "createRequest", "serialize model"))
		return
	}
	op.Kwargs = map[string]any{"wait_timeout_ms": wait.Milliseconds()}

	result, err := s.opRouter.Route(r.Context(), op)
	if err != nil {
		s.respondError(w, err)
		return
	}

	created, ok := result.(*model.Request)
	if !ok {
		s.respond(w, http.StatusCreated, result)
		return
	}

	// A remote create returns before the child reports; honor the wait
	// here against the parent-side copy.
	if blocking && !created.Status.Terminal() && created.Garden != "" {
		created = s.awaitRequest(r, created, wait)
	}

	if blocking && !created.Status.Terminal() {
		s.respond(w, http.StatusRequestTimeout, created)
		return
	}
	s.respond(w, http.StatusCreated, created)
}

// awaitRequest blocks on the waiter channel up to wait, then re-reads.
func (s *Server) awaitRequest(r *http.Request, created *model.Request, wait time.Duration) *model.Request {
	done := s.processor.WaitChannel(created.ID)
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
	case <-r.Context().Done():
	}
	if fresh, err := s.processor.GetRequest(r.Context(), created.ID); err == nil {
		return fresh
	}
	return created
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	request, err := s.processor.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, request)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RequestFilter{
		Namespace: q.Get("namespace"),
		System:    q.Get("system"),
		Command:   q.Get("command"),
		Parent:    q.Get("parent"),
		Status:    model.RequestStatus(q.Get("status")),
		OrderBy:   q.Get("order_by"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if desc, err := strconv.ParseBool(q.Get("descending")); err == nil {
		filter.Descending = desc
	}

	list, err := s.processor.FindRequests(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

// requestPatch is the PATCH body for a request.
type requestPatch struct {
	Status     *model.RequestStatus `json:"status,omitempty"`
	Output     *string              `json:"output,omitempty"`
	ErrorClass *string              `json:"error_class,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
}

func (s *Server) patchRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch requestPatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}

	opType := model.OpRequestUpdate
	if patch.Status != nil && *patch.Status == model.RequestCanceled {
		opType = model.OpRequestCancel
	}

	op := &model.Operation{
		OperationType: opType,
		Args:          []string{id},
		Kwargs:        map[string]any{},
	}
	if patch.Status != nil {
		op.Kwargs["status"] = string(*patch.Status)
	}
	if patch.Output != nil {
		op.Kwargs["output"] = *patch.Output
	}
	if patch.ErrorClass != nil {
		op.Kwargs["error_class"] = *patch.ErrorClass
	}
	if len(patch.Metadata) > 0 {
		op.Kwargs["metadata"] = patch.Metadata
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
