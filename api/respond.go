package api

import (
	"encoding/json"
	"net/http"

	"github.com/beer-garden/beer-garden/errors"
)

// maxBodySize bounds request payloads.
const maxBodySize = 16 << 20

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// respondError maps the error's kind onto an HTTP status and emits a
// JSON error body.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.requestsFailed.Add(1)

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.respond(w, http.StatusRequestEntityTooLarge, map[string]string{
			"kind":    "validation",
			"message": "request body too large",
		})
		return
	}

	kind := errors.KindOf(err)
	s.respond(w, kind.HTTPStatus(), map[string]string{
		"kind":    kind.String(),
		"message": err.Error(),
	})
}

// decode reads the request body into dst, rejecting oversized payloads.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.WrapValidation(err, "Server", "decode", "parse request body")
	}
	return nil
}
