package api

import (
	"net/http"
	"strings"

	"github.com/beer-garden/beer-garden/errors"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if err := s.decode(w, r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	pair, err := s.tokens.Issue(r.Context(), body.Username, body.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, pair)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := s.decode(w, r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	pair, err := s.tokens.Refresh(r.Context(), body.Refresh)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, pair)
}

// revokeToken removes the refresh token paired with the presented access
// token. It accepts the bearer header so clients can log out with the
// same credential they use everywhere else.
func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		s.respondError(w, errors.New(errors.KindAuthRequired,
			"Server", "revokeToken", "missing bearer token"))
		return
	}
	if err := s.tokens.Revoke(r.Context(), strings.TrimPrefix(header, "Bearer ")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
