package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.repo.Topics().List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, topics)
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var topic model.Topic
	if err := s.decode(w, r, &topic); err != nil {
		s.respondError(w, err)
		return
	}
	if topic.Name == "" {
		s.respondError(w, errors.New(errors.KindValidation,
			"Server", "createTopic", "topic name is required"))
		return
	}
	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	if err := s.repo.Topics().Create(r.Context(), &topic); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, &topic)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := s.repo.Topics().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, topic)
}

func (s *Server) getTopicByName(w http.ResponseWriter, r *http.Request) {
	topic, err := s.repo.Topics().GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, topic)
}

// topicPatch adds or removes one subscriber.
type topicPatch struct {
	Add    *model.Subscriber `json:"add,omitempty"`
	Remove *model.Subscriber `json:"remove,omitempty"`
}

func (s *Server) patchTopic(w http.ResponseWriter, r *http.Request) {
	var patch topicPatch
	if err := s.decode(w, r, &patch); err != nil {
		s.respondError(w, err)
		return
	}
	if patch.Add == nil && patch.Remove == nil {
		s.respondError(w, errors.New(errors.KindValidation,
			"Server", "patchTopic", "no subscriber change given"))
		return
	}

	topic, err := s.repo.Topics().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	if patch.Add != nil {
		exists := false
		for _, sub := range topic.Subscribers {
			if sub.Equals(patch.Add) {
				exists = true
				break
			}
		}
		if !exists {
			topic.Subscribers = append(topic.Subscribers, patch.Add)
		}
	}
	if patch.Remove != nil {
		kept := topic.Subscribers[:0]
		for _, sub := range topic.Subscribers {
			if !sub.Equals(patch.Remove) {
				kept = append(kept, sub)
			}
		}
		topic.Subscribers = kept
	}

	updated, err := s.repo.Topics().Update(r.Context(), topic)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Topics().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// publishToTopic fans the request template in the body out to every
// matching subscriber and returns the child requests it created.
func (s *Server) publishToTopic(w http.ResponseWriter, r *http.Request) {
	var request model.Request
	if err := s.decode(w, r, &request); err != nil {
		s.respondError(w, err)
		return
	}

	children, err := s.processor.PublishToTopic(r.Context(), chi.URLParam(r, "name"), &request)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, children)
}
