package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/avatarconsole/internal/livesession"
)

type launchResponse struct {
	LivestreamID string               `json:"livestream_id"`
	State        livesession.Snapshot `json:"state"`
}

type endResponse struct {
	State   livesession.Snapshot `json:"state"`
	Warning string               `json:"warning,omitempty"`
}

// handleGetLivestream returns controller state. ?id= deep-links to an
// existing session first.
func (s *Server) handleGetLivestream(w http.ResponseWriter, r *http.Request) {
	if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
		if err := s.controller.ConnectToExistingSession(r.Context(), id); err != nil && !isSessionGone(err) {
			s.respondFailure(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var cfg livesession.SessionConfig
	if err := decodeJSON(r, &cfg); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := s.controller.Launch(r.Context(), cfg)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, launchResponse{
		LivestreamID: id,
		State:        s.controller.Snapshot(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.controller.ConnectToExistingSession(r.Context(), id); err != nil {
		if isSessionGone(err) {
			respondJSON(w, http.StatusOK, s.controller.Snapshot())
			return
		}
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handleEnd always succeeds locally; a failed backend DELETE is reported as
// a warning.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	resp := endResponse{}
	if err := s.controller.End(r.Context()); err != nil {
		resp.Warning = "the backend did not confirm the session ended"
	}
	resp.State = s.controller.Snapshot()
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.controller.ClearError(r.Context())
	respondJSON(w, http.StatusOK, s.controller.Snapshot())
}

// isSessionGone reports errors already reflected in the controller's error
// state.
func isSessionGone(err error) bool {
	return errors.Is(err, livesession.ErrSessionNotFound) || errors.Is(err, livesession.ErrSessionEnded)
}
