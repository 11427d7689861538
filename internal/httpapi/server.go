package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/apiclient"
	"github.com/ent0n29/avatarconsole/internal/config"
	"github.com/ent0n29/avatarconsole/internal/livesession"
	"github.com/ent0n29/avatarconsole/internal/livews"
	"github.com/ent0n29/avatarconsole/internal/logging"
	"github.com/ent0n29/avatarconsole/internal/observability"
	"github.com/ent0n29/avatarconsole/internal/policy"
)

// LiveDialer opens the live socket for a session.
type LiveDialer func(ctx context.Context, sessionID string) (*livews.Client, error)

type Server struct {
	cfg        config.Config
	client     *apiclient.Client
	controller *livesession.Controller
	metrics    *observability.Metrics
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	dialLive   LiveDialer
}

func New(cfg config.Config, client *apiclient.Client, controller *livesession.Controller, metrics *observability.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		client:     client,
		controller: controller,
		metrics:    metrics,
		log:        log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the operator's live session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.dialLive = s.defaultDialer
	return s
}

// SetLiveDialer replaces how the relay reaches the live socket.
func (s *Server) SetLiveDialer(d LiveDialer) { s.dialLive = d }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/livestream", func(r chi.Router) {
		r.Get("/", s.handleGetLivestream)
		r.Post("/", s.handleLaunch)
		r.Delete("/", s.handleEnd)
		r.Post("/clear-error", s.handleClearError)
		r.Get("/ws", s.handleLiveWS)
		r.Post("/{id}/connect", s.handleConnect)
	})

	r.Get("/v1/resources/{resource}", s.handleGetResource)
	r.Post("/v1/render-jobs", s.handleCreateRenderJob)
	r.Post("/v1/api-keys", s.handleCreateAPIKey)
	r.Delete("/v1/api-keys/{id}", s.handleRevokeAPIKey)
	r.Delete("/v1/files/{id}", s.handleDeleteFile)
	r.Post("/v1/cache/invalidate", s.handleInvalidate)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"livestream": s.controller.Snapshot().State,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.RequireAPI(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
		return
	}
	if s.client.Token() == "" {
		respondJSON(w, http.StatusServiceUnavailable, authRequiredResponse{
			Error:    "no api token configured",
			Code:     "auth_required",
			LoginURL: s.cfg.LoginURL(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"cache_items": s.client.Cache().Len(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type authRequiredResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	LoginURL string `json:"login_url"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps client and controller errors onto operator-facing
// responses. Raw upstream statuses are not passed through.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	var httpErr *apiclient.HTTPError
	switch {
	case errors.Is(err, apiclient.ErrAuthenticationFailed):
		respondJSON(w, http.StatusUnauthorized, authRequiredResponse{
			Error:    "authentication required",
			Code:     "auth_required",
			LoginURL: s.cfg.LoginURL(),
		})
	case errors.Is(err, livesession.ErrInvalidConfig), errors.Is(err, apiclient.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, livesession.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, livesession.ErrSessionEnded):
		respondError(w, http.StatusGone, "session_ended", "Session has ended")
	case errors.Is(err, livesession.ErrSuperseded):
		respondError(w, http.StatusConflict, "superseded", "the livestream was replaced while the request was in flight")
	case errors.Is(err, livesession.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "console is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request cancelled")
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		s.log.Warn().Err(err).Msg("upstream request failed")
		respondError(w, http.StatusBadGateway, "upstream_error", policy.Redact(err.Error()))
	}
}
