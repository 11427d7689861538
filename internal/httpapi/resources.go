package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/avatarconsole/internal/apiclient"
)

type resourceReader func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error)

// readableResources maps each exposed resource to its typed read.
var readableResources = map[string]resourceReader{
	"characters": func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error) {
		return c.Characters(ctx, opts)
	},
	"render_jobs": func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error) {
		return c.RenderJobs(ctx, opts)
	},
	"api_keys": func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error) {
		return c.APIKeys(ctx, opts)
	},
	"files": func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error) {
		return c.Files(ctx, opts)
	},
	"billing": func(ctx context.Context, c *apiclient.Client, opts apiclient.ReadOptions) (any, error) {
		return c.Billing(ctx, opts)
	},
}

// handleGetResource serves a cached read. Without query parameters the
// typed listing is used; otherwise the parameters other than refresh are
// forwarded as the PostgREST filter and the body is passed through.
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	read, ok := readableResources[resource]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_resource", "unknown resource "+resource)
		return
	}

	query := r.URL.Query()
	opts := apiclient.ReadOptions{ForceRefresh: isTruthy(query.Get("refresh"))}
	query.Del("refresh")
	if len(query) == 0 {
		out, err := read(r.Context(), s.client, opts)
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
		return
	}

	filter := apiclient.Filter{}
	for k := range query {
		filter[k] = query.Get(k)
	}
	raw, err := s.client.Get(r.Context(), resource, filter, opts)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type renderJobRequest struct {
	Kind     string `json:"kind"`
	AvatarID string `json:"avatar_id"`
	Text     string `json:"text"`
	AudioURL string `json:"audio_url"`
}

func (s *Server) handleCreateRenderJob(w http.ResponseWriter, r *http.Request) {
	var req renderJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "render job body is required")
		return
	}

	var (
		job apiclient.RenderJob
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "text", "text_to_avatar":
		job, err = s.client.CreateTextToAvatar(r.Context(), req.AvatarID, req.Text)
	case "audio", "audio_to_avatar":
		job, err = s.client.CreateAudioToAvatar(r.Context(), req.AvatarID, req.AudioURL)
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "kind must be text or audio")
		return
	}
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

type apiKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "api key body is required")
		return
	}
	key, err := s.client.CreateAPIKey(r.Context(), req.Name)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, key)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.client.RevokeAPIKey(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.client.DeleteFile(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleInvalidate drops cached reads for ?resource=, or everything.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	if resource == "" {
		s.client.Cache().InvalidateAll()
		respondJSON(w, http.StatusOK, map[string]any{"invalidated": "all"})
		return
	}
	n := s.client.Cache().Invalidate(resource)
	respondJSON(w, http.StatusOK, map[string]any{"invalidated": resource, "removed": n})
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
