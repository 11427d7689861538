package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/avatarconsole/internal/cache"
	"github.com/ent0n29/avatarconsole/internal/livesession"
)

const liveResource = "live"

var _ livesession.Backend = (*Client)(nil)

// CreateLiveSession posts to /api/v1/live. The user token is attached to the
// body because the render workers authenticate with it independently.
func (c *Client) CreateLiveSession(ctx context.Context, req livesession.CreateRequest) (string, error) {
	if req.UserToken == "" {
		req.UserToken = c.Token()
	}
	res, err := c.Do(ctx, http.MethodPost, "/api/v1/"+liveResource, "", req, nil)
	if err != nil {
		return "", err
	}
	var created struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(res.Body, &created); err != nil {
		return "", fmt.Errorf("decode live session: %w", err)
	}
	id := strings.TrimSpace(created.ID)
	if id == "" {
		id = strings.TrimSpace(created.SessionID)
	}
	if id == "" {
		return "", fmt.Errorf("create live session: response has no id")
	}
	c.cache.Invalidate(liveResource)
	return id, nil
}

// GetLiveSession reads /api/v1/live/{id} through the cache under live/{id}.
func (c *Client) GetLiveSession(ctx context.Context, id string, forceRefresh bool) (livesession.LiveSession, error) {
	raw, err := c.cache.Fetch(ctx, liveResource+"/"+id, cache.Options{ForceRefresh: forceRefresh})
	if IsStatus(err, http.StatusNotFound) {
		return livesession.LiveSession{}, fmt.Errorf("%w: %s", livesession.ErrSessionNotFound, id)
	}
	if err != nil {
		return livesession.LiveSession{}, err
	}
	var session livesession.LiveSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return livesession.LiveSession{}, fmt.Errorf("decode live session %s: %w", id, err)
	}
	if session.ID == "" {
		session.ID = id
	}
	return session, nil
}

// EndLiveSession deletes /api/v1/live/{id}. 401 and 404 mean the backend
// already considers the session gone.
func (c *Client) EndLiveSession(ctx context.Context, id string) (bool, error) {
	res, err := c.Do(ctx, http.MethodDelete, "/api/v1/"+liveResource+"/"+id, "", nil, nil)
	defer c.cache.Invalidate(liveResource + "/" + id)

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return res.StatusCode == http.StatusUnauthorized, nil
}
