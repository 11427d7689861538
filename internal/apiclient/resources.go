package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/avatarconsole/internal/cache"
)

// Filter is a PostgREST query, e.g. {"status": "eq.1", "order": "created_at.desc"}.
type Filter map[string]string

func (f Filter) encode() string {
	if len(f) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range f {
		values.Set(k, v)
	}
	return values.Encode()
}

// ReadOptions tune a cached read.
type ReadOptions struct {
	ForceRefresh bool
	TTL          time.Duration
}

// Get reads a resource path through the cache and returns the raw body.
func (c *Client) Get(ctx context.Context, resource string, filter Filter, opts ReadOptions) (json.RawMessage, error) {
	return c.cache.Fetch(ctx, strings.TrimPrefix(resource, "/"), cache.Options{
		ForceRefresh: opts.ForceRefresh,
		Query:        filter.encode(),
		TTL:          opts.TTL,
	})
}

// List decodes a cached PostgREST collection read into out.
func (c *Client) List(ctx context.Context, resource string, filter Filter, opts ReadOptions, out any) error {
	raw, err := c.Get(ctx, resource, filter, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// Create inserts one row and decodes the created representation into out.
func (c *Client) Create(ctx context.Context, resource string, body, out any) error {
	res, err := c.Do(ctx, http.MethodPost, "/"+resource, "", body, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return err
	}
	c.cache.Invalidate(resource)
	return decodeFirst(resource, res.Body, out)
}

// Update patches the row with the given id.
func (c *Client) Update(ctx context.Context, resource, id string, patch, out any) error {
	res, err := c.Do(ctx, http.MethodPatch, "/"+resource, idFilter(id), patch, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return err
	}
	c.cache.Invalidate(resource)
	return decodeFirst(resource, res.Body, out)
}

// Remove deletes the row with the given id. A 401 or 404 is reported as
// gone=true without touching the session.
func (c *Client) Remove(ctx context.Context, resource, id string) (gone bool, err error) {
	res, err := c.Do(ctx, http.MethodDelete, "/"+resource, idFilter(id), nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		c.cache.Invalidate(resource)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	c.cache.Invalidate(resource)
	return res.StatusCode == http.StatusUnauthorized, nil
}

func idFilter(id string) string {
	return url.Values{"id": {"eq." + id}}.Encode()
}

// decodeFirst handles PostgREST returning either an array or a single object.
func decodeFirst(resource string, body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode %s: %w", resource, err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("decode %s: empty representation", resource)
		}
		body = rows[0]
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

type Character struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	VoiceID     string    `json:"voice_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type RenderJob struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	AvatarID  string    `json:"avatar_id"`
	Text      string    `json:"text,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	JobStatus int       `json:"jobstatus"`
	OutputURL string    `json:"output_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix,omitempty"`
	Secret    string     `json:"secret,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Billing struct {
	Plan           string  `json:"plan"`
	CreditsUsed    float64 `json:"credits_used"`
	CreditsLimit   float64 `json:"credits_limit"`
	PeriodEndsAt   string  `json:"period_ends_at,omitempty"`
	LiveMinutes    float64 `json:"live_minutes"`
	RenderedVideos int     `json:"rendered_videos"`
}

const (
	resourceCharacters = "characters"
	resourceRenderJobs = "render_jobs"
	resourceAPIKeys    = "api_keys"
	resourceFiles      = "files"
	resourceBilling    = "billing"
)

func (c *Client) Characters(ctx context.Context, opts ReadOptions) ([]Character, error) {
	var out []Character
	err := c.List(ctx, resourceCharacters, Filter{"order": "created_at.desc"}, opts, &out)
	return out, err
}

func (c *Client) RenderJobs(ctx context.Context, opts ReadOptions) ([]RenderJob, error) {
	var out []RenderJob
	err := c.List(ctx, resourceRenderJobs, Filter{"order": "created_at.desc"}, opts, &out)
	return out, err
}

// CreateTextToAvatar queues a render of avatarID speaking text.
func (c *Client) CreateTextToAvatar(ctx context.Context, avatarID, text string) (RenderJob, error) {
	if strings.TrimSpace(avatarID) == "" || strings.TrimSpace(text) == "" {
		return RenderJob{}, fmt.Errorf("%w: avatar id and text are required", ErrInvalidRequest)
	}
	var job RenderJob
	err := c.Create(ctx, resourceRenderJobs, map[string]string{
		"kind":      "text_to_avatar",
		"avatar_id": avatarID,
		"text":      text,
	}, &job)
	return job, err
}

// CreateAudioToAvatar queues a render of avatarID lip-syncing audioURL.
func (c *Client) CreateAudioToAvatar(ctx context.Context, avatarID, audioURL string) (RenderJob, error) {
	if strings.TrimSpace(avatarID) == "" || strings.TrimSpace(audioURL) == "" {
		return RenderJob{}, fmt.Errorf("%w: avatar id and audio url are required", ErrInvalidRequest)
	}
	var job RenderJob
	err := c.Create(ctx, resourceRenderJobs, map[string]string{
		"kind":      "audio_to_avatar",
		"avatar_id": avatarID,
		"audio_url": audioURL,
	}, &job)
	return job, err
}

func (c *Client) APIKeys(ctx context.Context, opts ReadOptions) ([]APIKey, error) {
	var out []APIKey
	err := c.List(ctx, resourceAPIKeys, Filter{"revoked_at": "is.null"}, opts, &out)
	return out, err
}

// CreateAPIKey returns the new key including its one-time secret.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return APIKey{}, fmt.Errorf("%w: api key name is required", ErrInvalidRequest)
	}
	var key APIKey
	err := c.Create(ctx, resourceAPIKeys, map[string]string{"name": name}, &key)
	return key, err
}

func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	return c.Update(ctx, resourceAPIKeys, id, map[string]any{"revoked_at": c.now().UTC()}, nil)
}

func (c *Client) Files(ctx context.Context, opts ReadOptions) ([]File, error) {
	var out []File
	err := c.List(ctx, resourceFiles, Filter{"order": "created_at.desc"}, opts, &out)
	return out, err
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	_, err := c.Remove(ctx, resourceFiles, id)
	return err
}

func (c *Client) Billing(ctx context.Context, opts ReadOptions) (Billing, error) {
	var out Billing
	raw, err := c.Get(ctx, resourceBilling, nil, opts)
	if err != nil {
		return out, err
	}
	if err := decodeFirst(resourceBilling, raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
