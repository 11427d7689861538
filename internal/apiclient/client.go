package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/ent0n29/avatarconsole/internal/cache"
	"github.com/ent0n29/avatarconsole/internal/observability"
	"github.com/ent0n29/avatarconsole/internal/policy"
	"github.com/ent0n29/avatarconsole/internal/reliability"
)

// ErrAuthenticationFailed is returned for a 401 on any non-DELETE request.
// By the time it is returned the token is cleared and observers notified.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrInvalidRequest is returned before any network call for incomplete input.
var ErrInvalidRequest = errors.New("invalid request")

const maxResponseBytes = 8 << 20

// HTTPError is a non-2xx backend response. Body is redacted.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: http status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsStatus reports whether err is an HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

// IsFatal reports errors that retrying cannot fix: a lost session or a
// backend status outside the retryable set. Transport errors stay retryable.
func IsFatal(err error) bool {
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrInvalidRequest) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !reliability.IsRetryableHTTPStatus(httpErr.StatusCode)
	}
	return false
}

// AuthErrorEvent describes the request that lost the session.
type AuthErrorEvent struct {
	Method string
	Path   string
	At     time.Time
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config controls client construction.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	CacheTTL   time.Duration
	Policies   map[string]cache.Policy
	Now        func() time.Time
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
	HTTPClient *http.Client
}

// Client talks to the PostgREST-style resource API and the live session API.
// Every request carries the bearer token when one is set; GET reads go
// through a shared TTL cache.
type Client struct {
	http    *resty.Client
	cache   *cache.Store
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	observers map[int]func(AuthErrorEvent)
	nextObs   int
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "avatarconsole")

	c := &Client{
		http:      rc,
		log:       cfg.Logger.With().Str("component", "apiclient").Logger(),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		token:     strings.TrimSpace(cfg.Token),
		observers: make(map[int]func(AuthErrorEvent)),
	}
	c.cache = cache.New(c.fetchResource, cache.Config{
		DefaultTTL: cfg.CacheTTL,
		Policies:   cfg.Policies,
		Now:        cfg.Now,
		Metrics:    cfg.Metrics,
	})
	return c
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// Cache exposes the response cache for invalidation and janitor wiring.
func (c *Client) Cache() *cache.Store { return c.cache }

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// Logout drops the token and everything cached under it.
func (c *Client) Logout() {
	c.SetToken("")
	c.cache.InvalidateAll()
}

// OnAuthError registers fn to run after a 401 tears the session down. The
// returned func unregisters it.
func (c *Client) OnAuthError(fn func(AuthErrorEvent)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Do sends one request. A 401 on DELETE is returned as a normal response so
// idempotent teardown can treat it as "already gone"; a 401 on any other
// method clears the session and returns ErrAuthenticationFailed. Other
// non-2xx statuses become *HTTPError.
func (c *Client) Do(ctx context.Context, method, path, query string, body any, headers map[string]string) (*Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("X-Request-Id", uuid.NewString())
	if token := c.Token(); token != "" {
		req.SetAuthToken(token)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	for k, v := range headers {
		req.SetHeader(k, v)
	}

	target := path
	if q := strings.TrimPrefix(query, "?"); q != "" {
		target += "?" + q
	}

	start := time.Now()
	res, err := req.Execute(method, target)
	if err != nil {
		if res != nil && res.RawResponse != nil && res.RawResponse.Body != nil {
			_ = res.RawResponse.Body.Close()
		}
		c.metrics.ObserveAPIRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.RawResponse.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.RawResponse.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ObserveAPIRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	status := res.RawResponse.StatusCode
	c.metrics.ObserveAPIRequest(method, status, time.Since(start))

	out := &Response{StatusCode: status, Header: res.RawResponse.Header, Body: raw}
	if status == http.StatusUnauthorized {
		if method == http.MethodDelete {
			c.log.Warn().Str("path", path).Msg("delete returned 401, leaving session intact")
			return out, nil
		}
		c.handleUnauthorized(method, path)
		return nil, ErrAuthenticationFailed
	}
	if status < 200 || status >= 300 {
		return out, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: status,
			Body:       policy.Redact(truncate(string(raw), 512)),
		}
	}
	return out, nil
}

func (c *Client) handleUnauthorized(method, path string) {
	c.log.Warn().Str("method", method).Str("path", path).Msg("backend rejected token, clearing session")
	c.metrics.ObserveAuthFailure()
	c.Logout()

	evt := AuthErrorEvent{Method: method, Path: path, At: c.now().UTC()}
	c.mu.RLock()
	fns := make([]func(AuthErrorEvent), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// fetchResource is the cache's network read. Cache paths are logical
// ("characters", "live/<id>"); live sessions live under /api/v1.
func (c *Client) fetchResource(ctx context.Context, resourcePath, query string) (json.RawMessage, error) {
	res, err := c.Do(ctx, http.MethodGet, urlPath(resourcePath), query, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(res.Body) {
		return nil, fmt.Errorf("GET %s: response is not JSON", resourcePath)
	}
	return json.RawMessage(res.Body), nil
}

func urlPath(resourcePath string) string {
	p := strings.TrimPrefix(resourcePath, "/")
	if cache.ResourceType(p) == liveResource {
		return "/api/v1/" + p
	}
	return "/" + p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
