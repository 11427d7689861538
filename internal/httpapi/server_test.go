package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/apiclient"
	"github.com/ent0n29/avatarconsole/internal/config"
	"github.com/ent0n29/avatarconsole/internal/livesession"
	"github.com/ent0n29/avatarconsole/internal/livews"
	"github.com/ent0n29/avatarconsole/internal/protocol"
)

type backendStub struct {
	mu           sync.Mutex
	characterGET atomic.Int32
	unauthorized atomic.Bool
	jobstatus    int
	deleted      []string
	requests     []string
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if b.unauthorized.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	b.mu.Lock()
	b.requests = append(b.requests, r.Method+" "+r.URL.RequestURI())
	b.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/characters":
		b.characterGET.Add(1)
		_, _ = w.Write([]byte(`[{"id":"1","name":"Ada"}]`))
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/live":
		_, _ = w.Write([]byte(`{"id":"sess-123"}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/live/"):
		b.mu.Lock()
		status := b.jobstatus
		b.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/live/")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "jobstatus": status, "ended_at": "0001-01-01T00:00:00Z"})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/v1/live/"):
		b.mu.Lock()
		b.deleted = append(b.deleted, strings.TrimPrefix(r.URL.Path, "/api/v1/live/"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && r.URL.Path == "/render_jobs":
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"job-1","kind":"text_to_avatar","avatar_id":"a1"}]`))
	case r.Method == http.MethodGet && r.URL.Path == "/api_keys":
		_, _ = w.Write([]byte(`[{"id":"k1","name":"ci"}]`))
	case r.Method == http.MethodPost && r.URL.Path == "/api_keys":
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"k2","name":"deploy","secret":"sk_once"}]`))
	case r.Method == http.MethodPatch && r.URL.Path == "/api_keys":
		_, _ = w.Write([]byte(`[{"id":"k1","name":"ci"}]`))
	case r.Method == http.MethodGet && r.URL.Path == "/files":
		_, _ = w.Write([]byte(`[{"id":"f1","name":"intro.wav","size_bytes":42}]`))
	case r.Method == http.MethodDelete && r.URL.Path == "/files":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *backendStub) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

type testEnv struct {
	backend    *backendStub
	client     *apiclient.Client
	controller *livesession.Controller
	server     *Server
	url        string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := &backendStub{jobstatus: 1}
	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	cfg := config.Config{APIBaseURL: upstream.URL, PublicBaseURL: "https://console.example.test"}
	client := apiclient.New(apiclient.Config{BaseURL: upstream.URL, Token: "tok", Logger: zerolog.Nop()})
	controller := livesession.NewController(livesession.Options{
		Backend: client,
		Config: livesession.Config{
			PollInterval:        5 * time.Millisecond,
			PollMaxRetries:      3,
			ValidateMaxRetries:  1,
			ValidateBackoffBase: time.Millisecond,
			ValidateBackoffCap:  time.Millisecond,
		},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(controller.Close)

	srv := New(cfg, client, controller, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{backend: backend, client: client, controller: controller, server: srv, url: ts.URL}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func waitConnected(t *testing.T, c *livesession.Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == livesession.StateConnected {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("livestream never connected: %+v", c.Snapshot())
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	res, payload := doJSON(t, http.MethodGet, env.url+"/healthz", nil)
	if res.StatusCode != http.StatusOK || payload["livestream"] != "idle" {
		t.Fatalf("healthz = %d %v", res.StatusCode, payload)
	}
	res, _ = doJSON(t, http.MethodGet, env.url+"/readyz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}

	env.client.SetToken("")
	res, payload = doJSON(t, http.MethodGet, env.url+"/readyz", nil)
	if res.StatusCode != http.StatusServiceUnavailable || payload["code"] != "auth_required" {
		t.Fatalf("readyz without token = %d %v", res.StatusCode, payload)
	}
}

func TestLaunchAndEndLivestream(t *testing.T) {
	env := newTestEnv(t)

	res, payload := doJSON(t, http.MethodPost, env.url+"/v1/livestream/", map[string]any{
		"avatar_id": "a1",
		"camera":    map[string]string{"preset": "Preset1"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("launch status = %d, payload = %v", res.StatusCode, payload)
	}
	if payload["livestream_id"] != "sess-123" {
		t.Fatalf("livestream_id = %v, want sess-123", payload["livestream_id"])
	}
	waitConnected(t, env.controller)

	res, payload = doJSON(t, http.MethodGet, env.url+"/v1/livestream/", nil)
	if res.StatusCode != http.StatusOK || payload["state"] != "connected" {
		t.Fatalf("get livestream = %d %v", res.StatusCode, payload)
	}

	res, payload = doJSON(t, http.MethodDelete, env.url+"/v1/livestream/", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", res.StatusCode)
	}
	state, _ := payload["state"].(map[string]any)
	if state["state"] != "idle" {
		t.Fatalf("state after end = %v, want idle", state)
	}
	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if len(env.backend.deleted) != 1 || env.backend.deleted[0] != "sess-123" {
		t.Fatalf("deleted = %v, want [sess-123]", env.backend.deleted)
	}
}

func TestLaunchRejectsMissingAvatar(t *testing.T) {
	env := newTestEnv(t)
	res, payload := doJSON(t, http.MethodPost, env.url+"/v1/livestream/", map[string]any{})
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "invalid_request" {
		t.Fatalf("launch = %d %v, want 400 invalid_request", res.StatusCode, payload)
	}
}

func TestDeepLinkConnectsExistingSession(t *testing.T) {
	env := newTestEnv(t)
	res, payload := doJSON(t, http.MethodGet, env.url+"/v1/livestream/?id=sess-77", nil)
	if res.StatusCode != http.StatusOK || payload["livestream_id"] != "sess-77" {
		t.Fatalf("deep link = %d %v", res.StatusCode, payload)
	}
	waitConnected(t, env.controller)
}

func TestResourceReadsAreCached(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		res, err := http.Get(env.url + "/v1/resources/characters")
		if err != nil {
			t.Fatalf("GET characters error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
	}
	if got := env.backend.characterGET.Load(); got != 1 {
		t.Fatalf("backend GETs = %d, want 1", got)
	}

	res, err := http.Get(env.url + "/v1/resources/characters?refresh=1")
	if err != nil {
		t.Fatalf("GET characters refresh error = %v", err)
	}
	res.Body.Close()
	if got := env.backend.characterGET.Load(); got != 2 {
		t.Fatalf("backend GETs = %d, want 2 after refresh", got)
	}

	res, _ = doJSON(t, http.MethodPost, env.url+"/v1/cache/invalidate?resource=characters", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status = %d", res.StatusCode)
	}
	if env.client.Cache().Len() != 0 {
		t.Fatalf("cache len = %d, want 0", env.client.Cache().Len())
	}
}

func TestUnknownResource(t *testing.T) {
	env := newTestEnv(t)
	res, payload := doJSON(t, http.MethodGet, env.url+"/v1/resources/secrets", nil)
	if res.StatusCode != http.StatusNotFound || payload["code"] != "unknown_resource" {
		t.Fatalf("GET secrets = %d %v", res.StatusCode, payload)
	}
}

func TestUnauthorizedUpstreamRedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)
	env.backend.unauthorized.Store(true)

	res, payload := doJSON(t, http.MethodGet, env.url+"/v1/resources/files", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if payload["code"] != "auth_required" || payload["login_url"] != "https://console.example.test/login" {
		t.Fatalf("payload = %v", payload)
	}
	if env.client.Token() != "" {
		t.Fatalf("token should be cleared")
	}
}

func TestCreateRenderJob(t *testing.T) {
	env := newTestEnv(t)
	res, payload := doJSON(t, http.MethodPost, env.url+"/v1/render-jobs", map[string]string{
		"kind": "text", "avatar_id": "a1", "text": "hello",
	})
	if res.StatusCode != http.StatusCreated || payload["id"] != "job-1" {
		t.Fatalf("create render job = %d %v", res.StatusCode, payload)
	}

	res, payload = doJSON(t, http.MethodPost, env.url+"/v1/render-jobs", map[string]string{
		"kind": "text", "avatar_id": "a1",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing text = %d %v, want 400", res.StatusCode, payload)
	}
}

func TestLiveWSRequiresConnectedSession(t *testing.T) {
	env := newTestEnv(t)
	res, payload := doJSON(t, http.MethodGet, env.url+"/v1/livestream/ws", nil)
	if res.StatusCode != http.StatusConflict || payload["code"] != "not_connected" {
		t.Fatalf("ws without session = %d %v", res.StatusCode, payload)
	}
}

func TestLiveWSRelaysMessages(t *testing.T) {
	env := newTestEnv(t)

	upgrader := websocket.Upgrader{}
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in protocol.TextIn
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if in.Type != protocol.TypeTextIn {
				continue
			}
			_ = conn.WriteJSON(protocol.TextOut{Type: protocol.TypeTextOut, SessionID: r.URL.Query().Get("session_id"), Text: "hi " + in.Text, Final: true})
		}
	}))
	defer live.Close()
	liveURL := "ws" + strings.TrimPrefix(live.URL, "http")
	env.server.SetLiveDialer(func(ctx context.Context, sessionID string) (*livews.Client, error) {
		return livews.Dial(ctx, livews.Config{URL: liveURL, SessionID: sessionID, Logger: zerolog.Nop()})
	})

	if _, err := env.controller.Launch(context.Background(), livesession.SessionConfig{AvatarID: "a1"}); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	waitConnected(t, env.controller)

	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/v1/livestream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.TextIn{Type: protocol.TypeTextIn, Text: "there"}); err != nil {
		t.Fatalf("write textin error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out protocol.TextOut
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read textout error = %v", err)
	}
	if out.Text != "hi there" || out.SessionID != "sess-123" {
		t.Fatalf("textout = %+v", out)
	}
}

func TestAPIKeyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.url + "/v1/resources/api_keys")
	if err != nil {
		t.Fatalf("GET api_keys error = %v", err)
	}
	var keys []apiclient.APIKey
	_ = json.NewDecoder(res.Body).Decode(&keys)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || len(keys) != 1 || keys[0].ID != "k1" {
		t.Fatalf("GET api_keys = %d %+v", res.StatusCode, keys)
	}

	res, payload := doJSON(t, http.MethodPost, env.url+"/v1/api-keys", map[string]string{"name": "deploy"})
	if res.StatusCode != http.StatusCreated || payload["id"] != "k2" || payload["secret"] != "sk_once" {
		t.Fatalf("create api key = %d %v", res.StatusCode, payload)
	}
	res, payload = doJSON(t, http.MethodPost, env.url+"/v1/api-keys", map[string]string{"name": " "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank api key name = %d %v, want 400", res.StatusCode, payload)
	}

	res, payload = doJSON(t, http.MethodDelete, env.url+"/v1/api-keys/k1", nil)
	if res.StatusCode != http.StatusOK || payload["revoked"] != "k1" {
		t.Fatalf("revoke api key = %d %v", res.StatusCode, payload)
	}
	if got := env.backend.count("PATCH /api_keys?id=eq.k1"); got != 1 {
		t.Fatalf("PATCH count = %d, want 1", got)
	}

	res, err = http.Get(env.url + "/v1/resources/api_keys")
	if err != nil {
		t.Fatalf("GET api_keys error = %v", err)
	}
	res.Body.Close()
	if got := env.backend.count("GET /api_keys"); got != 3 {
		t.Fatalf("api_keys GET count = %d, want a fresh read after each mutation", got)
	}
}

func TestDeleteFileEndpoint(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.url + "/v1/resources/files")
	if err != nil {
		t.Fatalf("GET files error = %v", err)
	}
	res.Body.Close()

	res, payload := doJSON(t, http.MethodDelete, env.url+"/v1/files/f1", nil)
	if res.StatusCode != http.StatusOK || payload["deleted"] != "f1" {
		t.Fatalf("delete file = %d %v", res.StatusCode, payload)
	}
	if got := env.backend.count("DELETE /files?id=eq.f1"); got != 1 {
		t.Fatalf("DELETE count = %d, want 1", got)
	}

	res, err = http.Get(env.url + "/v1/resources/files")
	if err != nil {
		t.Fatalf("GET files error = %v", err)
	}
	res.Body.Close()
	if got := env.backend.count("GET /files"); got != 2 {
		t.Fatalf("files GET count = %d, want 2 after delete invalidated", got)
	}
}

func TestFilteredResourceReadPassesQueryThrough(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.url + "/v1/resources/files?name=eq.intro.wav")
	if err != nil {
		t.Fatalf("GET files error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if got := env.backend.count("GET /files?name=eq.intro.wav"); got != 1 {
		t.Fatalf("filtered GET count = %d, want the filter forwarded", got)
	}
}
