package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/kvstore"
	"github.com/ent0n29/avatarconsole/internal/livesession"
)

type scriptedSnapshots struct {
	mu    sync.Mutex
	snaps []livesession.Snapshot
	calls int
}

func (s *scriptedSnapshots) Snapshot() livesession.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.snaps) {
		idx = len(s.snaps) - 1
	}
	return s.snaps[idx]
}

func TestWaitSettledReturnsConnected(t *testing.T) {
	src := &scriptedSnapshots{snaps: []livesession.Snapshot{
		{State: livesession.StateConnecting, Progress: 25},
		{State: livesession.StateConnected, LivestreamID: "sess-1", Progress: 100},
	}}
	snap, err := waitSettled(context.Background(), src)
	if err != nil {
		t.Fatalf("waitSettled() error = %v", err)
	}
	if snap.LivestreamID != "sess-1" {
		t.Fatalf("LivestreamID = %q, want sess-1", snap.LivestreamID)
	}
}

func TestWaitSettledReportsErrorContext(t *testing.T) {
	src := &scriptedSnapshots{snaps: []livesession.Snapshot{{
		State:     livesession.StateError,
		LastError: &livesession.ErrorInfo{Context: "Livestream status", Message: "Session has ended"},
	}}}
	_, err := waitSettled(context.Background(), src)
	if err == nil || err.Error() != "Livestream status: Session has ended" {
		t.Fatalf("waitSettled() error = %v, want context and message", err)
	}
}

func TestWaitSettledHonoursDeadline(t *testing.T) {
	src := &scriptedSnapshots{snaps: []livesession.Snapshot{{State: livesession.StateConnecting}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := waitSettled(ctx, src); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waitSettled() error = %v, want DeadlineExceeded", err)
	}
}

func TestSessionIDPrefersArgument(t *testing.T) {
	store := kvstore.NewInMemoryStore()
	ctx := context.Background()

	if _, err := sessionID(ctx, store, nil); err == nil {
		t.Fatalf("sessionID() expected error with nothing persisted")
	}
	if err := store.Save(ctx, kvstore.KeyLiveSessionID, "sess-saved"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got, err := sessionID(ctx, store, nil); err != nil || got != "sess-saved" {
		t.Fatalf("sessionID() = %q, %v; want sess-saved", got, err)
	}
	if got, err := sessionID(ctx, store, []string{"sess-arg"}); err != nil || got != "sess-arg" {
		t.Fatalf("sessionID(arg) = %q, %v; want sess-arg", got, err)
	}
}

type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []string
	done     chan struct{}
	err      error
}

func (f *flakySender) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("live socket not connected")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *flakySender) Done() <-chan struct{} { return f.done }
func (f *flakySender) Err() error            { return f.err }

func TestSendWhenConnectedRetriesThroughReconnect(t *testing.T) {
	live := &flakySender{failures: 2, done: make(chan struct{})}
	if err := sendWhenConnected(context.Background(), live, "hello", time.Millisecond, zerolog.Nop()); err != nil {
		t.Fatalf("sendWhenConnected() error = %v", err)
	}
	if len(live.sent) != 1 || live.sent[0] != "hello" {
		t.Fatalf("sent = %v, want [hello]", live.sent)
	}
}

func TestSendWhenConnectedStopsWhenSocketGivesUp(t *testing.T) {
	gaveUp := errors.New("live socket: gave up after 5 reconnect attempts")
	live := &flakySender{failures: 1 << 30, done: make(chan struct{}), err: gaveUp}
	close(live.done)
	if err := sendWhenConnected(context.Background(), live, "hello", time.Hour, zerolog.Nop()); !errors.Is(err, gaveUp) {
		t.Fatalf("sendWhenConnected() error = %v, want the socket's cause", err)
	}
}

func TestLaunchValidatesBeforeBuilding(t *testing.T) {
	t.Setenv("AVATAR_API_BASE_URL", "")
	t.Setenv("AVATAR_API_TOKEN", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "launch"})

	err := root.ExecuteContext(context.Background())
	if !errors.Is(err, livesession.ErrInvalidConfig) {
		t.Fatalf("launch error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoginRequiresToken(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "login"})

	err := root.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("login error = %v, want missing token flag", err)
	}
}
