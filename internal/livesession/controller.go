package livesession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/kvstore"
	"github.com/ent0n29/avatarconsole/internal/observability"
	"github.com/ent0n29/avatarconsole/internal/policy"
)

// Config tunes polling and retry behaviour.
type Config struct {
	PollInterval        time.Duration
	PollRetryStep       time.Duration
	PollMaxRetries      int
	ValidateMaxRetries  int
	ValidateBackoffBase time.Duration
	ValidateBackoffCap  time.Duration
	// IsFatal marks errors that must not be retried, such as a rejected token.
	IsFatal func(error) bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollRetryStep < 0 {
		c.PollRetryStep = 0
	}
	if c.PollMaxRetries <= 0 {
		c.PollMaxRetries = 5
	}
	if c.ValidateMaxRetries <= 0 {
		c.ValidateMaxRetries = 3
	}
	if c.ValidateBackoffBase <= 0 {
		c.ValidateBackoffBase = time.Second
	}
	if c.ValidateBackoffCap < c.ValidateBackoffBase {
		c.ValidateBackoffCap = 10 * time.Second
	}
	return c
}

// Options wires a Controller's collaborators. Store, Metrics and Now are
// optional.
type Options struct {
	Backend Backend
	Store   kvstore.Store
	Config  Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Controller owns the one active live session and the state derived from it.
// All transitions go through its methods; at most one poll chain runs at a
// time and always for the exposed livestream id.
type Controller struct {
	backend Backend
	store   kvstore.Store
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	// ops serializes launches and the local switch of a connect. End never
	// takes it.
	ops sync.Mutex

	mu            sync.Mutex
	state         State
	statusMessage string
	progress      int
	lastError     *ErrorInfo
	active        *LiveSession
	launchedAt    time.Time
	pollCancel    context.CancelFunc
	pollID        string
	pollGen       uint64
	// validateCancel aborts an in-flight connect validation.
	validateCancel context.CancelFunc
	closed         bool
	hook           func(Snapshot)

	wg sync.WaitGroup
}

func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		backend: opts.Backend,
		store:   opts.Store,
		cfg:     opts.Config.withDefaults(),
		log:     opts.Logger.With().Str("component", "livesession").Logger(),
		metrics: opts.Metrics,
		now:     opts.Now,
		sleep:   sleepContext,
		state:   StateIdle,
	}
}

// SetStateHook registers fn to receive every snapshot after a transition.
func (c *Controller) SetStateHook(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LivestreamID is the id of the active session, or "".
func (c *Controller) LivestreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.ID
}

// Launch ends any active session, creates a new one and returns its id as
// soon as the backend assigns it. Readiness is tracked in the background.
func (c *Controller) Launch(ctx context.Context, cfg SessionConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	hasActive := c.active != nil
	c.mu.Unlock()

	if hasActive {
		if err := c.end(ctx); err != nil {
			c.log.Warn().Err(err).Msg("ending previous livestream failed, continuing with launch")
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.state = StateConnecting
	c.statusMessage = "Creating livestream..."
	c.progress = 10
	c.lastError = nil
	gen := c.pollGen
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	id, err := c.backend.CreateLiveSession(ctx, CreateRequest{SessionConfig: cfg})
	if err != nil {
		c.metrics.ObserveSessionEvent("launch_failed")
		c.mu.Lock()
		if c.closed || gen != c.pollGen {
			c.mu.Unlock()
			return "", fmt.Errorf("create livestream: %w", err)
		}
		c.failLocked("Livestream creation", policy.Redact(err.Error()))
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return "", fmt.Errorf("create livestream: %w", err)
	}

	c.mu.Lock()
	if c.closed || gen != c.pollGen {
		closed := c.closed
		c.mu.Unlock()
		c.discard(ctx, id)
		if closed {
			return "", ErrClosed
		}
		return "", fmt.Errorf("launch %s: %w", id, ErrSuperseded)
	}
	c.active = &LiveSession{ID: id, Config: cfg, JobStatus: StatusUnknown}
	c.launchedAt = c.now()
	c.statusMessage = "Initializing..."
	c.progress = StatusUnknown.progress()
	c.startPollLocked(id)
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.metrics.ObserveSessionEvent("launched")
	c.log.Info().Str("livestream_id", id).Str("avatar_id", cfg.AvatarID).Msg("livestream launched")
	c.persist(ctx, id)
	return id, nil
}

// ConnectToExistingSession makes id the active session. It is a no-op when id
// is already active.
func (c *Controller) ConnectToExistingSession(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidConfig)
	}

	// ops covers only the local switch; End must not wait behind the
	// validation round-trip.
	c.ops.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.ops.Unlock()
		return ErrClosed
	}
	if c.active != nil && c.active.ID == id {
		c.mu.Unlock()
		c.ops.Unlock()
		return nil
	}
	c.stopPollLocked()
	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.validateCancel = cancel
	c.active = &LiveSession{ID: id}
	c.launchedAt = c.now()
	c.state = StateConnecting
	c.statusMessage = "Connecting to session..."
	c.progress = 10
	c.lastError = nil
	gen := c.pollGen
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.ops.Unlock()
	c.emit(snap)

	session, err := c.validateSession(vctx, id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if gen != c.pollGen || c.active == nil || c.active.ID != id {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, ErrSuperseded)
	}
	c.validateCancel = nil
	if ctx.Err() != nil {
		// The caller went away: nothing was learned about the session.
		c.active = nil
		c.resetLocked()
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return fmt.Errorf("connect %s: %w", id, ctx.Err())
	}
	var forget bool
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.active = nil
		c.failLocked("Session connection", "Session not found")
		forget = true
	case err != nil:
		c.failLocked("Session connection", policy.Redact(err.Error()))
	case session.IsReady():
		c.active = &session
		c.connectedLocked()
	case session.IsTerminal():
		c.active = &session
		c.failLocked("Session connection", terminalMessage(session))
		forget = true
	default:
		c.active = &session
		c.statusMessage = session.JobStatus.statusMessage()
		c.progress = session.JobStatus.progress()
		c.startPollLocked(id)
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.metrics.ObserveSessionEvent("connected_existing")
	if forget {
		c.forget(ctx)
		if errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		return fmt.Errorf("connect %s: %w", id, ErrSessionEnded)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	c.persist(ctx, id)
	return nil
}

// End stops tracking the active session and terminates it on the backend.
// Local state is reset to idle before the backend is contacted, so a failing
// DELETE never leaves the controller stuck. Calling End with no active
// session does nothing.
func (c *Controller) End(ctx context.Context) error {
	return c.end(ctx)
}

func (c *Controller) end(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.stopPollLocked()
	c.active = nil
	c.resetLocked()
	snap := c.snapshotLocked()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.emit(snap)
	}

	if active == nil {
		return nil
	}
	c.forget(ctx)
	c.metrics.ObserveSessionEvent("ended")

	if active.IsTerminal() {
		c.log.Info().Str("livestream_id", active.ID).Msg("livestream already terminal, skipping delete")
		return nil
	}
	alreadyEnded, err := c.backend.EndLiveSession(ctx, active.ID)
	if err != nil {
		c.log.Warn().Err(err).Str("livestream_id", active.ID).Msg("end livestream failed")
		return fmt.Errorf("end livestream %s: %w", active.ID, err)
	}
	if alreadyEnded {
		c.log.Info().Str("livestream_id", active.ID).Msg("livestream was already ended")
	}
	return nil
}

// ClearError resets an error state to idle without contacting the backend.
func (c *Controller) ClearError(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.stopPollLocked()
	c.active = nil
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
	c.forget(ctx)
}

// Detach drops the active session locally without ending it, for when the
// backend can no longer be reached with the current credentials. The
// persisted id is kept so Restore can pick it up again.
func (c *Controller) Detach() {
	c.mu.Lock()
	if c.closed || c.active == nil {
		c.mu.Unlock()
		return
	}
	c.stopPollLocked()
	c.active = nil
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// Restore reconnects to the session persisted by a previous process, if any.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	id, err := c.store.Load(ctx, kvstore.KeyLiveSessionID)
	if errors.Is(err, kvstore.ErrNotFound) || (err == nil && id == "") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load persisted livestream: %w", err)
	}
	c.log.Info().Str("livestream_id", id).Msg("restoring livestream")
	return c.ConnectToExistingSession(ctx, id)
}

// Close stops polling and drops every later update. It waits for the poll
// goroutine to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopPollLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) transition(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) connectedLocked() {
	c.state = StateConnected
	c.statusMessage = "Connected"
	c.progress = 100
	c.lastError = nil
	if !c.launchedAt.IsZero() {
		c.metrics.ObserveTimeToReady(c.now().Sub(c.launchedAt))
		c.launchedAt = time.Time{}
	}
	c.log.Info().Str("livestream_id", c.active.ID).Msg("livestream ready")
}

func (c *Controller) failLocked(where, message string) {
	c.state = StateError
	c.statusMessage = message
	c.progress = 0
	c.lastError = &ErrorInfo{Context: where, Message: message, At: c.now().UTC()}
	c.log.Warn().Str("context", where).Str("error", message).Msg("livestream error")
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.statusMessage = ""
	c.progress = 0
	c.lastError = nil
	c.launchedAt = time.Time{}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         c.state,
		StatusMessage: c.statusMessage,
		Progress:      c.progress,
		Polling:       c.pollCancel != nil,
	}
	if c.lastError != nil {
		e := *c.lastError
		snap.LastError = &e
	}
	if c.active != nil {
		s := *c.active
		snap.Session = &s
		snap.LivestreamID = s.ID
	}
	return snap
}

func (c *Controller) emit(snap Snapshot) {
	c.metrics.ObserveState(string(snap.State), snap.LivestreamID != "")
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

// discard ends a session created after the controller moved on without it.
func (c *Controller) discard(ctx context.Context, id string) {
	if _, err := c.backend.EndLiveSession(context.WithoutCancel(ctx), id); err != nil {
		c.log.Warn().Err(err).Str("livestream_id", id).Msg("discard superseded livestream failed")
		return
	}
	c.log.Info().Str("livestream_id", id).Msg("discarded superseded livestream")
}

func (c *Controller) persist(ctx context.Context, id string) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(context.WithoutCancel(ctx), kvstore.KeyLiveSessionID, id); err != nil {
		c.log.Warn().Err(err).Msg("persist livestream id failed")
	}
}

func (c *Controller) forget(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(context.WithoutCancel(ctx), kvstore.KeyLiveSessionID); err != nil {
		c.log.Warn().Err(err).Msg("forget livestream id failed")
	}
}
