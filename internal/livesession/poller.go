package livesession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/avatarconsole/internal/policy"
	"github.com/ent0n29/avatarconsole/internal/reliability"
)

// startPollLocked cancels the current poll chain, if any, and starts a new
// one for id. Caller holds c.mu.
func (c *Controller) startPollLocked(id string) {
	c.stopPollLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollID = id
	gen := c.pollGen

	c.wg.Add(1)
	go c.pollLoop(ctx, gen, id)
}

// stopPollLocked cancels the current chain and any connect validation, and
// invalidates the generation so results already in flight are dropped.
// Caller holds c.mu.
func (c *Controller) stopPollLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.validateCancel != nil {
		c.validateCancel()
		c.validateCancel = nil
	}
	c.pollID = ""
	c.pollGen++
}

func (c *Controller) pollLoop(ctx context.Context, gen uint64, id string) {
	defer c.wg.Done()

	retries := 0
	for {
		session, err := c.validateSession(ctx, id)
		if ctx.Err() != nil {
			return
		}
		delay, again := c.applyPoll(gen, id, session, err, &retries)
		if !again {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// applyPoll folds one poll result into controller state and reports whether
// to poll again and after how long.
func (c *Controller) applyPoll(gen uint64, id string, session LiveSession, err error, retries *int) (time.Duration, bool) {
	c.mu.Lock()
	if c.closed || gen != c.pollGen || c.active == nil || c.active.ID != id {
		c.mu.Unlock()
		c.metrics.ObservePoll("stale")
		return 0, false
	}

	if err != nil {
		*retries++
		switch {
		case errors.Is(err, ErrSessionNotFound):
			c.metrics.ObservePoll("not_found")
			c.failLocked("Livestream status", "Session not found")
			c.finishPollLocked()
		case c.isFatal(err) || *retries >= c.cfg.PollMaxRetries:
			c.metrics.ObservePoll("exhausted")
			c.failLocked("Livestream status", policy.Redact(err.Error()))
			c.finishPollLocked()
		default:
			c.metrics.ObservePoll("error")
			c.log.Warn().Err(err).Str("livestream_id", id).Int("retries", *retries).Msg("live session poll failed")
			c.statusMessage = fmt.Sprintf("Connection issue, retrying (%d/%d)...", *retries, c.cfg.PollMaxRetries)
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.emit(snap)
			return reliability.LinearDelay(*retries, c.cfg.PollInterval, c.cfg.PollRetryStep), true
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return 0, false
	}

	*retries = 0
	if session.ID == "" {
		session.ID = id
	}
	c.active = &session

	switch {
	case session.IsReady():
		c.metrics.ObservePoll("ready")
		c.connectedLocked()
		c.finishPollLocked()
	case session.IsTerminal():
		c.metrics.ObservePoll("terminal")
		c.failLocked("Livestream status", terminalMessage(session))
		c.finishPollLocked()
	default:
		c.metrics.ObservePoll("pending")
		c.state = StateConnecting
		c.statusMessage = session.JobStatus.statusMessage()
		c.progress = session.JobStatus.progress()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return reliability.LinearDelay(*retries, c.cfg.PollInterval, c.cfg.PollRetryStep), true
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
	return 0, false
}

// finishPollLocked marks the chain as done without bumping the generation;
// the loop exits on its own. Caller holds c.mu.
func (c *Controller) finishPollLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.pollID = ""
}

// validateSession fetches id with capped exponential backoff between
// attempts. Not-found and fatal errors are returned without retrying.
func (c *Controller) validateSession(ctx context.Context, id string) (LiveSession, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ValidateMaxRetries; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, c.cfg.ValidateBackoffBase, c.cfg.ValidateBackoffCap)
			if err := c.sleep(ctx, delay); err != nil {
				return LiveSession{}, err
			}
		}
		session, err := c.backend.GetLiveSession(ctx, id, true)
		if err == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return LiveSession{}, ctx.Err()
		}
		if errors.Is(err, ErrSessionNotFound) || c.isFatal(err) {
			return LiveSession{}, err
		}
		lastErr = err
	}
	return LiveSession{}, fmt.Errorf("validate session %s: gave up after %d attempts: %w", id, c.cfg.ValidateMaxRetries, lastErr)
}

func (c *Controller) isFatal(err error) bool {
	return c.cfg.IsFatal != nil && c.cfg.IsFatal(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
