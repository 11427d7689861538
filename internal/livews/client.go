package livews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/avatarconsole/internal/observability"
	"github.com/ent0n29/avatarconsole/internal/protocol"
	"github.com/ent0n29/avatarconsole/internal/reliability"
)

var ErrNotConnected = errors.New("live socket not connected")

const writeTimeout = 10 * time.Second

// Config describes one live socket.
type Config struct {
	URL       string
	SessionID string
	Token     string

	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Dialer  *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		}
	}
	return c
}

// Client is a live session socket that keeps itself alive with pings and
// redials with capped exponential backoff when the connection drops.
// Parsed server messages arrive on Messages; heartbeats are handled
// internally.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan any
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	err     error
	writeMu sync.Mutex
}

// Dial connects to the live socket for cfg.SessionID. The first dial is not
// retried; later drops are.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("live socket url is required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("live socket session id is required")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "livews").Str("livestream_id", cfg.SessionID).Logger(),
		metrics: cfg.Metrics,
		ctx:     runCtx,
		cancel:  cancel,
		msgs:    make(chan any, 64),
		done:    make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.run(conn)
	return c, nil
}

// Messages yields protocol.TextOut, AudioOut, AvatarTalking and ErrorEvent
// values. It is closed when the client stops; Err then reports why.
func (c *Client) Messages() <-chan any { return c.msgs }

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendText sends operator text for the avatar to answer.
func (c *Client) SendText(text string) error {
	return c.Send(protocol.TextIn{
		Type:      protocol.TypeTextIn,
		SessionID: c.cfg.SessionID,
		ID:        uuid.NewString(),
		Text:      text,
	})
}

// Send writes any protocol message as JSON.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode live message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes an already encoded JSON frame.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write live message: %w", err)
	}
	c.metrics.ObserveWSMessage("out", string(messageType(data)))
	return nil
}

// Close sends a close frame and stops the client.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.msgs)

	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("live socket dropped")

		conn, err = c.reconnect(err)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.log.Error().Err(err).Msg("live socket closed")
			return
		}
	}
}

func (c *Client) serve(conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, conn)

	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	defer stop()

	readWindow := c.cfg.HeartbeatInterval*2 + c.cfg.HeartbeatInterval/2
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring live socket frame")
			continue
		}

		if hb, ok := msg.(protocol.Heartbeat); ok {
			c.metrics.ObserveWSMessage("in", string(hb.Type))
			if hb.Type == protocol.TypePing {
				if err := c.writeJSON(conn, protocol.NewPong(time.Now().UnixMilli())); err != nil {
					return err
				}
			}
			continue
		}
		if evt, ok := msg.(protocol.ErrorEvent); ok && !evt.Retryable && !reliability.IsRetryableLiveErrorCode(evt.Code) {
			c.log.Warn().Str("code", evt.Code).Msg("live session reported a non-retryable error")
		}
		c.metrics.ObserveWSMessage("in", string(messageType(data)))

		select {
		case c.msgs <- msg:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(conn, protocol.NewPing(time.Now().UnixMilli())); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
			c.metrics.ObserveWSMessage("out", string(protocol.TypePing))
		}
	}
}

func (c *Client) reconnect(cause error) (*websocket.Conn, error) {
	lastErr := cause
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		delay := reliability.ExponentialBackoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, c.ctx.Err()
		case <-timer.C:
		}

		c.metrics.ObserveWSReconnect()
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempt+1).Msg("live socket reconnected")
			return conn, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("live socket reconnect failed")
	}
	return nil, fmt.Errorf("live socket: gave up after %d reconnect attempts: %w", c.cfg.ReconnectAttempts, lastErr)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := socketURL(c.cfg.URL, c.cfg.SessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("live socket dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("live socket dial failed: %w", err)
	}
	return conn, nil
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(conn, websocket.TextMessage, data)
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func socketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse live socket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("live socket url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func messageType(data []byte) protocol.MessageType {
	var env protocol.Envelope
	_ = json.Unmarshal(data, &env)
	return env.Type
}
