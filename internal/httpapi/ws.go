package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarconsole/internal/livesession"
	"github.com/ent0n29/avatarconsole/internal/livews"
	"github.com/ent0n29/avatarconsole/internal/protocol"
)

func (s *Server) defaultDialer(ctx context.Context, sessionID string) (*livews.Client, error) {
	return livews.Dial(ctx, livews.Config{
		URL:               s.cfg.LiveWSURL,
		SessionID:         sessionID,
		Token:             s.client.Token(),
		HeartbeatInterval: s.cfg.LiveHeartbeatInterval,
		ReconnectAttempts: s.cfg.LiveReconnectAttempts,
		Logger:            s.log,
		Metrics:           s.metrics,
	})
}

// handleLiveWS relays a browser socket to the live session socket. It is
// only available once the active session is connected.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()
	if snap.State != livesession.StateConnected || snap.LivestreamID == "" {
		respondError(w, http.StatusConflict, "not_connected", "no connected livestream")
		return
	}

	live, err := s.dialLive(r.Context(), snap.LivestreamID)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	defer live.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_relay_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live.Messages():
				if !ok {
					_ = writeRelay(conn, protocol.ErrorEvent{
						Type:      protocol.TypeError,
						SessionID: snap.LivestreamID,
						Code:      "live_socket_closed",
						Message:   "the live session connection was lost",
					})
					return
				}
				if err := writeRelay(conn, msg); err != nil {
					return
				}
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		if _, err := protocol.ParseClientMessage(data); err != nil {
			s.log.Debug().Err(err).Msg("dropping invalid relay frame")
			continue
		}
		if err := live.SendRaw(data); err != nil {
			s.log.Warn().Err(err).Msg("relay to live socket failed")
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_relay_disconnected")
}

func writeRelay(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}
