// Package ws streams execution lifecycle events to WebSocket clients.
// Each finished sandbox execution is delivered as one JSON text frame.
// The stream is write-only; frames sent by the client are discarded.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/danielsimonjr/ironclaw/internal/events"
)

const (
	subprotocol  = "ironclaw-events-v1"
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Server upgrades HTTP connections and fans bus events out to them.
type Server struct {
	bus    *events.Bus
	token  string
	logger *slog.Logger
}

// NewServer creates a WebSocket event server backed by the given bus.
// An empty token disables authentication.
func NewServer(bus *events.Bus, token string, logger *slog.Logger) *Server {
	return &Server{bus: bus, token: token, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate via query parameter or bearer header. Browsers cannot
	// set headers on WebSocket dials, so the query form is the usual path.
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn) {
	// CloseRead discards client frames and cancels the context when the
	// peer goes away or misbehaves.
	ctx = conn.CloseRead(ctx)

	sub := s.bus.Subscribe()
	defer func() {
		s.bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			s.logger.Debug("events dropped for slow subscriber",
				slog.String("subscription_id", sub.ID()),
				slog.Uint64("dropped", n),
			)
		}
		conn.Close(websocket.StatusNormalClosure, "stream closed")
	}()

	s.logger.Debug("event stream opened", slog.String("subscription_id", sub.ID()))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Bus closed, server is shutting down.
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.logger.Debug("event stream closed by client",
						slog.String("subscription_id", sub.ID()),
					)
				} else {
					s.logger.Debug("event write failed",
						slog.String("subscription_id", sub.ID()),
						slog.String("error", err.Error()),
					)
				}
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
