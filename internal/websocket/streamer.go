// Package websocket relays bus events to WebSocket clients.
package websocket

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/incrypt/backend/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Streamer upgrades requests and forwards every matching bus event to the
// client as a JSON text frame. ?events= filters by comma-separated type.
type Streamer struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
	clients  atomic.Int64
}

// NewStreamer accepts upgrades from allowedOrigin, or from anywhere when it is
// "*" or empty.
func NewStreamer(bus *events.Bus, allowedOrigin string, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		bus:    bus,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

// Clients reports the number of open connections.
func (s *Streamer) Clients() int {
	return int(s.clients.Load())
}

func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types := events.ParseTypes(r.URL.Query().Get("events"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	s.logger.Info("websocket client connected", "clients", n)

	// Clients only send control frames; reading drives pong and close handling.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]string{"type": "connected"}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			s.logger.Info("websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
