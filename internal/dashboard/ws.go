package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-dashboard/internal/logger"
)

const wsWriteTimeout = 5 * time.Second

// newUpgrader accepts browser upgrades only from the configured CORS
// origins. Requests without an Origin header are not from a browser page
// and are accepted.
func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origins, origin)
		},
	}
}

// originAllowed matches origin against the allowed list; an entry may
// hold one "*" wildcard, e.g. "https://*.example.com".
func originAllowed(allowed []string, origin string) bool {
	origin = strings.ToLower(origin)
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == "*" || a == origin {
			return true
		}
		if prefix, suffix, ok := strings.Cut(a, "*"); ok &&
			len(origin) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// handleWebSocket pushes every state change as a JSON text message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := uuid.NewString()
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()
	logger.Debug("WebSocket", "Client %s connected", client)

	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	// The reader only watches for the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if first, err := EncodeState(s.deps.State.Snapshot()); err == nil {
		if err := write(first.JSONData); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			logger.Debug("WebSocket", "Client %s disconnected", client)
			return
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := write(event.JSONData); err != nil {
				logger.Debug("WebSocket", "Client %s write failed: %v", client, err)
				return
			}
		}
	}
}
