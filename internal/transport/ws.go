package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/signaling/internal/hub"
	"github.com/pairwave/signaling/internal/metrics"
	"github.com/pairwave/signaling/internal/origin"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// MaxMessageSize caps one inbound frame / POST body on either transport.
	MaxMessageSize = 64 * 1024
)

// WebSocketHandler is the full-duplex adapter: it upgrades the connection,
// registers a session with the hub, and runs the read/write pumps.
type WebSocketHandler struct {
	hub      *hub.Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(h *hub.Hub, gate *origin.Gate, m *metrics.Metrics, log *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     h,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return gate.Allow(r.Header.Get("Origin"), r.Host)
			},
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	s := h.hub.NewSession(hub.TransportWebSocket, ClientIP(r))
	h.hub.Register(s)
	h.metrics.Inc(metrics.EventWSConnected)
	h.log.Info("websocket session connected", "sid", s.SID(), "ip", s.IP())

	go h.writePump(conn, s)
	go h.readPump(conn, s)
}

func (h *WebSocketHandler) readPump(conn *websocket.Conn, s *hub.Session) {
	defer func() {
		h.hub.Disconnect(s)
		conn.Close()
	}()

	conn.SetReadLimit(MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", "sid", s.SID(), "err", err)
			}
			return
		}
		h.hub.Deliver(s, data)
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, s *hub.Session) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			// One protocol message per frame; clients decode exactly one JSON
			// object per frame, so no coalescing.
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
