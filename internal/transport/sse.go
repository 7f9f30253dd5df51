package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pairwave/signaling/internal/hub"
	"github.com/pairwave/signaling/internal/metrics"
)

const (
	ssePingPeriod = 15 * time.Second

	// SSEGracePeriod is how long a dropped stream keeps its sid and room slot
	// while waiting for the same client to reattach.
	SSEGracePeriod = 5 * time.Second

	// SSEStaleTimeout and SSEReaperInterval drive the background eviction of
	// event-stream sessions that stopped reading and posting.
	SSEStaleTimeout   = 60 * time.Second
	SSEReaperInterval = 15 * time.Second
)

// SSEHandler is the half-duplex adapter: a long-lived GET streams outbound
// messages as server-sent events, POSTs carry inbound messages for the
// session named by X-SSE-SID.
type SSEHandler struct {
	hub     *hub.Hub
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewSSEHandler(h *hub.Hub, m *metrics.Metrics, log *slog.Logger) *SSEHandler {
	return &SSEHandler{hub: h, log: log, metrics: m}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveStream(w, r)
	case http.MethodPost:
		h.servePost(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sid := strings.TrimSpace(r.URL.Query().Get("sid"))

	// A returning sid reattaches to its previous event-stream session within
	// the grace window; anything else starts fresh.
	var existing *hub.Session
	if sid != "" {
		if prev := h.hub.GetBySID(sid); prev != nil && prev.Transport() == hub.TransportSSE {
			existing = prev
		} else if prev != nil {
			// The sid belongs to another transport; never adopt it.
			sid = ""
		}
	}

	ip := ClientIP(r)
	var s *hub.Session
	switch {
	case existing != nil:
		s = h.hub.NewSessionWithSID(sid, hub.TransportSSE, ip)
		h.hub.Replace(existing, s)
	case sid != "":
		s = h.hub.NewSessionWithSID(sid, hub.TransportSSE, ip)
		h.hub.Register(s)
		h.metrics.Inc(metrics.EventSSEConnected)
	default:
		s = h.hub.NewSession(hub.TransportSSE, ip)
		h.hub.Register(s)
		h.metrics.Inc(metrics.EventSSEConnected)
	}
	s.MarkSeen(time.Now())

	h.log.Info("event-stream session connected", "sid", s.SID(), "resumed", existing != nil)

	if _, err := w.Write([]byte(": ready\n\n")); err != nil {
		h.streamEnded(s)
		return
	}
	flusher.Flush()

	h.writeLoop(w, flusher, s, r.Context().Done())
	h.streamEnded(s)
}

func (h *SSEHandler) servePost(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.Header.Get("X-SSE-SID"))
	if sid == "" {
		sid = strings.TrimSpace(r.URL.Query().Get("sid"))
	}
	if sid == "" {
		http.Error(w, "Missing SSE session", http.StatusBadRequest)
		return
	}

	s := h.hub.GetBySID(sid)
	if s == nil || s.Transport() != hub.TransportSSE {
		http.Error(w, "Unknown SSE session", http.StatusGone)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxMessageSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	s.MarkSeen(time.Now())
	h.hub.Deliver(s, body)
	w.WriteHeader(http.StatusNoContent)
}

func (h *SSEHandler) writeLoop(w http.ResponseWriter, flusher http.Flusher, s *hub.Session, done <-chan struct{}) {
	ticker := time.NewTicker(ssePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.Done():
			return
		case msg := <-s.Outbound():
			if err := writeEvent(w, flusher, msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamEnded starts the grace window: if the same sid has not reattached
// when it elapses, the session is disconnected for real.
func (h *SSEHandler) streamEnded(s *hub.Session) {
	if s.Replaced() {
		return
	}
	h.log.Debug("event-stream dropped, starting grace window", "sid", s.SID())
	time.AfterFunc(SSEGracePeriod, func() {
		if h.hub.GetBySID(s.SID()) == s {
			h.hub.Disconnect(s)
		}
	})
}

// writeEvent frames one message as a single SSE event: every payload line is
// prefixed with "data: " and the event ends with a blank line.
func writeEvent(w io.Writer, flusher http.Flusher, data []byte) error {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
