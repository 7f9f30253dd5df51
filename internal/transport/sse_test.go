package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwave/signaling/internal/hub"
	"github.com/pairwave/signaling/internal/ident"
	"github.com/pairwave/signaling/internal/metrics"
	"github.com/pairwave/signaling/internal/token"
)

// streamRecorder is a Flusher-capable ResponseWriter safe for concurrent
// reads while the stream goroutine writes.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   bytes.Buffer
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(status int) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *streamRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(b)
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func newSSETestStack(t *testing.T) (*hub.Hub, *SSEHandler) {
	t.Helper()
	// Discard logs: grace-window timers may fire after the test returns.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(hub.Config{
		RoomIDs:         ident.NewRoomIDs("test-secret", "test"),
		Tokens:          token.NewStore(nil),
		Metrics:         metrics.New(),
		MintRelayTokens: true,
		Logger:          logger,
	})
	return h, NewSSEHandler(h, metrics.New(), logger)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSSE_StreamGreetingAndFraming(t *testing.T) {
	h, handler := newSSETestStack(t)

	rec := newStreamRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/sse?sid=S-sse-test", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	waitFor(t, func() bool { return h.GetBySID("S-sse-test") != nil })
	s := h.GetBySID("S-sse-test")
	require.Equal(t, hub.TransportSSE, s.Transport())

	// Push something through the session queue and watch it framed.
	h.Deliver(s, []byte(`{"v":1,"type":"watch_rooms","payload":{"rids":[]}}`))
	waitFor(t, func() bool { return strings.Contains(rec.Body(), "room_statuses") })

	body := rec.Body()
	require.True(t, strings.HasPrefix(body, ": ready\n\n"), "stream must open with the ready comment: %q", body)
	require.Contains(t, body, "data: {")
	require.Contains(t, body, "\n\n")

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	cancel()
	<-done
}

func TestSSE_PostDispatchesToSession(t *testing.T) {
	h, handler := newSSETestStack(t)

	s := h.NewSessionWithSID("S-post-test", hub.TransportSSE, "203.0.113.9")
	h.Register(s)

	req := httptest.NewRequest(http.MethodPost, "/sse", strings.NewReader(`{"v":1,"type":"watch_rooms","payload":{"rids":[]}}`))
	req.Header.Set("X-SSE-SID", "S-post-test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	// The hub processed the message: a room_statuses reply is queued.
	select {
	case b := <-s.Outbound():
		require.Contains(t, string(b), "room_statuses")
	default:
		t.Fatalf("expected a queued reply")
	}
}

func TestSSE_PostErrors(t *testing.T) {
	h, handler := newSSETestStack(t)

	s := h.NewSessionWithSID("S-err-test", hub.TransportSSE, "203.0.113.9")
	h.Register(s)

	tests := []struct {
		name string
		sid  string
		body string
		want int
	}{
		{"missing sid", "", `{"v":1,"type":"ping"}`, http.StatusBadRequest},
		{"unknown sid", "S-who", `{"v":1,"type":"ping"}`, http.StatusGone},
		{"empty body", "S-err-test", "   ", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sse", strings.NewReader(tt.body))
			if tt.sid != "" {
				req.Header.Set("X-SSE-SID", tt.sid)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSSE_PostSidViaQuery(t *testing.T) {
	h, handler := newSSETestStack(t)

	s := h.NewSessionWithSID("S-query-test", hub.TransportSSE, "203.0.113.9")
	h.Register(s)

	req := httptest.NewRequest(http.MethodPost, "/sse?sid=S-query-test", strings.NewReader(`{"v":1,"type":"ping"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSSE_ReattachReplacesSession(t *testing.T) {
	h, handler := newSSETestStack(t)

	start := func() (*streamRecorder, context.CancelFunc, chan struct{}) {
		rec := newStreamRecorder()
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/sse?sid=S-resume", nil).WithContext(ctx)
		done := make(chan struct{})
		go func() {
			handler.ServeHTTP(rec, req)
			close(done)
		}()
		waitFor(t, func() bool { return h.GetBySID("S-resume") != nil })
		return rec, cancel, done
	}

	_, cancel1, done1 := start()
	first := h.GetBySID("S-resume")

	// Drop the stream; within the grace window the session is still owned.
	cancel1()
	<-done1
	require.Same(t, first, h.GetBySID("S-resume"))

	// Reattach with the same sid: a new session takes over.
	_, cancel2, done2 := start()
	// start() only waits for the sid to exist, which the old session already
	// satisfies; wait for the handler to have swapped in its session.
	waitFor(t, func() bool { return h.GetBySID("S-resume") != first })
	second := h.GetBySID("S-resume")
	require.NotSame(t, first, second)
	require.True(t, first.Replaced())

	cancel2()
	<-done2
}

func TestSSE_MethodNotAllowed(t *testing.T) {
	_, handler := newSSETestStack(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sse", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteEvent_MultilinePayload(t *testing.T) {
	var buf bytes.Buffer
	rec := newStreamRecorder()
	require.NoError(t, writeEvent(&buf, rec, []byte("line1\nline2")))
	require.Equal(t, "data: line1\ndata: line2\n\n", buf.String())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:1234"
	require.Equal(t, "198.51.100.4", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.8")
	require.Equal(t, "203.0.113.8", ClientIP(r))
}
