package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pairwave/signaling/internal/config"
	"github.com/pairwave/signaling/internal/hub"
	"github.com/pairwave/signaling/internal/ident"
	"github.com/pairwave/signaling/internal/metrics"
	"github.com/pairwave/signaling/internal/origin"
	"github.com/pairwave/signaling/internal/ratelimit"
	"github.com/pairwave/signaling/internal/token"
	"github.com/pairwave/signaling/internal/transport"
	"github.com/pairwave/signaling/internal/turnrest"
)

// apiRequestTimeout bounds every HTTP handler except the transports: the
// event-stream GET is long-lived and the websocket upgrade hijacks the
// connection.
const apiRequestTimeout = 15 * time.Second

// Server is the HTTP façade: room-ID mint, TURN credential mint, diagnostic
// token, device-check page, plus the mounted transport endpoints.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	gate    *origin.Gate
	roomIDs *ident.RoomIDs
	tokens  *token.Store
	turn    *turnrest.Generator
	metrics *metrics.Metrics

	ws  http.Handler
	sse http.Handler

	limits limiters

	mux *http.ServeMux
	srv *http.Server
}

// limiters holds one per-IP bucket set per public entry point.
type limiters struct {
	ws         *ratelimit.IPLimiter
	sse        *ratelimit.IPLimiter
	roomID     *ratelimit.IPLimiter
	turnCreds  *ratelimit.IPLimiter
	diagnostic *ratelimit.IPLimiter
}

// Deps carries the wired components. Turn is nil when TURN is not configured;
// the credential endpoints then answer 503.
type Deps struct {
	Hub     *hub.Hub
	Gate    *origin.Gate
	RoomIDs *ident.RoomIDs
	Tokens  *token.Store
	Turn    *turnrest.Generator
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		log:     deps.Logger,
		cfg:     cfg,
		gate:    deps.Gate,
		roomIDs: deps.RoomIDs,
		tokens:  deps.Tokens,
		turn:    deps.Turn,
		metrics: deps.Metrics,
		ws:      transport.NewWebSocketHandler(deps.Hub, deps.Gate, deps.Metrics, deps.Logger),
		sse:     transport.NewSSEHandler(deps.Hub, deps.Metrics, deps.Logger),
		limits: limiters{
			ws:         ratelimit.NewIPLimiter(deps.Clock, 10.0/60.0, 5),
			sse:        ratelimit.NewIPLimiter(deps.Clock, 1200.0/60.0, 200),
			roomID:     ratelimit.NewIPLimiter(deps.Clock, 30.0/60.0, 10),
			turnCreds:  ratelimit.NewIPLimiter(deps.Clock, 5.0/60.0, 5),
			diagnostic: ratelimit.NewIPLimiter(deps.Clock, 5.0/60.0, 5),
		},
		mux: http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: event streams are long-lived. Per-route deadlines
		// come from withTimeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/ws", s.rateLimited(s.limits.ws, s.ws))
	s.mux.Handle("/sse", s.rateLimited(s.limits.sse, s.cors(s.sse)))

	s.mux.Handle("/api/room-id",
		s.withTimeout(s.rateLimited(s.limits.roomID, s.cors(http.HandlerFunc(s.handleRoomID)))))
	s.mux.Handle("/api/turn-credentials",
		s.withTimeout(s.rateLimited(s.limits.turnCreds, s.cors(http.HandlerFunc(s.handleTurnCredentials)))))
	s.mux.Handle("/api/diagnostic-token",
		s.withTimeout(s.rateLimited(s.limits.diagnostic, s.cors(http.HandlerFunc(s.handleDiagnosticToken)))))

	s.mux.Handle("GET /device-check", s.withTimeout(http.HandlerFunc(handleDeviceCheck)))

	s.mux.Handle("GET /healthz", s.withTimeout(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})))
	s.mux.Handle("GET /metrics", s.withTimeout(metrics.PrometheusHandler(s.metrics)))
}

// Mux returns the underlying ServeMux for registering additional routes. It
// must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the fully wrapped handler (mux plus global middleware).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.srv.Close()
}

// SweepRateLimiters drops idle per-IP buckets; called from the supervisor's
// sweeper.
func (s *Server) SweepRateLimiters() {
	for _, l := range []*ratelimit.IPLimiter{
		s.limits.ws, s.limits.sse, s.limits.roomID, s.limits.turnCreds, s.limits.diagnostic,
	} {
		l.Sweep()
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
