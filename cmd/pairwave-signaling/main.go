package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pairwave/signaling/internal/config"
	"github.com/pairwave/signaling/internal/httpapi"
	"github.com/pairwave/signaling/internal/hub"
	"github.com/pairwave/signaling/internal/ident"
	"github.com/pairwave/signaling/internal/metrics"
	"github.com/pairwave/signaling/internal/origin"
	"github.com/pairwave/signaling/internal/ratelimit"
	"github.com/pairwave/signaling/internal/token"
	"github.com/pairwave/signaling/internal/transport"
	"github.com/pairwave/signaling/internal/turnrest"
)

const limiterSweepInterval = 10 * time.Minute

func main() {
	// Load .env from the working directory or its parent (local dev).
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting pairwave-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"room_id_env", cfg.RoomIDEnv,
		"room_id_configured", cfg.RoomIDConfigured(),
		"turn_enabled", cfg.TURNEnabled(),
		"allowed_origins", len(cfg.AllowedOrigins),
	)

	logStartupSecurityWarnings(logger, cfg)

	roomIDs := ident.NewRoomIDs(cfg.RoomIDSecret, cfg.RoomIDEnv)
	tokens := token.NewStore(nil)
	m := metrics.New()

	var turn *turnrest.Generator
	if cfg.TURNEnabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			Host:           cfg.TURNHost,
			SharedSecret:   cfg.TURNSecret,
			TTLSeconds:     cfg.TURNRESTTTLSeconds,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn credentials", "err", err)
			os.Exit(2)
		}
	}

	h := hub.New(hub.Config{
		Logger:          logger,
		Metrics:         m,
		RoomIDs:         roomIDs,
		Tokens:          tokens,
		MintRelayTokens: cfg.TURNEnabled(),
	})

	srv := httpapi.New(cfg, httpapi.Deps{
		Hub:     h,
		Gate:    origin.NewGate(cfg.AllowedOrigins),
		RoomIDs: roomIDs,
		Tokens:  tokens,
		Turn:    turn,
		Metrics: m,
		Logger:  logger,
		Clock:   ratelimit.RealClock{},
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runSweepers(ctx, h, tokens, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// runSweepers owns the background cadences: expired relay tokens, stale
// event-stream sessions, and idle rate-limiter buckets.
func runSweepers(ctx context.Context, h *hub.Hub, tokens *token.Store, srv *httpapi.Server) {
	tokenTicker := time.NewTicker(token.SweepInterval)
	defer tokenTicker.Stop()
	sseTicker := time.NewTicker(transport.SSEReaperInterval)
	defer sseTicker.Stop()
	limiterTicker := time.NewTicker(limiterSweepInterval)
	defer limiterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tokenTicker.C:
			tokens.Sweep()
		case <-sseTicker.C:
			h.EvictStaleSSE(time.Now().Add(-transport.SSEStaleTimeout))
		case <-limiterTicker.C:
			srv.SweepRateLimiters()
		}
	}
}
