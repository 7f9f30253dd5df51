package main

import (
	"log/slog"

	"github.com/pairwave/signaling/internal/config"
)

// logStartupSecurityWarnings surfaces misconfigurations that are legal to run
// with (mostly for local development) but dangerous or broken in production.
func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	for _, w := range startupSecurityWarnings(cfg) {
		logger.Warn(w)
	}
}

func startupSecurityWarnings(cfg config.Config) []string {
	var warnings []string

	if !cfg.RoomIDConfigured() {
		warnings = append(warnings, "ROOM_ID_SECRET is not set: room minting and joins will fail with SERVER_NOT_CONFIGURED")
	}
	if !cfg.TURNEnabled() {
		warnings = append(warnings, "TURN_HOST/TURN_SECRET are not set: no relay credentials will be minted; calls across NATs may fail")
	}
	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		warnings = append(warnings, "ALLOWED_ORIGINS is empty in prod mode: only same-host and localhost origins will be accepted")
	}
	if cfg.Mode == config.ModeProd && cfg.RoomIDEnv == "dev" {
		warnings = append(warnings, "ROOM_ID_ENV is \"dev\" in prod mode: room IDs will verify across environments sharing the secret")
	}

	return warnings
}
