package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarPort            = "PORT"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	envVarRoomIDSecret = "ROOM_ID_SECRET"
	envVarRoomIDEnv    = "ROOM_ID_ENV"

	envVarTURNHost           = "TURN_HOST"
	envVarTURNSecret         = "TURN_SECRET"
	envVarTURNRESTTTLSeconds = "TURN_REST_TTL_SECONDS"
	envVarTURNUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"

	DefaultPort                      = "8080"
	DefaultShutdown                  = 15 * time.Second
	DefaultTURNRESTTTLSeconds  int64 = 300
	DefaultTURNUsernamePrefix        = "pairwave"
	DefaultMode                Mode  = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Room-ID capability token signing.
	RoomIDSecret string
	RoomIDEnv    string

	// TURN REST credential minting. TURNEnabled() gates the credential
	// endpoints; the hub runs without TURN in development.
	TURNHost               string
	TURNSecret             string
	TURNRESTTTLSeconds     int64
	TURNRESTUsernamePrefix string

	AllowedOrigins []string
}

// TURNEnabled reports whether relay credentials can be minted.
func (c Config) TURNEnabled() bool {
	return strings.TrimSpace(c.TURNHost) != "" && strings.TrimSpace(c.TURNSecret) != ""
}

// RoomIDConfigured reports whether room-ID minting and validation can work.
func (c Config) RoomIDConfigured() bool {
	return strings.TrimSpace(c.RoomIDSecret) != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	port := envOrDefault(lookup, envVarPort, DefaultPort)
	roomIDSecret := envOrDefault(lookup, envVarRoomIDSecret, "")
	roomIDEnv := envOrDefault(lookup, envVarRoomIDEnv, "dev")
	turnHost := envOrDefault(lookup, envVarTURNHost, "")
	turnSecret := envOrDefault(lookup, envVarTURNSecret, "")
	turnUsernamePrefix := envOrDefault(lookup, envVarTURNUsernamePrefix, DefaultTURNUsernamePrefix)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	turnTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnTTLSeconds = n
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	fs := flag.NewFlagSet("pairwave-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&port, "port", port, "HTTP listen port (env "+envVarPort+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&roomIDSecret, "room-id-secret", roomIDSecret, "Room ID signing secret (env "+envVarRoomIDSecret+")")
	fs.StringVar(&roomIDEnv, "room-id-env", roomIDEnv, "Deployment name bound into room IDs (env "+envVarRoomIDEnv+")")
	fs.StringVar(&turnHost, "turn-host", turnHost, "TURN server hostname (env "+envVarTURNHost+")")
	fs.StringVar(&turnSecret, "turn-secret", turnSecret, "TURN REST shared secret (env "+envVarTURNSecret+")")
	fs.Int64Var(&turnTTLSeconds, "turn-rest-ttl-seconds", turnTTLSeconds, "TURN credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnUsernamePrefix, "turn-rest-username-prefix", turnUsernamePrefix, "TURN REST username prefix (env "+envVarTURNUsernamePrefix+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envVarAllowedOrigins+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(port) == "" {
		return Config{}, fmt.Errorf("%s/--port must not be empty", envVarPort)
	}
	if _, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPort, port, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if turnTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}
	if strings.Contains(turnUsernamePrefix, ":") {
		return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must not contain ':'", envVarTURNUsernamePrefix)
	}
	if (strings.TrimSpace(turnHost) == "") != (strings.TrimSpace(turnSecret) == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarTURNHost, envVarTURNSecret)
	}

	cfg := Config{
		ListenAddr:             ":" + strings.TrimSpace(port),
		Mode:                   mode,
		LogFormat:              logFormat,
		LogLevel:               level,
		ShutdownTimeout:        shutdownTimeout,
		RoomIDSecret:           roomIDSecret,
		RoomIDEnv:              strings.TrimSpace(roomIDEnv),
		TURNHost:               strings.TrimSpace(turnHost),
		TURNSecret:             turnSecret,
		TURNRESTTTLSeconds:     turnTTLSeconds,
		TURNRESTUsernamePrefix: turnUsernamePrefix,
		AllowedOrigins:         splitOrigins(allowedOriginsStr),
	}

	// Without the room-ID secret no join can ever succeed, so a production
	// deployment missing it is a startup failure rather than a stream of
	// SERVER_NOT_CONFIGURED replies.
	if cfg.Mode == ModeProd && !cfg.RoomIDConfigured() {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarRoomIDSecret, envVarMode, ModeProd)
	}

	return cfg, nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}
