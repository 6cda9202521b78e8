package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envVarEnvFile         = "MATCHMAKER_ENV_FILE"
	envVarListenAddr      = "MATCHMAKER_LISTEN_ADDR"
	envVarAllowedOrigins  = "MATCHMAKER_ALLOWED_ORIGINS"
	envVarLogFormat       = "MATCHMAKER_LOG_FORMAT"
	envVarLogLevel        = "MATCHMAKER_LOG_LEVEL"
	envVarShutdownTimeout = "MATCHMAKER_SHUTDOWN_TIMEOUT"
	envVarMode            = "MATCHMAKER_MODE"

	envVarAuthMode  = "MATCHMAKER_AUTH_MODE"
	envVarJWTSecret = "MATCHMAKER_JWT_SECRET"

	// Durable storage and presence.
	envVarDBPath        = "MATCHMAKER_DB_PATH"
	envVarDBPoolSize    = "MATCHMAKER_DB_POOL_SIZE"
	envVarRedisAddr     = "MATCHMAKER_REDIS_ADDR"
	envVarRedisPassword = "MATCHMAKER_REDIS_PASSWORD"
	envVarRedisDB       = "MATCHMAKER_REDIS_DB"

	// Matchmaking rules.
	envVarDecisionWindow   = "MATCHMAKER_DECISION_WINDOW"
	envVarMaxAgeDifference = "MATCHMAKER_MAX_AGE_DIFFERENCE"
	envVarAgeWeight        = "MATCHMAKER_AGE_WEIGHT"
	envVarRelayAnyTarget   = "MATCHMAKER_RELAY_ANY_TARGET"
	envVarPersistTimeout   = "MATCHMAKER_PERSIST_TIMEOUT"

	// WebSocket hardening.
	envVarWSIdleTimeout        = "MATCHMAKER_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "MATCHMAKER_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MATCHMAKER_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MATCHMAKER_MAX_MESSAGES_PER_SECOND"

	envVarICETransportPolicy   = "MATCHMAKER_ICE_TRANSPORT_POLICY"
	envVarICECandidatePoolSize = "MATCHMAKER_ICE_CANDIDATE_POOL_SIZE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultEnvFile              = ".env"
	DefaultListenAddr           = "127.0.0.1:8000"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeJWT

	DefaultDBPath     = "matchmaker.db"
	DefaultDBPoolSize = 4

	DefaultDecisionWindow   = 60 * time.Second
	DefaultMaxAgeDifference = 10
	DefaultAgeWeight        = 5.0
	DefaultPersistTimeout   = 5 * time.Second

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	DefaultICECandidatePoolSize = 10

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "matchmaker"
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

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	JWTSecret string

	DBPath        string
	DBPoolSize    int
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DecisionWindow   time.Duration
	MaxAgeDifference int
	AgeWeight        float64
	// RelayAnyTarget lets a participant address signals to any connected id,
	// not only their current partner.
	RelayAnyTarget bool
	PersistTimeout time.Duration

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	ICEServers           []webrtc.ICEServer
	ICETransportPolicy   webrtc.ICETransportPolicy
	ICECandidatePoolSize int
	TURNREST             TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It does not
// fail Load; the server reports it through /readyz instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PresenceEnabled reports whether online status is mirrored into Redis.
func (c Config) PresenceEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// Load reads an optional dotenv file, then environment variables, then args.
// Variables already present in the environment take precedence over the file.
func Load(args []string) (Config, error) {
	if err := loadEnvFile(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

func loadEnvFile(lookup func(string) (string, bool)) error {
	path := envOrDefault(lookup, envVarEnvFile, DefaultEnvFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s %q: %w", envVarEnvFile, path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
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

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	dbPoolSize, err := envIntOrDefault(lookup, envVarDBPoolSize, DefaultDBPoolSize)
	if err != nil {
		return Config{}, err
	}
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	decisionWindow, err := envDurationOrDefault(lookup, envVarDecisionWindow, DefaultDecisionWindow)
	if err != nil {
		return Config{}, err
	}
	maxAgeDifference, err := envIntOrDefault(lookup, envVarMaxAgeDifference, DefaultMaxAgeDifference)
	if err != nil {
		return Config{}, err
	}
	ageWeight := DefaultAgeWeight
	if raw, ok := lookup(envVarAgeWeight); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAgeWeight, raw, err)
		}
		ageWeight = v
	}
	relayAnyTarget := false
	if raw, ok := lookup(envVarRelayAnyTarget); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRelayAnyTarget, raw, err)
		}
		relayAnyTarget = v
	}
	persistTimeout, err := envDurationOrDefault(lookup, envVarPersistTimeout, DefaultPersistTimeout)
	if err != nil {
		return Config{}, err
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	iceTransportPolicyStr := envOrDefault(lookup, envVarICETransportPolicy, webrtc.ICETransportPolicyAll.String())
	iceCandidatePoolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, DefaultICECandidatePoolSize)
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("videochat-matchmaker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "WebSocket auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for participant tokens (env "+envVarJWTSecret+")")

	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database file (env "+envVarDBPath+")")
	fs.IntVar(&dbPoolSize, "db-pool-size", dbPoolSize, "SQLite connection pool size (env "+envVarDBPoolSize+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for presence mirroring; empty disables (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")

	fs.DurationVar(&decisionWindow, "decision-window", decisionWindow, "Time both participants have to decide after a match (env "+envVarDecisionWindow+")")
	fs.IntVar(&maxAgeDifference, "max-age-difference", maxAgeDifference, "Largest age difference two participants may have (env "+envVarMaxAgeDifference+")")
	fs.Float64Var(&ageWeight, "age-weight", ageWeight, "Score penalty per year of age difference (env "+envVarAgeWeight+")")
	fs.BoolVar(&relayAnyTarget, "relay-any-target", relayAnyTarget, "Relay signals to any connected participant, not only the current partner (env "+envVarRelayAnyTarget+")")
	fs.DurationVar(&persistTimeout, "persist-timeout", persistTimeout, "Timeout for each database write (env "+envVarPersistTimeout+")")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&iceTransportPolicyStr, "ice-transport-policy", iceTransportPolicyStr, "ICE transport policy advertised to clients: all or relay (env "+envVarICETransportPolicy+")")
	fs.IntVar(&iceCandidatePoolSize, "ice-candidate-pool-size", iceCandidatePoolSize, "ICE candidate pool size advertised to clients (env "+envVarICECandidatePoolSize+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

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

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s/--jwt-secret is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if strings.TrimSpace(dbPath) == "" {
		return Config{}, fmt.Errorf("%s/--db-path must not be empty", envVarDBPath)
	}
	if dbPoolSize <= 0 {
		return Config{}, fmt.Errorf("%s/--db-pool-size must be > 0", envVarDBPoolSize)
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if decisionWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--decision-window must be > 0", envVarDecisionWindow)
	}
	if maxAgeDifference < 0 {
		return Config{}, fmt.Errorf("%s/--max-age-difference must be >= 0", envVarMaxAgeDifference)
	}
	if ageWeight < 0 {
		return Config{}, fmt.Errorf("%s/--age-weight must be >= 0", envVarAgeWeight)
	}
	if persistTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--persist-timeout must be > 0", envVarPersistTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if iceCandidatePoolSize < 0 || iceCandidatePoolSize > 255 {
		return Config{}, fmt.Errorf("%s/--ice-candidate-pool-size must be between 0 and 255", envVarICECandidatePoolSize)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	iceTransportPolicy, err := parseICETransportPolicy(iceTransportPolicyStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,

		DBPath:        strings.TrimSpace(dbPath),
		DBPoolSize:    dbPoolSize,
		RedisAddr:     strings.TrimSpace(redisAddr),
		RedisPassword: redisPassword,
		RedisDB:       redisDB,

		DecisionWindow:   decisionWindow,
		MaxAgeDifference: maxAgeDifference,
		AgeWeight:        ageWeight,
		RelayAnyTarget:   relayAnyTarget,
		PersistTimeout:   persistTimeout,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		ICETransportPolicy:   iceTransportPolicy,
		ICECandidatePoolSize: iceCandidatePoolSize,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseICETransportPolicy(raw string) (webrtc.ICETransportPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case webrtc.ICETransportPolicyAll.String():
		return webrtc.ICETransportPolicyAll, nil
	case webrtc.ICETransportPolicyRelay.String():
		return webrtc.ICETransportPolicyRelay, nil
	default:
		return webrtc.ICETransportPolicyAll, fmt.Errorf("invalid %s %q (expected all or relay)", envVarICETransportPolicy, raw)
	}
}

// parseAllowedOrigins accepts "*" or full origins like https://example.com and
// returns them normalized to scheme://host[:port].
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		u, err := url.Parse(entry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" ||
			u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}

	return out, nil
}
