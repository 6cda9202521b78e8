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
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/auth"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matching"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matchmaker"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/presence"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	os.Exit(run(cfg, logger))
}

// run owns every resource opened after config and returns the process exit
// code, so deferred closes run before main exits.
func run(cfg config.Config, logger *slog.Logger) int {
	logger.Info("starting videochat-matchmaker",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"db_path", cfg.DBPath,
		"presence", cfg.PresenceEnabled(),
		"decision_window", cfg.DecisionWindow,
		"max_age_difference", cfg.MaxAgeDifference,
		"turn_rest", cfg.TURNREST.Enabled(),
	)

	logStartupWarnings(logger, cfg)

	db, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.DBPath,
		PoolSize: cfg.DBPoolSize,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to open database", "err", err)
		return 1
	}
	defer db.Close()

	var profiles store.ProfileStore = db
	var mirror *presence.Mirror
	if cfg.PresenceEnabled() {
		mirror, err = presence.New(db, presence.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("failed to configure presence", "err", err)
			return 2
		}
		defer mirror.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			// Presence is best-effort; the database stays authoritative.
			logger.Warn("redis presence unreachable at startup", "addr", cfg.RedisAddr, "err", err)
		}
		cancel()
		profiles = mirror
	}

	m := metrics.New()
	engine, err := matchmaker.New(matchmaker.Config{
		Profiles: profiles,
		Sessions: db,
		Rules: matching.Rules{
			MaxAgeDifference: cfg.MaxAgeDifference,
			AgeWeight:        cfg.AgeWeight,
		},
		DecisionWindow: cfg.DecisionWindow,
		PersistTimeout: cfg.PersistTimeout,
		RelayAnyTarget: cfg.RelayAnyTarget,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to configure matchmaker", "err", err)
		return 2
	}

	authn, err := auth.NewAuthenticator(cfg)
	if err != nil {
		logger.Error("failed to configure websocket auth", "err", err)
		return 2
	}

	turnGen, err := turnrest.FromConfig(cfg.TURNREST)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		return 2
	}

	corsPolicy := httpserver.NewCORS(cfg)
	ws, err := signaling.NewHandler(signaling.Config{
		Engine:               engine,
		Authenticator:        authn,
		CheckOrigin:          corsPolicy.OriginAllowed,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		Metrics:              m,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("failed to configure websocket handler", "err", err)
		return 2
	}

	deps := httpserver.Deps{
		Live:      engine,
		Stats:     db,
		TURN:      turnGen,
		Metrics:   m,
		WebSocket: ws,
		CORS:      corsPolicy,
	}
	if mirror != nil {
		deps.Online = mirror
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		engine.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Websockets are hijacked, so Shutdown does not wait for them.
	engine.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
