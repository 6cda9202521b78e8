// Command matchmaker-server-go runs the matchmaker against an in-memory store
// for browser E2E tests. It prints "READY <port>" once it accepts connections.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/auth"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matchmaker"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

// defaultParticipants is one compatible pair at the default coordinates.
var defaultParticipants = []store.Participant{
	{ID: 1, Gender: store.GenderMale, Age: 30, Lat: store.DefaultLat, Lng: store.DefaultLng},
	{ID: 2, Gender: store.GenderFemale, Age: 29, Lat: store.DefaultLat, Lng: store.DefaultLng},
}

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	window := time.Duration(envIntOrDefault("DECISION_WINDOW_MS", 2000)) * time.Millisecond

	if v := os.Getenv("AUTH_MODE"); v != "" && v != "none" {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	participants := defaultParticipants
	if raw := os.Getenv("PARTICIPANTS_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &participants); err != nil {
			fmt.Fprintf(os.Stderr, "PARTICIPANTS_JSON: %v\n", err)
			os.Exit(2)
		}
	}
	mem := store.NewMemory()
	for _, p := range participants {
		mem.PutParticipant(p)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Config{AuthMode: config.AuthModeNone, Mode: config.ModeDev}

	engine, err := matchmaker.New(matchmaker.Config{
		Profiles:       mem,
		Sessions:       mem,
		DecisionWindow: window,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchmaker: %v\n", err)
		os.Exit(2)
	}
	defer engine.Close()

	authn, err := auth.NewAuthenticator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		os.Exit(2)
	}
	ws, err := signaling.NewHandler(signaling.Config{
		Engine:        engine,
		Authenticator: authn,
		Metrics:       engine.Metrics(),
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "signaling: %v\n", err)
		os.Exit(2)
	}

	// Empty AllowedOrigins accepts every origin, which E2E pages need.
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"}, httpserver.Deps{
		Live:      engine,
		Stats:     mem,
		Metrics:   engine.Metrics(),
		WebSocket: ws,
	})

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
