package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matchmaker"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// LiveStatsSource reports the in-memory matchmaking state.
type LiveStatsSource interface {
	LiveStats() matchmaker.LiveStats
}

// OnlineCounter reports the number of connected participants across nodes.
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int64, error)
}

// Deps are the components the routes read from. Nil fields disable the
// routes that need them, except Metrics and CORS which get defaults.
type Deps struct {
	Live      LiveStatsSource
	Stats     store.StatsSource
	Online    OnlineCounter
	TURN      *turnrest.Generator
	Metrics   *metrics.Metrics
	WebSocket http.Handler
	CORS      *cors.Cors
	Now       func() time.Time
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

// NewCORS builds the CORS policy for cfg.AllowedOrigins. An empty list allows
// every origin.
func NewCORS(cfg config.Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.CORS == nil {
		deps.CORS = NewCORS(cfg)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		deps.CORS.Handler,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Websocket connections are long-lived, so no read or write timeout.
	}

	return s
}

// Handler returns the full middleware chain. Tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
		})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /api/ice-servers", s.handleICEServers)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))

	if s.deps.Stats != nil {
		s.mux.HandleFunc("GET /api/stats", s.handleStats)
	}
	if s.deps.Live != nil {
		s.mux.HandleFunc("GET /api/debug/matchmaker", func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusOK, struct {
				Timestamp string `json:"timestamp"`
				matchmaker.LiveStats
			}{
				Timestamp: s.deps.Now().UTC().Format(time.RFC3339),
				LiveStats: s.deps.Live.LiveStats(),
			})
		})
	}
	if s.deps.WebSocket != nil {
		s.mux.Handle("GET /ws/{user_id}", s.deps.WebSocket)
	}
}

type statsResponse struct {
	store.Stats
	WaitingUsers int `json:"waiting_users"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Stats.Stats(r.Context())
	if err != nil {
		s.log.Error("stats query failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "stats unavailable"})
		return
	}
	if s.deps.Online != nil {
		// Redis sees every node; the database count is the fallback.
		if n, err := s.deps.Online.OnlineCount(r.Context()); err == nil {
			stats.OnlineUsers = n
		} else {
			s.log.Warn("online count from presence failed", "err", err)
		}
	}

	resp := statsResponse{Stats: stats}
	if s.deps.Live != nil {
		resp.WaitingUsers = s.deps.Live.LiveStats().WaitingUsers
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN != nil {
		creds, err := s.deps.TURN.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		servers = turnrest.Apply(servers, creds)
		s.deps.Metrics.Inc(metrics.TURNCredentialsOK)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers":           servers,
		"iceTransportPolicy":   s.cfg.ICETransportPolicy.String(),
		"iceCandidatePoolSize": s.cfg.ICECandidatePoolSize,
	})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
