// Package signaling serves the participant websocket at /ws/{user_id}. It
// authenticates the connection, enforces per-connection limits, and hands
// parsed frames to the matchmaker.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/registry"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
)

// Engine is the part of the matchmaker a connection drives.
type Engine interface {
	Connect(id int64, ch registry.Channel)
	Disconnect(id int64, ch registry.Channel)
	Handle(ctx context.Context, id int64, msg protocol.Inbound) bool
}

// Authenticator checks the connect request for a participant id.
type Authenticator interface {
	Authenticate(userID int64, q url.Values) error
}

type Config struct {
	Engine        Engine
	Authenticator Authenticator
	// CheckOrigin decides cross-origin upgrades. Requests without an Origin
	// header are always allowed. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Handler struct {
	engine       Engine
	auth         Authenticator
	upgrader     websocket.Upgrader
	idleTimeout  time.Duration
	pingInterval time.Duration
	maxBytes     int64
	perSecond    int
	metrics      *metrics.Metrics
	log          *slog.Logger
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("signaling: engine is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("signaling: authenticator is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingInterval >= cfg.IdleTimeout {
		return nil, errors.New("signaling: ping interval must be below idle timeout")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	checkOrigin := cfg.CheckOrigin
	return &Handler{
		engine: cfg.Engine,
		auth:   cfg.Authenticator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if strings.TrimSpace(r.Header.Get("Origin")) == "" || checkOrigin == nil {
					return true
				}
				return checkOrigin(r)
			},
		},
		idleTimeout:  cfg.IdleTimeout,
		pingInterval: cfg.PingInterval,
		maxBytes:     cfg.MaxMessageBytes,
		perSecond:    cfg.MaxMessagesPerSecond,
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With("component", "signaling"),
	}, nil
}

// ServeHTTP expects the user id in the {user_id} path wildcard.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	wc := newWSConn(conn)
	defer wc.Close()

	rawID := r.PathValue("user_id")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		h.metrics.Inc(metrics.WSAuthRejected)
		wc.closeWith(websocket.ClosePolicyViolation, "invalid user id")
		return
	}
	if err := h.auth.Authenticate(id, r.URL.Query()); err != nil {
		h.metrics.Inc(metrics.WSAuthRejected)
		h.log.Info("websocket auth rejected", "user_id", id, "err", err)
		wc.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	h.engine.Connect(id, wc)
	defer h.engine.Disconnect(id, wc)

	go h.keepalive(wc)
	h.readLoop(r.Context(), id, wc)
}

func (h *Handler) keepalive(wc *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wc.done:
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, id int64, wc *wsConn) {
	log := h.log.With("user_id", id)
	conn := wc.conn

	conn.SetReadLimit(h.maxBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.perSecond), h.perSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				h.metrics.Inc(metrics.WSBadMessage)
				log.Info("websocket message too large")
			case isTimeout(err):
				log.Info("websocket idle timeout")
				wc.closeWith(websocket.CloseNormalClosure, "idle timeout")
			default:
				log.Debug("websocket read ended", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		// Rate limit after reading so the close frame is not lost behind
		// unread bytes.
		if !limiter.Allow() {
			h.metrics.Inc(metrics.WSRateLimited)
			wc.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			h.metrics.Inc(metrics.WSBadMessage)
			wc.fail(protocol.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			h.metrics.Inc(metrics.WSBadMessage)
			if errors.Is(err, protocol.ErrInvalid) {
				_ = wc.Send(protocol.Error(protocol.CodeBadMessage, err.Error()))
				continue
			}
			log.Info("malformed message", "err", err)
			wc.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		h.engine.Handle(ctx, id, msg)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
