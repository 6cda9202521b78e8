// Package matchmaker ties the waiting pool, per-pair sessions, deadlines and
// signal relay to the connected participants.
//
// Lock order is Engine.mu, then Pool.mu or Session.mu. Session hooks run with
// no session lock held and may take Engine.mu. Store writes and deliveries
// always happen with no lock held.
package matchmaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/clock"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/matching"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/registry"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/session"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

const DefaultPersistTimeout = 5 * time.Second

type Config struct {
	Profiles store.ProfileStore
	Sessions store.SessionStore

	Clock          clock.Clock
	Rules          matching.Rules
	DecisionWindow time.Duration
	// PersistTimeout bounds every store call made on behalf of a message.
	PersistTimeout time.Duration
	// RelayAnyTarget lets an explicit target_user_id name any connected
	// participant instead of only the sender's partner.
	RelayAnyTarget bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// NewID generates session and room ids. Defaults to UUIDv4.
	NewID func() string
}

type Engine struct {
	profiles       store.ProfileStore
	sessions       store.SessionStore
	clock          clock.Clock
	rules          matching.Rules
	decisionWindow time.Duration
	persistTimeout time.Duration
	relayAnyTarget bool
	metrics        *metrics.Metrics
	log            *slog.Logger
	newID          func() string

	registry  *registry.Registry
	pool      *matching.Pool
	scheduler *session.Scheduler
	closed    atomic.Bool

	mu            sync.Mutex
	byRoom        map[string]*session.Session
	byParticipant map[int64]*session.Session
	// creating holds sessions whose store record is still being written.
	// The channel closes once CreateSession returns.
	creating map[string]chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Profiles == nil {
		return nil, errors.New("matchmaker: profile store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("matchmaker: session store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Rules == (matching.Rules{}) {
		cfg.Rules = matching.DefaultRules()
	}
	if cfg.DecisionWindow <= 0 {
		cfg.DecisionWindow = session.DefaultDecisionWindow
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	e := &Engine{
		profiles:       cfg.Profiles,
		sessions:       cfg.Sessions,
		clock:          cfg.Clock,
		rules:          cfg.Rules,
		decisionWindow: cfg.DecisionWindow,
		persistTimeout: cfg.PersistTimeout,
		relayAnyTarget: cfg.RelayAnyTarget,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.With("component", "matchmaker"),
		newID:          cfg.NewID,
		pool:           matching.NewPool(),
		scheduler:      session.NewScheduler(cfg.Clock),
		byRoom:         make(map[string]*session.Session),
		byParticipant:  make(map[int64]*session.Session),
		creating:       make(map[string]chan struct{}),
	}
	e.registry = registry.New(registry.Config{
		Profiles:          cfg.Profiles,
		Logger:            cfg.Logger,
		StatusTimeout:     cfg.PersistTimeout,
		OnDeliveryFailure: e.onDeliveryFailure,
	})
	return e, nil
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Connect binds id to ch. An earlier connection for id is closed but its
// search and session state carry over to ch.
func (e *Engine) Connect(id int64, ch registry.Channel) {
	e.registry.Register(id, ch)
	e.metrics.Inc(metrics.WSConnected)
	e.log.Info("participant connected", "user_id", id)
}

// Disconnect tears down id's state if ch is still its live connection: the
// participant leaves the pool and a pending session is abandoned.
func (e *Engine) Disconnect(id int64, ch registry.Channel) {
	e.metrics.Inc(metrics.WSDisconnected)
	if !e.registry.Unregister(id, ch) {
		e.log.Debug("stale connection closed", "user_id", id)
		return
	}
	e.release(id)
	e.log.Info("participant disconnected", "user_id", id)
}

func (e *Engine) onDeliveryFailure(id int64) {
	e.metrics.Inc(metrics.DeliveryFailed)
	e.release(id)
}

// release removes id from the pool and from its session. Safe to repeat.
func (e *Engine) release(id int64) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.pool.Remove(id)
	sess := e.byParticipant[id]
	if sess != nil && sess.State() == session.MutualMatch {
		e.unindexLocked(sess)
		sess = nil
	}
	e.mu.Unlock()

	if sess == nil {
		return
	}
	if _, err := sess.Abandon(id); err != nil {
		e.log.Warn("abandon failed", "user_id", id, "session_id", sess.ID(), "err", err)
	}
}

// Handle dispatches one parsed client frame. It reports false for frame types
// it does not know.
func (e *Engine) Handle(ctx context.Context, id int64, msg protocol.Inbound) bool {
	switch msg.Type {
	case protocol.TypeStartSearch:
		e.StartSearch(ctx, id)
	case protocol.TypeStopSearch:
		e.StopSearch(id)
	case protocol.TypeApprove:
		e.Approve(ctx, id, msg.RoomID)
	case protocol.TypeReject:
		e.Reject(ctx, id, msg.RoomID)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		kind, payload, _ := msg.Signal()
		target, hasTarget := msg.Target()
		e.Relay(id, kind, target, hasTarget, payload)
	default:
		e.metrics.Inc(metrics.WSUnknownType)
		e.log.Debug("ignoring unknown message type", "user_id", id, "type", msg.Type)
		return false
	}
	return true
}

// Deliver sends msg to id if connected.
func (e *Engine) Deliver(id int64, msg protocol.Outbound) bool {
	return e.registry.Deliver(id, msg)
}

type LiveStats struct {
	ActiveConnections int `json:"active_connections"`
	WaitingUsers      int `json:"waiting_users"`
	PendingSessions   int `json:"pending_sessions"`
	MatchedRooms      int `json:"matched_rooms"`
	ArmedDeadlines    int `json:"armed_deadlines"`
}

func (e *Engine) LiveStats() LiveStats {
	e.mu.Lock()
	stats := LiveStats{WaitingUsers: e.pool.Len()}
	for _, sess := range e.byRoom {
		switch sess.State() {
		case session.Pending:
			stats.PendingSessions++
		case session.MutualMatch:
			stats.MatchedRooms++
		}
	}
	e.mu.Unlock()

	stats.ActiveConnections = e.registry.Count()
	stats.ArmedDeadlines = e.scheduler.Pending()
	return stats
}

// Close stops every deadline and closes every connection. Sessions still
// pending are left open in the store for orphan recovery.
func (e *Engine) Close() {
	e.closed.Store(true)
	e.scheduler.Stop()
	e.registry.CloseAll()
}

func (e *Engine) indexLocked(sess *session.Session) {
	a, b := sess.Participants()
	e.byRoom[sess.RoomID()] = sess
	e.byParticipant[a] = sess
	e.byParticipant[b] = sess
}

// unindexLocked drops sess from both indexes, leaving entries that already
// point at a newer session alone.
func (e *Engine) unindexLocked(sess *session.Session) {
	a, b := sess.Participants()
	if e.byRoom[sess.RoomID()] == sess {
		delete(e.byRoom, sess.RoomID())
	}
	if e.byParticipant[a] == sess {
		delete(e.byParticipant, a)
	}
	if e.byParticipant[b] == sess {
		delete(e.byParticipant, b)
	}
}

// awaitCreated blocks until the store record for sessionID exists, so later
// writes for the session never land before it.
func (e *Engine) awaitCreated(sessionID string) {
	e.mu.Lock()
	done := e.creating[sessionID]
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.persistTimeout)
}

func (e *Engine) persistFailed(op string, sessionID string, err error) {
	e.metrics.Inc(metrics.PersistFailed)
	e.log.Error("persist failed", "op", op, "session_id", sessionID, "err", err)
}
