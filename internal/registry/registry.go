// Package registry binds participant ids to their live websocket channel.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

const defaultStatusTimeout = 5 * time.Second

// Channel is one client connection.
type Channel interface {
	Send(msg protocol.Outbound) error
	Close() error
}

type Config struct {
	// Profiles receives online/offline transitions. May be nil.
	Profiles store.ProfileStore
	Logger   *slog.Logger
	// StatusTimeout bounds each SetOnlineStatus call.
	StatusTimeout time.Duration
	// OnDeliveryFailure runs after a failed send unbinds id.
	OnDeliveryFailure func(id int64)
}

type Registry struct {
	profiles      store.ProfileStore
	logger        *slog.Logger
	statusTimeout time.Duration
	onFailure     func(id int64)

	mu       sync.Mutex
	channels map[int64]Channel
}

func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.StatusTimeout
	if timeout <= 0 {
		timeout = defaultStatusTimeout
	}
	return &Registry{
		profiles:      cfg.Profiles,
		logger:        logger,
		statusTimeout: timeout,
		onFailure:     cfg.OnDeliveryFailure,
		channels:      make(map[int64]Channel),
	}
}

// Register binds id to ch. A previous channel for id is closed; the newest
// connection always wins.
func (r *Registry) Register(id int64, ch Channel) {
	r.mu.Lock()
	prev := r.channels[id]
	r.channels[id] = ch
	r.mu.Unlock()

	if prev != nil && prev != ch {
		r.logger.Info("replacing existing connection", "user_id", id)
		_ = prev.Close()
	}
	r.setOnline(id, true)
}

// Unregister removes ch if it is still the binding for id. It reports whether
// id has no binding after the call, so a stale channel of a replaced
// connection never evicts the live one.
func (r *Registry) Unregister(id int64, ch Channel) bool {
	r.mu.Lock()
	cur, ok := r.channels[id]
	removed := ok && cur == ch
	if removed {
		delete(r.channels, id)
	}
	unbound := !ok || removed
	r.mu.Unlock()

	if removed {
		r.setOnline(id, false)
	}
	return unbound
}

func (r *Registry) Bound(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Deliver sends msg to id's channel. It returns false when id is not bound or
// the send failed; a failed channel is unbound and closed.
func (r *Registry) Deliver(id int64, msg protocol.Outbound) bool {
	r.mu.Lock()
	ch, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := ch.Send(msg); err != nil {
		r.logger.Debug("delivery failed", "user_id", id, "type", msg.Type, "err", err)
		if r.Unregister(id, ch) {
			_ = ch.Close()
			if r.onFailure != nil {
				r.onFailure(id)
			}
		}
		return false
	}
	return true
}

// CloseAll closes and unbinds every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[int64]Channel)
	r.mu.Unlock()

	for id, ch := range channels {
		_ = ch.Close()
		r.setOnline(id, false)
	}
}

func (r *Registry) setOnline(id int64, online bool) {
	if r.profiles == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.statusTimeout)
	defer cancel()
	if err := r.profiles.SetOnlineStatus(ctx, id, online); err != nil {
		r.logger.Warn("failed to update online status", "user_id", id, "online", online, "err", err)
	}
}
