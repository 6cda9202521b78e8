// Package presence mirrors online status into Redis so other services can
// see who is connected without reading the matchmaker's database.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

const (
	OnlineSetKey   = "presence:online"
	userKeyPrefix  = "presence:user:"
	DefaultKeyTTL  = 24 * time.Hour
	defaultTimeout = 3 * time.Second
)

func UserKey(id int64) string { return userKeyPrefix + strconv.FormatInt(id, 10) }

type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyTTL bounds how long a per-user key outlives a crashed process.
	KeyTTL time.Duration
	Logger *slog.Logger
}

// Mirror decorates a ProfileStore. Status changes go to the wrapped store
// first; Redis failures are logged and never fail the caller.
type Mirror struct {
	next   store.ProfileStore
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ store.ProfileStore = (*Mirror)(nil)

func New(next store.ProfileStore, cfg Config) (*Mirror, error) {
	if next == nil {
		return nil, fmt.Errorf("presence: wrapped profile store is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("presence: redis address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  defaultTimeout,
		ReadTimeout:  defaultTimeout,
		WriteTimeout: defaultTimeout,
	})
	return &Mirror{next: next, client: client, ttl: ttl, logger: logger}, nil
}

// Ping checks connectivity. Startup treats a failure as a warning.
func (m *Mirror) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("presence: ping: %w", err)
	}
	return nil
}

func (m *Mirror) GetParticipant(ctx context.Context, id int64) (store.Participant, error) {
	return m.next.GetParticipant(ctx, id)
}

func (m *Mirror) SetOnlineStatus(ctx context.Context, id int64, online bool) error {
	if err := m.next.SetOnlineStatus(ctx, id, online); err != nil {
		return err
	}

	member := strconv.FormatInt(id, 10)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if online {
			pipe.SAdd(ctx, OnlineSetKey, member)
			pipe.Set(ctx, UserKey(id), time.Now().UTC().Format(time.RFC3339), m.ttl)
		} else {
			pipe.SRem(ctx, OnlineSetKey, member)
			pipe.Del(ctx, UserKey(id))
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("presence update failed", "user_id", id, "online", online, "err", err)
	}
	return nil
}

// OnlineCount returns the size of the online set.
func (m *Mirror) OnlineCount(ctx context.Context) (int64, error) {
	n, err := m.client.SCard(ctx, OnlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: online count: %w", err)
	}
	return n, nil
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
