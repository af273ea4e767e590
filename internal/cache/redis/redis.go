// Package redis shares cached user contexts between service instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	r "gopkg.in/redis.v5"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/usercontext"
)

const (
	prefix     = "_WELFARE_UCTX_"
	defaultTTL = 24 * time.Hour
)

// kv is the slice of the redis client the store needs.
type kv interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Ping() error
	Close() error
}

type client struct {
	c *r.Client
}

func (c client) Get(key string) ([]byte, error) { return c.c.Get(key).Bytes() }

func (c client) Set(key string, value []byte, ttl time.Duration) error {
	return c.c.Set(key, value, ttl).Err()
}

func (c client) Ping() error  { return c.c.Ping().Err() }
func (c client) Close() error { return c.c.Close() }

// ContextStore keeps user contexts in redis with a TTL. When a durable
// store is attached it is written through and consulted on a redis miss.
type ContextStore struct {
	kv       kv
	fallback usercontext.Store
	ttl      time.Duration
	log      *slog.Logger
}

type Option func(*ContextStore)

// WithTTL sets the redis expiry. Zero keeps the default.
func WithTTL(d time.Duration) Option {
	return func(s *ContextStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithFallback attaches the durable store behind the cache.
func WithFallback(store usercontext.Store) Option {
	return func(s *ContextStore) { s.fallback = store }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ContextStore) {
		if l != nil {
			s.log = l
		}
	}
}

// NewContextStore connects to the redis server at url.
func NewContextStore(url string, opts ...Option) (*ContextStore, error) {
	ropts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return newContextStore(client{c: r.NewClient(ropts)}, opts...), nil
}

func newContextStore(store kv, opts ...Option) *ContextStore {
	s := &ContextStore{kv: store, ttl: defaultTTL, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(threadID, userID string) string {
	return prefix + threadID + ":" + userID
}

// GetUserContext returns the cached entry, or nil on a miss.
func (s *ContextStore) GetUserContext(ctx context.Context, threadID, userID string) (*domain.UserContext, error) {
	raw, err := s.kv.Get(key(threadID, userID))
	switch {
	case err == nil:
		var uc domain.UserContext
		decErr := json.Unmarshal(raw, &uc)
		if decErr == nil {
			return &uc, nil
		}
		s.log.Warn("discarding undecodable cached user context", "thread_id", threadID, "err", decErr)
	case errors.Is(err, r.Nil):
	default:
		if s.fallback == nil {
			return nil, fmt.Errorf("redis: get user context: %w", err)
		}
		s.log.Warn("redis read failed, using durable store", "thread_id", threadID, "err", err)
	}

	if s.fallback == nil {
		return nil, nil
	}
	uc, err := s.fallback.GetUserContext(ctx, threadID, userID)
	if err != nil || uc == nil {
		return uc, err
	}
	if err := s.set(*uc); err != nil {
		s.log.Warn("redis backfill failed", "thread_id", threadID, "err", err)
	}
	return uc, nil
}

// UpsertUserContext replaces the entry in the durable store (if any) and in
// redis.
func (s *ContextStore) UpsertUserContext(ctx context.Context, uc domain.UserContext) error {
	if s.fallback != nil {
		if err := s.fallback.UpsertUserContext(ctx, uc); err != nil {
			return err
		}
	}
	return s.set(uc)
}

func (s *ContextStore) set(uc domain.UserContext) error {
	raw, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("redis: encode user context: %w", err)
	}
	if err := s.kv.Set(key(uc.ThreadID, uc.UserID), raw, s.ttl); err != nil {
		return fmt.Errorf("redis: set user context: %w", err)
	}
	return nil
}

func (s *ContextStore) Ping(context.Context) error {
	if err := s.kv.Ping(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *ContextStore) Close() error {
	return s.kv.Close()
}

var _ usercontext.Store = (*ContextStore)(nil)
