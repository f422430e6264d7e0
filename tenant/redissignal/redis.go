// Package redissignal carries cross-process cache invalidation over a
// per-tenant Redis counter. A node remembers the last counter value it
// saw; any observed change means another process broadcast an
// invalidation in the meantime.
package redissignal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/tenantweb/dispatch/tenant"
)

type Config struct {
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ENV: SIGNAL_KEY_PREFIX
	KeyPrefix string `env:"SIGNAL_KEY_PREFIX,default=dispatch:signal:"`
}

type Signal struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	seen map[string]int64
}

var _ tenant.CacheSignal = (*Signal)(nil)

func New(cfg Config) *Signal {
	return &Signal{
		client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		prefix: cfg.KeyPrefix,
		seen:   make(map[string]int64),
	}
}

// NewFromEnv builds a Signal using envdecode to populate Config.
func NewFromEnv() (*Signal, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redissignal: decode config: %w", err)
	}
	return New(cfg), nil
}

func (s *Signal) Close() error {
	return s.client.Close()
}

func (s *Signal) key(tenantID string) string {
	return s.prefix + tenantID
}

func (s *Signal) CheckInvalidation(ctx context.Context, tenantID string) (bool, error) {
	current, err := s.client.Get(ctx, s.key(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		current = 0
	} else if err != nil {
		return false, fmt.Errorf("redissignal: check %q: %w", tenantID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := current != s.seen[tenantID]
	s.seen[tenantID] = current
	return changed, nil
}

func (s *Signal) BroadcastChanged(ctx context.Context, tenantID string) error {
	next, err := s.client.Incr(ctx, s.key(tenantID)).Result()
	if err != nil {
		return fmt.Errorf("redissignal: broadcast %q: %w", tenantID, err)
	}

	// Our own broadcast must not turn into a self-invalidation on the
	// next check.
	s.mu.Lock()
	s.seen[tenantID] = next
	s.mu.Unlock()
	return nil
}
