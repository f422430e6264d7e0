// Package redisstore provides a Redis-backed session store suitable for
// multi-node deployments.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/tenantweb/dispatch/session"
)

// Config for the Redis-backed session store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all session keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=dispatch:sessions:"`
	// Retention is the inactivity horizon. ENV: SESSIONS_RETENTION
	Retention time.Duration `env:"SESSIONS_RETENTION,default=168h"`
}

type envelope struct {
	SavedAt time.Time        `json:"saved_at"`
	Session *session.Session `json:"session"`
}

// Store is a session.Store backed by Redis. Keys carry a TTL equal to the
// retention horizon; Sweep additionally removes entries whose recorded save
// time predates the horizon, for backends with TTL disabled.
type Store struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

var _ session.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dispatch:sessions:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = session.DefaultRetention
	}
	return &Store{client: cl, keyPrefix: prefix, retention: retention}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) New(ctx context.Context) (*session.Session, error) {
	return session.New(uuid.NewString()), nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return session.New(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session %q: %w", id, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Session == nil {
		// Unreadable payloads are treated like unknown ids.
		return session.New(id), nil
	}
	env.Session.Normalize()
	return env.Session, nil
}

func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(envelope{SavedAt: time.Now(), Session: sess})
	if err != nil {
		return fmt.Errorf("encode session %q: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("redis save session %q: %w", sess.ID, err)
	}
	sess.ClearModified()
	return nil
}

func (s *Store) Sweep(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.SavedAt.Before(cutoff) {
			_ = s.client.Del(ctx, key).Err()
		}
	}
	return iter.Err()
}
