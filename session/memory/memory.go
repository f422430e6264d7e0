// Package memory provides an in-memory session store for tests and
// single-node deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tenantweb/dispatch/session"
)

type record struct {
	data    []byte
	savedAt time.Time
}

// Store is an in-memory session.Store. Sessions are kept serialized so
// every Get hands out an independent copy, matching the behavior of the
// durable backends.
type Store struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

var _ session.Store = (*Store)(nil)

func New() *Store {
	return &Store{records: make(map[string]record), now: time.Now}
}

func (s *Store) New(ctx context.Context) (*session.Session, error) {
	return session.New(uuid.NewString()), nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return session.New(id), nil
	}
	var sess session.Session
	if err := json.Unmarshal(rec.data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	sess.Normalize()
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", sess.ID, err)
	}
	s.mu.Lock()
	s.records[sess.ID] = record{data: data, savedAt: s.now()}
	s.mu.Unlock()
	sess.ClearModified()
	return nil
}

func (s *Store) Sweep(ctx context.Context, retention time.Duration) error {
	cutoff := s.now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.savedAt.Before(cutoff) {
			delete(s.records, id)
		}
	}
	return nil
}

// Len reports the number of persisted sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
