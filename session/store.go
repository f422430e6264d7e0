package session

import (
	"context"
	"time"
)

// DefaultRetention is how long inactive sessions are kept before the
// maintenance sweep removes them.
const DefaultRetention = 7 * 24 * time.Hour

// Store persists sessions between requests. Get on an unknown id returns a
// fresh session carrying that id; the session only becomes durable on Save.
type Store interface {
	// New mints a session with a fresh opaque id. The session is not
	// persisted until Save.
	New(ctx context.Context) (*Session, error)

	// Get loads the session with the given id, or returns a fresh session
	// with that id when unknown or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Save persists the session and clears its modified flag.
	Save(ctx context.Context, s *Session) error

	// Sweep removes sessions not saved within the retention horizon. It is
	// invoked probabilistically by the dispatcher, not on a schedule.
	Sweep(ctx context.Context, retention time.Duration) error
}
