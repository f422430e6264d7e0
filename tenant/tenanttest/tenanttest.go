// Package tenanttest provides recording in-memory fakes for the tenant
// collaborator interfaces, for use in tests.
package tenanttest

import (
	"context"
	"sync"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/tenant"
)

// User is a fake identity record.
type User struct {
	UID      int64
	Login    string
	Password string
	Context  map[string]any
}

// Identity is a fake identity authority backed by static user records.
type Identity struct {
	mu sync.Mutex
	// Users maps tenant -> login -> record.
	Users map[string]map[string]User

	AuthenticateCalls int
	CheckCalls        int
}

var _ tenant.Identity = (*Identity)(nil)

func NewIdentity() *Identity {
	return &Identity{Users: make(map[string]map[string]User)}
}

// AddUser registers a user record for a tenant.
func (id *Identity) AddUser(tenantID string, u User) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.Users[tenantID] == nil {
		id.Users[tenantID] = make(map[string]User)
	}
	id.Users[tenantID][u.Login] = u
}

func (id *Identity) Authenticate(ctx context.Context, tenantID, login, password string, env tenant.ClientEnv) (int64, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.AuthenticateCalls++
	u, ok := id.Users[tenantID][login]
	if !ok || u.Password != password {
		return 0, &fault.AuthenticationError{Message: "authentication failure"}
	}
	return u.UID, nil
}

func (id *Identity) CheckCredential(ctx context.Context, tenantID string, uid int64, password string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.CheckCalls++
	for _, u := range id.Users[tenantID] {
		if u.UID == uid {
			if u.Password != password {
				return &fault.AuthenticationError{Message: "credential rejected"}
			}
			return nil
		}
	}
	return &fault.AuthenticationError{Message: "unknown user"}
}

// Tx is a recording transactional resource.
type Tx struct {
	mu        sync.Mutex
	Commits   int
	Rollbacks int
	Closes    int

	// QueryFn, if set, serves Query calls.
	QueryFn func(query string, args ...any) ([]map[string]any, error)
}

var _ tenant.Tx = (*Tx)(nil)

func (tx *Tx) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	tx.mu.Lock()
	fn := tx.QueryFn
	tx.mu.Unlock()
	if fn != nil {
		return fn(query, args...)
	}
	return nil, nil
}

func (tx *Tx) Exec(ctx context.Context, query string, args ...any) error { return nil }

func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.Commits++
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.Rollbacks++
	return nil
}

func (tx *Tx) Close(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.Closes++
	return nil
}

// Released reports whether the resource was settled and closed exactly once.
func (tx *Tx) Released() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.Closes == 1 && tx.Commits+tx.Rollbacks <= 1
}

// DataLayer is a fake per-tenant data layer.
type DataLayer struct {
	mu sync.Mutex
	// Installed maps tenant -> installed module names.
	Installed map[string][]string
	// Contexts maps tenant -> uid -> user context.
	Contexts map[string]map[int64]map[string]any

	// Txs records every transactional resource handed out, in order.
	Txs []*Tx

	BeginErr error
}

var _ tenant.DataLayer = (*DataLayer)(nil)

func NewDataLayer() *DataLayer {
	return &DataLayer{
		Installed: make(map[string][]string),
		Contexts:  make(map[string]map[int64]map[string]any),
	}
}

// SetUserContext registers the preference-derived context for a user.
func (d *DataLayer) SetUserContext(tenantID string, uid int64, ctxvals map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Contexts[tenantID] == nil {
		d.Contexts[tenantID] = make(map[int64]map[string]any)
	}
	d.Contexts[tenantID][uid] = ctxvals
}

func (d *DataLayer) ListInstalledModules(ctx context.Context, tenantID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mods, ok := d.Installed[tenantID]
	if !ok {
		return nil, tenant.ErrUnknownTenant
	}
	return append([]string(nil), mods...), nil
}

func (d *DataLayer) GetUserContext(ctx context.Context, tenantID string, uid int64) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctxvals, ok := d.Contexts[tenantID][uid]; ok {
		out := make(map[string]any, len(ctxvals))
		for k, v := range ctxvals {
			out[k] = v
		}
		return out, nil
	}
	return map[string]any{}, nil
}

func (d *DataLayer) Begin(ctx context.Context, tenantID string) (tenant.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	tx := &Tx{}
	d.Txs = append(d.Txs, tx)
	return tx, nil
}

// Lister is a fake tenant lister returning a fixed ordered list.
type Lister struct {
	mu      sync.Mutex
	Tenants []string
	Calls   int
}

var _ tenant.Lister = (*Lister)(nil)

func (l *Lister) List(ctx context.Context, force bool, host string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	return append([]string(nil), l.Tenants...), nil
}

// CacheSignal records invalidation traffic.
type CacheSignal struct {
	mu         sync.Mutex
	Changed    map[string]bool
	Checks     []string
	Broadcasts []string
}

var _ tenant.CacheSignal = (*CacheSignal)(nil)

func NewCacheSignal() *CacheSignal {
	return &CacheSignal{Changed: make(map[string]bool)}
}

func (s *CacheSignal) CheckInvalidation(ctx context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checks = append(s.Checks, tenantID)
	changed := s.Changed[tenantID]
	s.Changed[tenantID] = false
	return changed, nil
}

func (s *CacheSignal) BroadcastChanged(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Broadcasts = append(s.Broadcasts, tenantID)
	return nil
}
