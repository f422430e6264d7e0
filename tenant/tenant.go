// Package tenant declares the external collaborators of the dispatch core:
// the identity authority, the per-tenant data layer with its transactional
// resource, the live tenant list, and the cross-process cache signal. The
// dispatch pipeline only ever touches these interfaces; concrete backends
// live in subpackages.
package tenant

import (
	"context"
	"errors"
)

// SuperuserID is the privileged identity used by admin-auth endpoints.
const SuperuserID int64 = 1

// ErrUnknownTenant is returned by data-layer operations against a tenant
// that does not exist (anymore).
var ErrUnknownTenant = errors.New("unknown tenant")

// ClientEnv carries request-derived connection facts handed to the identity
// authority on interactive authentication.
type ClientEnv struct {
	// BaseLocation is the externally visible scheme://host root, no
	// trailing slash.
	BaseLocation string
	Host         string
	RemoteAddr   string
}

// Identity is the external identity authority.
type Identity interface {
	// Authenticate checks interactive credentials for a tenant and returns
	// the user id. A rejection surfaces as *fault.AuthenticationError.
	Authenticate(ctx context.Context, tenant, login, password string, env ClientEnv) (int64, error)

	// CheckCredential verifies that a stored credential is still valid for
	// the given tenant/user pair (password changed, account disabled, ...).
	CheckCredential(ctx context.Context, tenant string, uid int64, password string) error
}

// Tx is the request-scoped transactional resource. It is exclusively owned
// by one request context, never shared, and released exactly once.
type Tx interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close releases the underlying resource. Closing an already committed
	// or rolled back Tx is a no-op.
	Close(ctx context.Context) error
}

// DataLayer is the per-tenant data access engine.
type DataLayer interface {
	// ListInstalledModules returns the names of extension modules marked
	// installed in the tenant database.
	ListInstalledModules(ctx context.Context, tenant string) ([]string, error)

	// GetUserContext returns the user's preference-derived context mapping
	// (locale, timezone, extra key/values).
	GetUserContext(ctx context.Context, tenant string, uid int64) (map[string]any, error)

	// Begin opens the transactional resource for one request.
	Begin(ctx context.Context, tenant string) (Tx, error)
}

// Lister provides the ordered list of live tenants. The dispatch layer
// applies the deployment's host-matching filter on top of it.
type Lister interface {
	List(ctx context.Context, force bool, host string) ([]string, error)
}

// CacheSignal propagates out-of-process cache invalidation between nodes.
type CacheSignal interface {
	// CheckInvalidation reports whether another process signalled a change
	// for the tenant since the last check on this node.
	CheckInvalidation(ctx context.Context, tenant string) (bool, error)

	// BroadcastChanged signals other processes that tenant-scoped caches
	// may be stale.
	BroadcastChanged(ctx context.Context, tenant string) error
}
