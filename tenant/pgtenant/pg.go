// Package pgtenant implements the tenant collaborator interfaces on
// PostgreSQL: one database per tenant, pgx connection pools cached per
// tenant, and pg_database enumeration as the live tenant list.
package pgtenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joeshaw/envdecode"
	"golang.org/x/crypto/bcrypt"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/tenant"
)

// Config for the PostgreSQL tenant service. Defaults can be loaded via
// envdecode.
type Config struct {
	// DSN is the base connection string; the database name is replaced
	// per tenant. ENV: DATABASE_URL
	DSN string `env:"DATABASE_URL,default=postgres://localhost:5432/postgres"`
	// ListCacheTTL bounds how long a non-forced tenant list may be served
	// from cache. ENV: TENANT_LIST_CACHE_TTL
	ListCacheTTL time.Duration `env:"TENANT_LIST_CACHE_TTL,default=30s"`
}

// Service implements tenant.Identity, tenant.DataLayer, and tenant.Lister
// against per-tenant PostgreSQL databases.
type Service struct {
	dsn          string
	listCacheTTL time.Duration

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool

	listMu     sync.Mutex
	listCache  []string
	listCached time.Time
}

var (
	_ tenant.Identity  = (*Service)(nil)
	_ tenant.DataLayer = (*Service)(nil)
	_ tenant.Lister    = (*Service)(nil)
)

func New(cfg Config) (*Service, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgtenant: DSN is required")
	}
	if _, err := pgxpool.ParseConfig(cfg.DSN); err != nil {
		return nil, fmt.Errorf("pgtenant: invalid DSN: %w", err)
	}
	ttl := cfg.ListCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{dsn: cfg.DSN, listCacheTTL: ttl, pools: make(map[string]*pgxpool.Pool)}, nil
}

// NewFromEnv builds a Service using envdecode to populate Config.
func NewFromEnv() (*Service, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close releases every cached pool.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.pools {
		pool.Close()
	}
	s.pools = make(map[string]*pgxpool.Pool)
}

// pool returns the connection pool for a tenant database, creating and
// caching it on first use.
func (s *Service) pool(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool, ok := s.pools[tenantID]; ok {
		return pool, nil
	}
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("pgtenant: parse DSN: %w", err)
	}
	cfg.ConnConfig.Database = tenantID
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgtenant: pool for %q: %w", tenantID, err)
	}
	s.pools[tenantID] = pool
	return pool, nil
}

// --- tenant.Identity ---

func (s *Service) Authenticate(ctx context.Context, tenantID, login, password string, env tenant.ClientEnv) (int64, error) {
	pool, err := s.pool(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	var (
		uid  int64
		hash string
	)
	err = pool.QueryRow(ctx,
		`SELECT id, password FROM users WHERE login = $1 AND active`, login,
	).Scan(&uid, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &fault.AuthenticationError{Message: "authentication failure"}
	}
	if err != nil {
		return 0, fmt.Errorf("pgtenant: authenticate %q: %w", login, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return 0, &fault.AuthenticationError{Message: "authentication failure"}
	}
	return uid, nil
}

func (s *Service) CheckCredential(ctx context.Context, tenantID string, uid int64, password string) error {
	pool, err := s.pool(ctx, tenantID)
	if err != nil {
		return err
	}
	var hash string
	err = pool.QueryRow(ctx,
		`SELECT password FROM users WHERE id = $1 AND active`, uid,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return &fault.AuthenticationError{Message: "credential rejected"}
	}
	if err != nil {
		return fmt.Errorf("pgtenant: check credential for uid %d: %w", uid, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return &fault.AuthenticationError{Message: "credential rejected"}
	}
	return nil
}

// --- tenant.DataLayer ---

func (s *Service) ListInstalledModules(ctx context.Context, tenantID string) ([]string, error) {
	pool, err := s.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT name FROM modules WHERE state = 'installed' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("pgtenant: list modules for %q: %w", tenantID, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Service) GetUserContext(ctx context.Context, tenantID string, uid int64) (map[string]any, error) {
	pool, err := s.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var lang, tz *string
	err = pool.QueryRow(ctx,
		`SELECT lang, tz FROM users WHERE id = $1`, uid,
	).Scan(&lang, &tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgtenant: user context for uid %d: %w", uid, err)
	}
	ctxvals := map[string]any{}
	if lang != nil {
		ctxvals["lang"] = *lang
	}
	if tz != nil {
		ctxvals["tz"] = *tz
	}
	return ctxvals, nil
}

func (s *Service) Begin(ctx context.Context, tenantID string) (tenant.Tx, error) {
	pool, err := s.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgtenant: begin for %q: %w", tenantID, err)
	}
	return &pgTx{tx: tx}, nil
}

// pgTx adapts pgx.Tx to the tenant.Tx contract: settle at most once,
// rollback-by-default on Close.
type pgTx struct {
	tx      pgx.Tx
	settled bool
}

func (t *pgTx) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.settled {
		return nil
	}
	t.settled = true
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.settled {
		return nil
	}
	t.settled = true
	return t.tx.Rollback(ctx)
}

func (t *pgTx) Close(ctx context.Context) error {
	if t.settled {
		return nil
	}
	t.settled = true
	return t.tx.Rollback(ctx)
}

// --- tenant.Lister ---

// List enumerates tenant databases. A non-forced call may serve a recent
// cached list; force bypasses the cache.
func (s *Service) List(ctx context.Context, force bool, host string) ([]string, error) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	if !force && time.Since(s.listCached) < s.listCacheTTL && s.listCache != nil {
		return append([]string(nil), s.listCache...), nil
	}

	pool, err := s.pool(ctx, "postgres")
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT datname FROM pg_database
		 WHERE NOT datistemplate AND datallowconn AND datname NOT IN ('postgres')
		 ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("pgtenant: list databases: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.listCache = append([]string(nil), names...)
	s.listCached = time.Now()
	return names, nil
}
