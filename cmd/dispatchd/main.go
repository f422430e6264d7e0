// Command dispatchd runs the multi-tenant dispatch handler over
// PostgreSQL tenant databases, with memory- or Redis-backed sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/tenantweb/dispatch"
	"github.com/tenantweb/dispatch/session"
	"github.com/tenantweb/dispatch/session/memory"
	"github.com/tenantweb/dispatch/session/redisstore"
	"github.com/tenantweb/dispatch/tenant/pgtenant"
	"github.com/tenantweb/dispatch/tenant/redissignal"
)

type config struct {
	ListenAddr     string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	SessionBackend string `env:"SESSIONS_BACKEND,default=memory"` // memory | redis
	TenantFilter   string `env:"TENANT_FILTER,default=.*"`
	CookieName     string `env:"SESSION_COOKIE,default=session_id"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	pg, err := pgtenant.NewFromEnv()
	if err != nil {
		return err
	}
	defer pg.Close()

	var opts []dispatch.Option
	opts = append(opts,
		dispatch.WithLogger(log),
		dispatch.WithTenantFilter(cfg.TenantFilter),
		dispatch.WithCookieName(cfg.CookieName),
	)

	var store session.Store
	switch cfg.SessionBackend {
	case "memory":
		store = memory.New()
	case "redis":
		rs, err := redisstore.NewFromEnv()
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs

		sig, err := redissignal.NewFromEnv()
		if err != nil {
			return err
		}
		defer sig.Close()
		opts = append(opts, dispatch.WithCacheSignal(sig))
	default:
		return fmt.Errorf("unknown SESSIONS_BACKEND %q", cfg.SessionBackend)
	}

	h, err := dispatch.New(store, pg, pg, pg, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server.start", slog.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("server.shutdown")
	return srv.Shutdown(shutdownCtx)
}
