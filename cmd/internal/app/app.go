// Package app wires the huddle runtime: config, logging, HTTP routes, the realtime
// gateway, and the terminal chat client.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"huddle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the huddle server runtime: it owns HTTP server wiring and realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws       *realtime.WSGateway
	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := []realtime.GatewayOption{}

	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := realtime.NewMetrics(reg)
		if err != nil {
			_ = st.closer.Close(ctx)
			return nil, err
		}
		opts = append(opts, realtime.WithMetrics(m))
	}

	if cfg.TokenVerificationEnabled() {
		v, err := realtime.NewTokenVerifier(realtime.TokenConfig{
			Issuer:               cfg.TokenIssuer,
			PasetoV4PublicKeyHex: cfg.TokenPasetoPublicHex,
			JWTSecret:            []byte(cfg.TokenJWTSecret),
			ClockSkew:            cfg.TokenClockSkew,
		})
		if err != nil {
			_ = st.closer.Close(ctx)
			return nil, err
		}
		opts = append(opts, realtime.WithTokenVerifier(v))
		log.Info("ws.tokens.enabled", "paseto", cfg.TokenPasetoPublicHex != "", "jwt", cfg.TokenJWTSecret != "")
	}

	ws := realtime.NewWSGateway(log, realtime.NewHub(log), st.messages, st.presence, opts...)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st.closer,
		dbPool:    st.pool,
		dbEnabled: st.pool != nil,
		ws:        ws,
		registry:  reg,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routeDeps{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		ws:        a.ws,
		registry:  a.registry,
	})
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"metrics", a.registry != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.store.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type stores struct {
	closer   Store
	pool     *pgxpool.Pool
	messages realtime.MessageStore
	presence realtime.PresenceStore
}

// newStores decides between Postgres-backed persistence and the in-memory dev store.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := realtime.NewInMemoryStore()
		return stores{closer: nopStore{}, messages: mem, presence: mem}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	pg, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	if cfg.DBAutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return stores{}, err
		}
		log.Info("db.migrate.ok", "schema", cfg.DBSchema)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return stores{closer: dbStore{pool: pool, pg: pg}, pool: pool, messages: pg, presence: pg}, nil
}

type dbStore struct {
	pool *pgxpool.Pool
	pg   *realtime.PostgresStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.pg != nil {
		_ = s.pg.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
