// Package app wires the huddle server runtime: config, logging, HTTP routes, and the chat plane.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/identity"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
)

// Closer is a small app-level lifecycle abstraction.
// It exists to allow store-backed resources to be closed gracefully.
type Closer interface {
	Close(ctx context.Context) error
}

// nopCloser is used for in-memory store mode.
type nopCloser struct{}

func (nopCloser) Close(_ context.Context) error { return nil }

type poolCloser struct {
	pool *pgxpool.Pool
}

func (c poolCloser) Close(_ context.Context) error {
	c.pool.Close()
	return nil
}

type clientCloser struct {
	client *mongo.Client
}

func (c clientCloser) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// App is the huddle server runtime: it owns HTTP server wiring and the chat
// coordination dependencies.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	storeName string
	closer    Closer
	ready     func(context.Context) error

	metrics *chat.Metrics
	bcast   *chat.Broadcaster
	ws      *chat.WSGateway
	api     *chat.APIHandler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	store, closer, ready, storeName, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		_ = closer.Close(context.Background())
		return nil, err
	}

	metrics := chat.NewMetrics()
	bcast := chat.NewBroadcaster(log, store, chat.NewRegistry(log), metrics, chat.BroadcasterConfig{
		TypingIdle:         cfg.TypingIdleTimeout,
		PresenceWindow:     cfg.PresenceDedupWindow,
		SystemWindow:       cfg.SystemDedupWindow,
		AutocreateMeetings: cfg.MeetingAutocreate,
	})

	apiHandler, err := chat.NewAPIHandler(log, bcast, verifier)
	if err != nil {
		_ = closer.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		storeName: storeName,
		closer:    closer,
		ready:     ready,
		metrics:   metrics,
		bcast:     bcast,
		ws:        chat.NewWSGateway(log, bcast, verifier),
		api:       apiHandler,
	}, nil
}

// newVerifier selects the token verifier mandated by the security policy.
func newVerifier(cfg Config, log Logger) (identity.Verifier, error) {
	if cfg.IdentityInsecure {
		log.Warn("identity.insecure_mode")
		return identity.InsecureVerifier{}, nil
	}

	key, err := identity.KeyFromEnv()
	if err != nil {
		return nil, err
	}
	v, err := identity.NewHMACVerifier(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.ready, a.metrics.Handler(), a.ws, a.api)

	handler := WithRequestLogging(WithCORS(WithSecurityHeaders(mux), a.cfg, a.log), a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws", wsBaseURL(base)+"/ws",
		"store", a.storeName,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Stop expiry timers before the store goes away.
	a.bcast.Shutdown()

	if err := a.closer.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// newStore selects the persistence backend from config. The returned ready
// func is nil for backends without a meaningful health probe.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, Closer, func(context.Context) error, string, error) {
	switch cfg.Backend() {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, "", errors.New("store: postgres backend requires HUDDLE_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, "", err
		}

		var opts []chat.PostgresOption
		if cfg.PGSchema != "" {
			opts = append(opts, chat.WithSchema(cfg.PGSchema))
		}
		store, err := chat.NewPostgresStore(pool, opts...)
		if err != nil {
			pool.Close()
			return nil, nil, nil, "", err
		}

		log.Info("store.postgres")
		ready := func(rctx context.Context) error { return PingDB(rctx, pool, 2*time.Second) }
		return store, poolCloser{pool: pool}, ready, "postgres", nil

	case BackendMongo:
		if cfg.MongoURL == "" {
			return nil, nil, nil, "", errors.New("store: mongo backend requires HUDDLE_MONGO_URL")
		}
		client, err := NewMongoClient(ctx, cfg)
		if err != nil {
			return nil, nil, nil, "", err
		}

		store, err := chat.NewMongoStore(client, cfg.MongoDatabase)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, "", err
		}

		idxCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.EnsureIndexes(idxCtx)
		cancel()
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, "", err
		}

		log.Info("store.mongo", "database", cfg.MongoDatabase)
		ready := func(rctx context.Context) error { return PingMongo(rctx, client, 2*time.Second) }
		return store, clientCloser{client: client}, ready, "mongo", nil

	default:
		log.Info("store.inmemory")
		return chat.NewInMemoryStore(), nopCloser{}, nil, "memory", nil
	}
}

// runtimeBaseURL renders a human-usable URL for the configured bind address.
// Wildcard binds are rewritten to loopback so the logged URL is clickable.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
