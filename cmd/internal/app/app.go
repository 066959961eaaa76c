// Package app wires the Huddle server runtime: config, logging, storage, HTTP routes,
// the realtime gateway and the optional Redis/NATS side systems.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/chatapi"
	"huddle/cmd/internal/events"
	"huddle/cmd/internal/jobs"
	"huddle/cmd/internal/presence"
	"huddle/cmd/internal/profile"
	"huddle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// directory is what the app needs from a profile backend.
type directory interface {
	profile.Directory
	profile.Tracker
}

// nameObserver is implemented by directories that learn names from tokens.
type nameObserver interface {
	Observe(userID, name string)
}

// App is the Huddle server runtime. It owns every long-lived dependency and closes them on shutdown.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	chats    *chat.Service
	registry *presence.Registry
	ws       *realtime.WSGateway
	api      *chatapi.Handler
	worker   *jobs.Worker
	metrics  *prometheus.Registry

	// closers run in reverse order after the registry drains.
	closers []func() error
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	st, dir, err := a.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	trackers := profile.MultiTracker{dir}
	var repairer chat.Repairer
	if cfg.RedisURL != "" {
		rt, err := profile.NewRedisTrackerFromURL(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis tracker: %w", err)
		}
		a.closers = append(a.closers, rt.Close)
		trackers = append(trackers, rt)

		q, err := jobs.NewSummaryQueue(log, cfg.RedisURL, cfg.JobsQueue)
		if err != nil {
			return nil, fmt.Errorf("summary queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		repairer = q
		log.Info("redis.enabled", "prefix", cfg.RedisPrefix, "queue", cfg.JobsQueue)
	}

	var publisher chat.Publisher
	if cfg.NATSURL != "" {
		p, err := events.NewJetStreamPublisher(ctx, log, events.Config{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
		log.Info("nats.enabled", "stream", cfg.NATSStream, "subject_prefix", cfg.NATSSubjectPrefix)
	}

	chats, err := chat.NewService(log, st, dir,
		chat.WithRepairer(repairer),
		chat.WithPublisher(publisher),
		chat.WithQueryTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}
	a.chats = chats
	a.closers = append(a.closers, func() error { chats.Close(); return nil })

	if cfg.RedisURL != "" && cfg.JobsWorkerEnabled {
		w, err := jobs.NewWorker(log, jobs.WorkerConfig{
			RedisURL:    cfg.RedisURL,
			Concurrency: cfg.JobsConcurrency,
			Queues:      cfg.JobsQueueWeights,
		}, chats)
		if err != nil {
			return nil, fmt.Errorf("jobs worker: %w", err)
		}
		a.worker = w
	}

	a.registry = presence.NewRegistry(log, trackers)
	a.registry.Start()

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	tokens, err := session.NewManager(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	var gwOpts []realtime.GatewayOption
	var apiOpts []chatapi.HandlerOption
	if obs, ok := dir.(nameObserver); ok {
		gwOpts = append(gwOpts, realtime.WithIdentityObserver(obs))
		apiOpts = append(apiOpts, chatapi.WithIdentityObserver(obs))
	}

	if cfg.MetricsEnabled {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := realtime.NewMetrics(a.metrics)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		gwOpts = append(gwOpts, realtime.WithMetrics(m))
	}

	a.ws, err = realtime.NewWSGateway(log, realtime.NewHub(log), chats, a.registry, tokens, gwOpts...)
	if err != nil {
		return nil, err
	}

	apiOpts = append(apiOpts, chatapi.WithNotifier(a.ws))
	a.api, err = chatapi.NewHandler(log, chatapi.LoadConfigFromEnv(), chats, tokens, apiOpts...)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// newStorage picks Postgres when a database URL is configured and in-memory stores otherwise.
func (a *App) newStorage(ctx context.Context) (chat.Store, directory, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return chat.NewMemoryStore(), profile.NewMemoryDirectory(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	// The app owns the pool. Store Close methods are no-ops.
	a.dbPool = pool
	a.dbEnabled = true
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if a.cfg.DBAutoMigrate {
		if err := Migrate(ctx, pool, a.cfg.DBSchema); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
	}

	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	dir, err := profile.NewPostgresDirectory(pool, profile.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return st, dir, nil
}

// Handler returns the full HTTP stack: routes wrapped in CORS, security headers and request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	var gatherer prometheus.Gatherer
	if a.metrics != nil {
		gatherer = a.metrics
	}
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api, gatherer)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and the jobs worker, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	// Hijacked WebSocket connections outlive Shutdown; cancelling the base context ends them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"worker_enabled", a.worker != nil,
		"metrics_enabled", a.metrics != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		cancelBase()
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		return err
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close drains the presence registry and releases owned resources. It is safe to call once after Run.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("presence registry: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
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
