// Package app wires the fleet services together from a configuration and
// runs them as one daemon.
package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetdispatch/internal/auth"
	"github.com/loykin/fleetdispatch/internal/config"
	"github.com/loykin/fleetdispatch/internal/cron"
	"github.com/loykin/fleetdispatch/internal/dispatch"
	historyfactory "github.com/loykin/fleetdispatch/internal/history/factory"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/notify"
	"github.com/loykin/fleetdispatch/internal/presence"
	"github.com/loykin/fleetdispatch/internal/reconciler"
	"github.com/loykin/fleetdispatch/internal/scheduler"
	"github.com/loykin/fleetdispatch/internal/server"
	"github.com/loykin/fleetdispatch/internal/store"
	storefactory "github.com/loykin/fleetdispatch/internal/store/factory"
	fdtls "github.com/loykin/fleetdispatch/internal/tls"
	"github.com/loykin/fleetdispatch/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	TaskReconcile = "reconciler"
	TaskDispatch  = "scheduler"

	shutdownTimeout = 10 * time.Second
)

// App owns every long-lived component of the daemon.
type App struct {
	cfg atomic.Pointer[config.Config]
	log *slog.Logger

	Store      store.Store
	Presence   presence.Store
	Notifier   *notify.Notifier
	Ingestor   *presence.Ingestor
	Jobs       *job.Service
	Hub        *transport.Hub
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Reconciler *reconciler.Reconciler
	Auth       *auth.Service
	Router     *server.Router

	cron    *cron.Scheduler
	tls     *tls.Config
	redis   redis.UniversalClient
	closers []io.Closer

	closeOnce sync.Once
}

// New builds the component graph for cfg and ensures the schema exists.
// Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	a = &App{log: log}
	a.cfg.Store(&cfg)
	if a.tls, err = fdtls.Setup(cfg.Server.TLS); err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	built := a
	defer func() {
		if err != nil {
			built.closeResources()
		}
	}()

	if a.Store, err = storefactory.NewFromDSN(cfg.Store.DSN); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if p, ok := a.Store.(interface{ SQL() *sql.DB }); ok && cfg.Store.MaxOpenConns > 0 && !isMemory(cfg.Store.DSN) {
		p.SQL().SetMaxOpenConns(cfg.Store.MaxOpenConns)
	}
	if err = a.Store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	if a.Presence, err = a.newPresence(ctx, cfg.Presence); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.Notifier = notify.New(cfg.Notifier.QueueSize, log)
	a.Ingestor = presence.NewIngestor(a.Presence, a.Store, a.Notifier, log)
	a.Jobs = job.NewService(a.Store, a.Notifier, log)
	a.Hub = transport.NewHub(deviceActivity{presence: a.Ingestor, jobs: a.Jobs}, log)
	a.Notifier.AddSink("observers", a.Hub.ObserverSink())
	for _, dsn := range cfg.Notifier.History {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
		a.Notifier.AddSink(sinkName(dsn), sink)
	}

	a.Dispatcher = dispatch.New(a.Store, a.Hub, a.Notifier, log)
	a.Scheduler = scheduler.New(a.Store, a.Dispatcher, a.Notifier,
		scheduler.Config{BatchSize: cfg.Scheduler.BatchSize, Workers: cfg.Scheduler.Workers}, log)
	a.Reconciler = reconciler.New(a.Presence, a.Store, a.Notifier, cfg.Reconciler.Workers, log)

	if cfg.Auth.Enabled {
		a.Auth, err = auth.NewService(a.Store, auth.Config{
			JWTSecret:   cfg.Auth.JWTSecret,
			OperatorKey: cfg.Auth.OperatorKey,
			TokenTTL:    cfg.Auth.TokenTTL,
			BcryptCost:  cfg.Auth.BcryptCost,
		})
		if err != nil {
			return nil, err
		}
	}

	a.Router = server.NewRouter(server.Deps{
		Store:           a.Store,
		Jobs:            a.Jobs,
		Presence:        a.Ingestor,
		Hub:             a.Hub,
		Tasks:           a,
		Auth:            a.Auth,
		AuthEnabled:     cfg.Auth.Enabled,
		DefaultPriority: cfg.Jobs.DefaultPriority,
		Metrics:         cfg.Metrics.Enabled && cfg.Metrics.Listen == "",
		Log:             log,
	}, cfg.Server.BasePath)

	a.cron = cron.NewScheduler(log)
	if cfg.Reconciler.Enabled {
		err = a.cron.Add(cron.Job{
			Name:     TaskReconcile,
			Schedule: cfg.Reconciler.Schedule,
			Timeout:  runTimeout(cfg.Reconciler.Schedule, time.Now()),
			Run:      a.reconcileJob,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Scheduler.Enabled {
		err = a.cron.Add(cron.Job{
			Name:     TaskDispatch,
			Schedule: cfg.Scheduler.Schedule,
			Timeout:  runTimeout(cfg.Scheduler.Schedule, time.Now()),
			Run:      a.dispatchJob,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) newPresence(ctx context.Context, pc config.PresenceConfig) (presence.Store, error) {
	switch pc.Backend {
	case config.PresenceRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     pc.Redis.Addr,
			Password: pc.Redis.Password,
			DB:       pc.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("presence redis %s: %w", pc.Redis.Addr, err)
		}
		return presence.NewRedis(a.redis, pc.KeyPrefix, pc.TTL), nil
	default:
		return presence.NewMemory(pc.TTL), nil
	}
}

// Config returns the active configuration.
func (a *App) Config() config.Config { return *a.cfg.Load() }

// Reload applies the settings that can change without a restart: offline
// timeout and dry-run mode. Other changes need a restart and are logged.
func (a *App) Reload(c *config.Config) {
	if err := c.Validate(); err != nil {
		a.log.Error("config reload rejected", "error", err)
		return
	}
	old := a.cfg.Load()
	if old.Store.DSN != c.Store.DSN || old.Server.Listen != c.Server.Listen || old.Presence.Backend != c.Presence.Backend {
		a.log.Warn("config reload: listener, store and presence changes apply after restart")
	}
	a.cfg.Store(c)
	a.log.Info("config reloaded",
		"offline_timeout", c.Reconciler.OfflineTimeout, "dry_run", c.Scheduler.DryRun)
}

// Reconcile runs one reconciliation. A zero timeout uses the configured one.
func (a *App) Reconcile(ctx context.Context, timeout time.Duration) (reconciler.Report, error) {
	if timeout <= 0 {
		timeout = a.cfg.Load().Reconciler.OfflineTimeout
	}
	return a.Reconciler.Run(ctx, timeout)
}

// Dispatch runs one scheduler tick. A nil dryRun uses the configured mode.
func (a *App) Dispatch(ctx context.Context, dryRun *bool) (scheduler.Summary, error) {
	dry := a.cfg.Load().Scheduler.DryRun
	if dryRun != nil {
		dry = *dryRun
	}
	return a.Scheduler.Tick(ctx, time.Now().UTC(), dry)
}

func (a *App) LastReconcile() (reconciler.Report, bool) { return a.Reconciler.Last() }
func (a *App) LastDispatch() (scheduler.Summary, bool)  { return a.Scheduler.Last() }

// OfflineTimeout returns the configured staleness threshold.
func (a *App) OfflineTimeout() time.Duration { return a.cfg.Load().Reconciler.OfflineTimeout }

// NextRuns returns the next activation of each periodic task. It is empty
// until Run starts the scheduler.
func (a *App) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time, 2)
	for _, name := range []string{TaskReconcile, TaskDispatch} {
		if next, ok := a.cron.Next(name); ok {
			out[name] = next.UTC()
		}
	}
	return out
}

func (a *App) reconcileJob(ctx context.Context) error {
	_, err := a.Reconcile(ctx, 0)
	if errors.Is(err, reconciler.ErrRunInProgress) {
		return nil
	}
	return err
}

func (a *App) dispatchJob(ctx context.Context) error {
	_, err := a.Dispatch(ctx, nil)
	if errors.Is(err, scheduler.ErrTickInProgress) {
		return nil
	}
	return err
}

// Handler is the API handler, for embedding into another server.
func (a *App) Handler() http.Handler { return a.Router.Handler() }

// Run starts background delivery, the periodic tasks and the HTTP listeners,
// and blocks until ctx ends or a listener fails. It closes the app on return.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	a.Notifier.Start()
	if err := a.cron.Start(); err != nil {
		return err
	}

	srv := server.NewServer(cfg.Server.Listen, a.Router, a.tls)
	servers := []*http.Server{srv}
	errc := make(chan error, 2)
	go func() {
		a.log.Info("api listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", a.tls != nil)
		var err error
		if a.tls != nil {
			// certificates come from TLSConfig.GetCertificate
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, ms)
		go func() {
			a.log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			errc <- ms.ListenAndServe()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			a.log.Warn("http shutdown", "addr", s.Addr, "error", err)
		}
	}
	if err := a.Close(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close stops the periodic tasks, drops live connections, drains queued
// events and releases the stores. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.cron != nil {
			if e := a.cron.Stop(ctx); e != nil {
				err = errors.Join(err, e)
			}
		}
		if a.Hub != nil {
			a.Hub.Close()
		}
		if a.Notifier != nil {
			if e := a.Notifier.Close(ctx); e != nil {
				err = errors.Join(err, fmt.Errorf("drain notifier: %w", e))
			}
		}
		a.closeResources()
		a.log.Info("fleetdispatch stopped")
	})
	return err
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// deviceActivity feeds websocket traffic into presence and job status.
type deviceActivity struct {
	presence *presence.Ingestor
	jobs     *job.Service
}

func (d deviceActivity) Seen(ctx context.Context, deviceID string) error {
	return d.presence.Seen(ctx, deviceID)
}

func (d deviceActivity) Report(ctx context.Context, deviceID string, r transport.StatusReport) error {
	_, err := d.jobs.Report(ctx, deviceID, r.JobID, r.Status, r.Error)
	return err
}
