// Package fleetdispatch embeds the device presence and job dispatch daemon
// into another Go program.
package fleetdispatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/fleetdispatch/internal/app"
	cfg "github.com/loykin/fleetdispatch/internal/config"
	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/reconciler"
	"github.com/loykin/fleetdispatch/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Device = device.Device

type Flow = job.Flow

type Job = job.Job

type NewJob = job.NewJob

type Event = history.Event

type ReconcileReport = reconciler.Report

type DispatchSummary = scheduler.Summary

// Daemon is a thin facade over the wired services.
type Daemon struct{ inner *app.App }

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// New builds a daemon from c. Call Run to serve it, or mount Handler into
// an existing server and call Start and Close yourself.
func New(ctx context.Context, c Config, log *slog.Logger) (*Daemon, error) {
	a, err := app.New(ctx, c, log)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: a}, nil
}

func (d *Daemon) Handler() http.Handler           { return d.inner.Handler() }
func (d *Daemon) Run(ctx context.Context) error   { return d.inner.Run(ctx) }
func (d *Daemon) Close(ctx context.Context) error { return d.inner.Close(ctx) }
func (d *Daemon) Reload(c *Config)                { d.inner.Reload(c) }

// Start begins event delivery without the built-in listeners, for use with Handler.
func (d *Daemon) Start() { d.inner.Notifier.Start() }

func (d *Daemon) RegisterDevice(ctx context.Context, dev Device) error {
	return d.inner.Store.UpsertDevice(ctx, dev)
}

func (d *Daemon) CreateFlow(ctx context.Context, f Flow) (Flow, error) {
	return d.inner.Store.CreateFlow(ctx, f)
}

func (d *Daemon) CreateJob(ctx context.Context, n NewJob) (Job, error) {
	return d.inner.Jobs.Create(ctx, n)
}

func (d *Daemon) Reconcile(ctx context.Context, timeout time.Duration) (ReconcileReport, error) {
	return d.inner.Reconcile(ctx, timeout)
}

func (d *Daemon) Dispatch(ctx context.Context, dryRun bool) (DispatchSummary, error) {
	return d.inner.Dispatch(ctx, &dryRun)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
