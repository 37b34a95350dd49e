// Package reconciler folds presence facts into durable device records and
// demotes devices that stopped reporting.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/presence"
	"github.com/loykin/fleetdispatch/internal/store"
)

var ErrRunInProgress = errors.New("presence reconciliation already in progress")

const (
	DefaultOfflineTimeout = 5 * time.Minute
	DefaultWorkers        = 4
)

type Store interface {
	MarkOnline(ctx context.Context, id string, seenAt time.Time) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]device.Device, error)
	MarkOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

type Publisher interface {
	Publish(e history.Event) error
}

// Report is the outcome of one Run.
type Report struct {
	Synced     int       `json:"synced"`
	Stale      int       `json:"stale"`
	Demoted    []string  `json:"demoted"`
	Failed     int       `json:"failed"`
	Timeout    string    `json:"timeout"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Reconciler struct {
	presence presence.Store
	store    Store
	pub      Publisher
	workers  int
	log      *slog.Logger
	now      func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	last *Report
}

func New(ps presence.Store, st Store, pub Publisher, workers int, log *slog.Logger) *Reconciler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		presence: ps,
		store:    st,
		pub:      pub,
		workers:  workers,
		log:      log.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncToDatabase marks every device with a live presence fact online and
// advances its last activity. It never demotes. It returns the number of
// known devices found online.
func (r *Reconciler) SyncToDatabase(ctx context.Context) (int, error) {
	facts, err := r.presence.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("read presence facts: %w", err)
	}
	metrics.SetPresenceOnline(len(facts))

	var synced atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, f := range facts {
		g.Go(func() error {
			flipped, err := r.store.MarkOnline(ctx, f.DeviceID, f.SeenAt)
			switch {
			case errors.Is(err, store.ErrNotFound):
				r.log.Debug("presence fact for unknown device", "device_id", f.DeviceID)
				return nil
			case err != nil:
				r.log.Warn("sync device failed", "device_id", f.DeviceID, "error", err)
				return nil
			}
			synced.Add(1)
			if flipped {
				r.publish(history.DeviceEvent(f.DeviceID, device.StateOffline, device.StateOnline, "presence sync", r.now()))
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(synced.Load())
	metrics.AddSynced(n)
	return n, nil
}

// DetectStale demotes connected devices with no activity within timeout and
// publishes one offline event per demotion. Per-device failures are logged
// and skipped. It returns the demoted devices.
func (r *Reconciler) DetectStale(ctx context.Context, timeout time.Duration) ([]device.Device, error) {
	demoted, _, _, err := r.detect(ctx, timeout)
	return demoted, err
}

func (r *Reconciler) detect(ctx context.Context, timeout time.Duration) (demoted []device.Device, stale, failed int, err error) {
	if timeout <= 0 {
		timeout = DefaultOfflineTimeout
	}
	cutoff := r.now().Add(-timeout)
	candidates, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list stale devices: %w", err)
	}

	type outcome struct {
		demoted bool
		failed  bool
	}
	results := make([]outcome, len(candidates))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, d := range candidates {
		g.Go(func() error {
			ok, err := r.store.MarkOffline(ctx, d.ID, cutoff)
			if err != nil {
				r.log.Error("demote device failed", "device_id", d.ID, "error", err)
				results[i].failed = true
				return nil
			}
			if !ok {
				r.log.Debug("device active again before demotion", "device_id", d.ID)
				return nil
			}
			results[i].demoted = true
			metrics.IncDemotion()
			r.log.Info("device marked offline", "device_id", d.ID, "last_active_at", d.LastActiveAt)
			r.publish(history.DeviceEvent(d.ID, device.StateOnline, device.StateOffline,
				fmt.Sprintf("no activity for %s", timeout), r.now()))
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range candidates {
		if results[i].failed {
			failed++
		}
		if results[i].demoted {
			d.SocketConnected = false
			demoted = append(demoted, d)
		}
	}
	return demoted, len(candidates), failed, nil
}

// Run syncs presence facts and then demotes stale devices. Overlapping
// calls return ErrRunInProgress.
func (r *Reconciler) Run(ctx context.Context, timeout time.Duration) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.IncReconcileRun("skipped")
		return Report{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	if timeout <= 0 {
		timeout = DefaultOfflineTimeout
	}
	rep := Report{Timeout: timeout.String(), StartedAt: r.now(), Demoted: []string{}}

	synced, err := r.SyncToDatabase(ctx)
	if err != nil {
		metrics.IncReconcileRun("error")
		r.log.Error("presence sync failed", "error", err)
		return rep, err
	}
	rep.Synced = synced

	demoted, stale, failed, err := r.detect(ctx, timeout)
	if err != nil {
		metrics.IncReconcileRun("error")
		r.log.Error("stale detection failed", "error", err)
		return rep, err
	}
	for _, d := range demoted {
		rep.Demoted = append(rep.Demoted, d.ID)
	}
	rep.Stale = stale
	rep.Failed = failed
	rep.FinishedAt = r.now()
	metrics.IncReconcileRun("ok")

	attrs := []any{"synced", rep.Synced, "stale", rep.Stale, "demoted", len(rep.Demoted), "failed", rep.Failed, "timeout", rep.Timeout}
	if len(rep.Demoted) > 0 || rep.Failed > 0 {
		r.log.Info("presence reconciliation completed", attrs...)
	} else {
		r.log.Debug("presence reconciliation completed", attrs...)
	}

	r.mu.Lock()
	last := rep
	r.last = &last
	r.mu.Unlock()
	return rep, nil
}

// Last returns the report of the most recent completed Run.
func (r *Reconciler) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

func (r *Reconciler) publish(e history.Event) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(e); err != nil {
		r.log.Warn("status event not published", "device_id", e.DeviceID, "to", e.To, "error", err)
	}
}
