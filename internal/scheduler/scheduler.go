// Package scheduler periodically selects due pending jobs and hands the
// ones whose device is online to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetdispatch/internal/dispatch"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/store"
)

var ErrTickInProgress = errors.New("dispatch tick already in progress")

const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
)

type Store interface {
	DueJobs(ctx context.Context, now time.Time, limit int) ([]store.DueJob, error)
}

type Dispatcher interface {
	Attempt(ctx context.Context, j job.Job, flow *job.Flow) (dispatch.Outcome, error)
}

type Publisher interface {
	Publish(e history.Event) error
}

type Config struct {
	BatchSize int
	Workers   int
}

// Skip explains why a due job was not dispatched in a tick.
type Skip struct {
	JobID    int64  `json:"job_id"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason"`
}

// Summary is the outcome of one tick.
type Summary struct {
	Dispatched    int       `json:"dispatched"`
	Skipped       int       `json:"skipped"`
	WouldDispatch int       `json:"would_dispatch"`
	DryRun        bool      `json:"dry_run"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Skips         []Skip    `json:"skips,omitempty"`
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	pub        Publisher
	cfg        Config
	log        *slog.Logger

	running atomic.Bool

	mu   sync.Mutex
	last *Summary
}

func New(st Store, d Dispatcher, pub Publisher, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, dispatcher: d, pub: pub, cfg: cfg, log: log.With("component", "scheduler")}
}

type result struct {
	dispatched bool
	would      bool
	skip       *Skip
}

// Tick dispatches the jobs due at now. In a dry run nothing is mutated and
// eligible jobs are only counted. Per-job failures are counted as skips;
// only a failure to select due jobs is returned.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, dryRun bool) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.IncSchedulerSkippedRun()
		return Summary{}, ErrTickInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	sum := Summary{DryRun: dryRun, StartedAt: started.UTC()}

	due, err := s.store.DueJobs(ctx, now, s.cfg.BatchSize)
	if err != nil {
		metrics.ObserveSchedulerRun("error", time.Since(started).Seconds(), 0, 0)
		s.log.Error("select due jobs failed", "error", err)
		return sum, fmt.Errorf("select due jobs: %w", err)
	}

	results := make([]result, len(due))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, dj := range due {
		g.Go(func() error {
			results[i] = s.process(ctx, dj, now, dryRun)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.dispatched:
			sum.Dispatched++
		case r.would:
			sum.WouldDispatch++
		case r.skip != nil:
			sum.Skipped++
			sum.Skips = append(sum.Skips, *r.skip)
		}
	}
	sum.FinishedAt = time.Now().UTC()
	metrics.ObserveSchedulerRun("ok", time.Since(started).Seconds(), sum.Dispatched, sum.Skipped)

	attrs := []any{"due", len(due), "dispatched", sum.Dispatched, "skipped", sum.Skipped,
		"would_dispatch", sum.WouldDispatch, "dry_run", dryRun, "duration", sum.FinishedAt.Sub(sum.StartedAt)}
	if sum.Dispatched > 0 {
		s.log.Info("scheduled dispatch completed", attrs...)
		if s.pub != nil {
			reason := fmt.Sprintf("dispatched=%d skipped=%d", sum.Dispatched, sum.Skipped)
			if err := s.pub.Publish(history.RunEvent("scheduler", reason, sum.FinishedAt)); err != nil {
				s.log.Warn("run event not published", "error", err)
			}
		}
	} else {
		s.log.Debug("scheduled dispatch completed", attrs...)
	}

	s.mu.Lock()
	last := sum
	s.last = &last
	s.mu.Unlock()
	return sum, nil
}

// Last returns the summary of the most recent completed tick.
func (s *Scheduler) Last() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

func (s *Scheduler) process(ctx context.Context, dj store.DueJob, now time.Time, dryRun bool) result {
	j := dj.Job
	skip := func(reason string) result {
		s.log.Info("job skipped", "job_id", j.ID, "device_id", j.DeviceID, "reason", reason)
		return result{skip: &Skip{JobID: j.ID, DeviceID: j.DeviceID, Reason: reason}}
	}
	switch {
	case !j.Due(now):
		return skip("not due")
	case j.DeviceID == "":
		return skip(string(dispatch.NoDevice))
	case dj.Device == nil:
		return skip(string(dispatch.DeviceNotFound))
	case !dj.Device.SocketConnected:
		return skip(string(dispatch.DeviceOffline))
	}
	if dryRun {
		return result{would: true}
	}

	var flow *job.Flow
	if dj.Flow.Definition != nil {
		f := dj.Flow
		flow = &f
	}
	o, err := s.dispatcher.Attempt(ctx, j, flow)
	if err != nil {
		s.log.Error("dispatch failed", "job_id", j.ID, "device_id", j.DeviceID, "error", err)
		return result{skip: &Skip{JobID: j.ID, DeviceID: j.DeviceID, Reason: "error: " + err.Error()}}
	}
	if o != dispatch.Dispatched {
		return result{skip: &Skip{JobID: j.ID, DeviceID: j.DeviceID, Reason: string(o)}}
	}
	return result{dispatched: true}
}
