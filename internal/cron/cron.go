// Package cron triggers the periodic reconciler and dispatch runs inside
// the daemon. Runs of the same job never overlap: a tick that fires while
// the previous run is still going is skipped.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task. Schedule accepts standard 5-field cron
// expressions and descriptors such as "@every 1m".
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run; zero means no limit beyond scheduler shutdown.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s: nil run func", j.Name)
	}
	if _, err := ParseSchedule(j.Schedule); err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	return nil
}

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	started bool
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "cron")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers j. Names must be unique within the scheduler.
func (s *Scheduler) Add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[j.Name]; ok {
		return fmt.Errorf("cron job %q already exists", j.Name)
	}
	id, err := s.c.AddFunc(strings.TrimSpace(j.Schedule), func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	s.entries[j.Name] = id
	s.log.Info("cron job registered", "name", j.Name, "schedule", j.Schedule)
	return nil
}

func (s *Scheduler) run(j Job) {
	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.log.Error("cron job failed", "name", j.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.log.Debug("cron job finished", "name", j.Name, "duration", time.Since(start))
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next activation of the named job. It reports false for
// unknown jobs and before Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	return e.Next, e.Valid() && !e.Next.IsZero()
}

// cronLogger adapts slog to the robfig/cron logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kv, "error", err)...)
}
