package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/metrics"
)

var (
	ErrNotOwner = errors.New("job is assigned to another device")
	ErrConflict = errors.New("job status changed concurrently")
)

// Store is the slice of durable storage the service needs.
type Store interface {
	GetFlow(ctx context.Context, id int64) (Flow, error)
	CreateJob(ctx context.Context, n NewJob) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	TransitionJob(ctx context.Context, id int64, from, to Status, at time.Time, errMsg string) (bool, error)
}

// Publisher accepts status change events without blocking.
type Publisher interface {
	Publish(e history.Event) error
}

// Service applies user and device driven job lifecycle changes.
type Service struct {
	store Store
	pub   Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewService(st Store, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: st,
		pub:   pub,
		log:   log.With("component", "jobs"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create validates n, checks that its flow exists and stores a pending job.
func (s *Service) Create(ctx context.Context, n NewJob) (Job, error) {
	if err := n.Validate(); err != nil {
		return Job{}, err
	}
	if _, err := s.store.GetFlow(ctx, n.FlowID); err != nil {
		return Job{}, fmt.Errorf("flow %d: %w", n.FlowID, err)
	}
	j, err := s.store.CreateJob(ctx, n)
	if err != nil {
		return Job{}, err
	}
	s.log.Info("job created", "job_id", j.ID, "device_id", j.DeviceID, "priority", j.Priority)
	return j, nil
}

// Report applies an execution result sent by deviceID for job id.
// Only running, completed and failed can be reported.
func (s *Service) Report(ctx context.Context, deviceID string, id int64, to Status, errMsg string) (Job, error) {
	switch to {
	case StatusRunning, StatusCompleted, StatusFailed:
	default:
		return Job{}, fmt.Errorf("%w: devices cannot report %q", ErrIllegalTransition, to)
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if j.DeviceID != deviceID {
		return Job{}, ErrNotOwner
	}
	if err := CheckTransition(j.Status, to); err != nil {
		return Job{}, err
	}
	return s.apply(ctx, j, to, errMsg, "reported by device")
}

// Cancel stops a job that has not started running.
func (s *Service) Cancel(ctx context.Context, id int64) (Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if j.Status.Terminal() {
		return Job{}, fmt.Errorf("%w: job %d already %s", ErrIllegalTransition, j.ID, j.Status)
	}
	if err := CheckTransition(j.Status, StatusCancelled); err != nil {
		return Job{}, err
	}
	return s.apply(ctx, j, StatusCancelled, "", "cancelled")
}

func (s *Service) apply(ctx context.Context, j Job, to Status, errMsg, reason string) (Job, error) {
	now := s.now()
	ok, err := s.store.TransitionJob(ctx, j.ID, j.Status, to, now, errMsg)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: job %d is no longer %s", ErrConflict, j.ID, j.Status)
	}
	from := j.Status
	metrics.ObserveJobTransition(string(from), string(to))
	s.log.Info("job status changed", "job_id", j.ID, "device_id", j.DeviceID, "from", from, "to", to)

	if s.pub != nil {
		if err := s.pub.Publish(history.JobEvent(j.ID, j.DeviceID, string(from), string(to), reason, now)); err != nil {
			s.log.Warn("job event not published", "job_id", j.ID, "error", err)
		}
	}
	return s.store.GetJob(ctx, j.ID)
}
