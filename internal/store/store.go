package store

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/job"
)

var ErrNotFound = errors.New("not found")

// DueJob is a pending job selected for dispatch together with its target
// device and flow. Device is nil when the job names a device that has no row.
type DueJob struct {
	Job    job.Job
	Device *device.Device
	Flow   job.Flow
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status   job.Status
	DeviceID string
	Limit    int
}

type DeviceStore interface {
	// UpsertDevice registers a device or updates its descriptive fields.
	// Presence fields are left untouched on update; an empty SecretHash keeps the stored one.
	UpsertDevice(ctx context.Context, d device.Device) error
	GetDevice(ctx context.Context, id string) (device.Device, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	// MarkOnline sets socket_connected and advances last_active_at to seenAt,
	// never moving it backwards. It reports whether the device was offline before.
	MarkOnline(ctx context.Context, id string, seenAt time.Time) (bool, error)
	// ListStale returns connected devices whose last_active_at is NULL or before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]device.Device, error)
	// MarkOffline demotes the device only if it is still connected and stale at cutoff.
	MarkOffline(ctx context.Context, id string, cutoff time.Time) (bool, error)
	SetDeviceSecret(ctx context.Context, id, hash string) error
}

type FlowStore interface {
	CreateFlow(ctx context.Context, f job.Flow) (job.Flow, error)
	GetFlow(ctx context.Context, id int64) (job.Flow, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, n job.NewJob) (job.Job, error)
	GetJob(ctx context.Context, id int64) (job.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error)
	// DueJobs selects pending jobs scheduled at or before now, ordered by
	// priority DESC, scheduled_at ASC with NULL first, id ASC.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]DueJob, error)
	// ClaimJob moves a job pending->dispatched. false means another caller won.
	ClaimJob(ctx context.Context, id int64, at time.Time) (bool, error)
	// ReleaseJob moves a job dispatched->pending if it still carries the dispatch stamp.
	ReleaseJob(ctx context.Context, id int64, dispatchedAt time.Time) (bool, error)
	// TransitionJob applies from->to only if the job is still in from.
	TransitionJob(ctx context.Context, id int64, from, to job.Status, at time.Time, errMsg string) (bool, error)
}

// Store is the durable state of devices, flows and workflow jobs.
type Store interface {
	DeviceStore
	FlowStore
	JobStore
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
