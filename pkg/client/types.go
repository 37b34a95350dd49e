package client

import (
	"encoding/json"
	"time"
)

// Device is a registered device as reported by the daemon.
type Device struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	Model           string     `json:"model,omitempty" yaml:"model,omitempty"`
	OSVersion       string     `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	SocketConnected bool       `json:"socket_connected" yaml:"socket_connected"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty" yaml:"last_active_at,omitempty"`
	State           string     `json:"state" yaml:"state"`
	// Live is true while the device holds a websocket to this daemon.
	Live bool `json:"live" yaml:"live"`
	// Stale devices are connected but past the offline timeout.
	Stale     bool      `json:"stale" yaml:"stale"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type RegisterDeviceRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

type RegisterDeviceResponse struct {
	Device Device `json:"device" yaml:"device"`
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Token is a device or operator access token.
type Token struct {
	Type      string    `json:"type" yaml:"type"`
	Value     string    `json:"value" yaml:"value"`
	Role      string    `json:"role" yaml:"role"`
	DeviceID  string    `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

type Flow struct {
	ID         int64           `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Definition json.RawMessage `json:"definition" yaml:"-"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

type Job struct {
	ID           int64           `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	FlowID       int64           `json:"flow_id" yaml:"flow_id"`
	DeviceID     string          `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Status       string          `json:"status" yaml:"status"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
	Priority     int             `json:"priority" yaml:"priority"`
	Params       json.RawMessage `json:"params,omitempty" yaml:"-"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty" yaml:"dispatched_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"updated_at"`
}

type CreateJobRequest struct {
	Name        string          `json:"name"`
	FlowID      int64           `json:"flow_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// JobQuery filters ListJobs. Zero values match everything.
type JobQuery struct {
	Status   string
	DeviceID string
	Limit    int
}

// ReconcileReport is the result of one reconciliation run.
type ReconcileReport struct {
	Synced     int       `json:"synced" yaml:"synced"`
	Stale      int       `json:"stale" yaml:"stale"`
	Demoted    []string  `json:"demoted" yaml:"demoted"`
	Failed     int       `json:"failed" yaml:"failed"`
	Timeout    string    `json:"timeout" yaml:"timeout"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

type Skip struct {
	JobID    int64  `json:"job_id" yaml:"job_id"`
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Reason   string `json:"reason" yaml:"reason"`
}

// DispatchSummary is the result of one scheduler run.
type DispatchSummary struct {
	Dispatched    int       `json:"dispatched" yaml:"dispatched"`
	Skipped       int       `json:"skipped" yaml:"skipped"`
	WouldDispatch int       `json:"would_dispatch" yaml:"would_dispatch"`
	DryRun        bool      `json:"dry_run" yaml:"dry_run"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time `json:"finished_at" yaml:"finished_at"`
	Skips         []Skip    `json:"skips,omitempty" yaml:"skips,omitempty"`
}

// Status is the daemon's live view: connected devices and the next run of
// each periodic task.
type Status struct {
	Connected []string             `json:"connected" yaml:"connected"`
	NextRuns  map[string]time.Time `json:"next_runs" yaml:"next_runs"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
