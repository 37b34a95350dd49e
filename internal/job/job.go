package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Job is a durable unit of work targeted at one device.
// DeviceID is empty when no device is assigned.
type Job struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	FlowID       int64           `json:"flow_id"`
	DeviceID     string          `json:"device_id,omitempty"`
	Status       Status          `json:"status"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	Priority     int             `json:"priority"`
	Params       json.RawMessage `json:"params,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Due reports whether the job is pending and its schedule has been reached.
func (j Job) Due(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Flow is the workflow definition a job executes. The definition is opaque.
type Flow struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewJob is the input for creating a job.
type NewJob struct {
	Name        string          `json:"name"`
	FlowID      int64           `json:"flow_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

var ErrInvalidJob = errors.New("invalid job")

// Validate applies defaults and checks bounds.
func (n *NewJob) Validate() error {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if n.FlowID <= 0 {
		return fmt.Errorf("%w: flow_id is required", ErrInvalidJob)
	}
	if n.Priority == 0 {
		n.Priority = DefaultPriority
	}
	if n.Priority < MinPriority || n.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range %d..%d", ErrInvalidJob, n.Priority, MinPriority, MaxPriority)
	}
	if len(n.Params) == 0 {
		n.Params = json.RawMessage("{}")
	} else if !json.Valid(n.Params) {
		return fmt.Errorf("%w: params is not valid JSON", ErrInvalidJob)
	}
	return nil
}
