package history

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind defines what an event is about.
type Kind string

const (
	KindDevice Kind = "device"
	KindJob    Kind = "job"
	KindRun    Kind = "run"
)

// Event is a status change of a device or a job. It is broadcast to observers
// and appended to the notification log.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Subject    string    `json:"subject"`
	DeviceID   string    `json:"device_id,omitempty"`
	JobID      int64     `json:"job_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (notification log, analytics).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

func DeviceEvent(deviceID, from, to, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindDevice,
		Subject:    deviceID,
		DeviceID:   deviceID,
		From:       from,
		To:         to,
		Reason:     reason,
		OccurredAt: at.UTC(),
	}
}

func JobEvent(jobID int64, deviceID, from, to, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindJob,
		Subject:    strconv.FormatInt(jobID, 10),
		DeviceID:   deviceID,
		JobID:      jobID,
		From:       from,
		To:         to,
		Reason:     reason,
		OccurredAt: at.UTC(),
	}
}

// RunEvent records a summary of a periodic task run, such as a scheduler
// tick that dispatched jobs.
func RunEvent(task, summary string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindRun,
		Subject:    task,
		To:         "completed",
		Reason:     summary,
		OccurredAt: at.UTC(),
	}
}

// FromMillis converts a stored unix-millisecond timestamp to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
