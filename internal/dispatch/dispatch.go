// Package dispatch hands one pending job to its device's live connection.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/store"
)

var ErrNotConnected = errors.New("device not connected")

const PayloadType = "job.dispatch"

// Payload is the message a device receives for a dispatched job.
type Payload struct {
	Type           string          `json:"type"`
	JobID          int64           `json:"job_id"`
	JobName        string          `json:"job_name"`
	FlowID         int64           `json:"flow_id"`
	FlowName       string          `json:"flow_name"`
	FlowDefinition json.RawMessage `json:"flow_definition"`
	DeviceID       string          `json:"device_id"`
	Params         json.RawMessage `json:"params"`
	Priority       int             `json:"priority"`
	DispatchedAt   time.Time       `json:"dispatched_at"`
}

// Transport is the live connection layer to devices.
type Transport interface {
	IsConnected(deviceID string) bool
	// Send hands p to the device's connection. A nil error means the
	// connection accepted the message for delivery.
	Send(ctx context.Context, deviceID string, p Payload) error
}

type Store interface {
	GetDevice(ctx context.Context, id string) (device.Device, error)
	GetFlow(ctx context.Context, id int64) (job.Flow, error)
	ClaimJob(ctx context.Context, id int64, at time.Time) (bool, error)
	ReleaseJob(ctx context.Context, id int64, dispatchedAt time.Time) (bool, error)
}

type Publisher interface {
	Publish(e history.Event) error
}

// Outcome says what happened to one dispatch attempt.
type Outcome string

const (
	Dispatched        Outcome = "dispatched"
	AlreadyDispatched Outcome = "already dispatched"
	NoDevice          Outcome = "no device assigned"
	DeviceNotFound    Outcome = "device not found"
	DeviceOffline     Outcome = "device offline"
	Disconnected      Outcome = "device disconnected"
	FlowNotFound      Outcome = "flow not found"
	DeliveryFailed    Outcome = "delivery failed"
)

type Dispatcher struct {
	store     Store
	transport Transport
	pub       Publisher
	log       *slog.Logger
	now       func() time.Time
}

func New(st Store, tr Transport, pub Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		transport: tr,
		pub:       pub,
		log:       log.With("component", "dispatcher"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch moves j from pending to dispatched and delivers it to its device.
// It returns false when the job was not handed over; an error only for
// unexpected storage failures.
func (d *Dispatcher) Dispatch(ctx context.Context, j job.Job) (bool, error) {
	o, err := d.Attempt(ctx, j, nil)
	return o == Dispatched, err
}

// Attempt is Dispatch with the reason for a refusal. flow may be nil, in
// which case it is loaded from the store.
func (d *Dispatcher) Attempt(ctx context.Context, j job.Job, flow *job.Flow) (Outcome, error) {
	o, err := d.attempt(ctx, j, flow)
	if err != nil {
		metrics.IncDispatch("error")
		return o, err
	}
	metrics.IncDispatch(string(o))
	return o, nil
}

func (d *Dispatcher) attempt(ctx context.Context, j job.Job, flow *job.Flow) (Outcome, error) {
	log := d.log.With("job_id", j.ID, "device_id", j.DeviceID)
	if j.Status != job.StatusPending {
		log.Info("job not dispatched", "reason", AlreadyDispatched, "status", j.Status)
		return AlreadyDispatched, nil
	}
	if j.DeviceID == "" {
		return NoDevice, nil
	}

	// the scheduler's view may be stale, so presence is checked again here
	dev, err := d.store.GetDevice(ctx, j.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return DeviceNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("load device %s: %w", j.DeviceID, err)
	}
	if !dev.SocketConnected || !d.transport.IsConnected(dev.ID) {
		log.Info("job not dispatched", "reason", Disconnected)
		return Disconnected, nil
	}

	if flow == nil {
		f, err := d.store.GetFlow(ctx, j.FlowID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("job not dispatched", "reason", FlowNotFound, "flow_id", j.FlowID)
			return FlowNotFound, nil
		}
		if err != nil {
			return "", fmt.Errorf("load flow %d: %w", j.FlowID, err)
		}
		flow = &f
	}

	at := d.now().Truncate(time.Millisecond)
	claimed, err := d.store.ClaimJob(ctx, j.ID, at)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Info("job not dispatched", "reason", AlreadyDispatched)
		return AlreadyDispatched, nil
	}

	p := Payload{
		Type:           PayloadType,
		JobID:          j.ID,
		JobName:        j.Name,
		FlowID:         flow.ID,
		FlowName:       flow.Name,
		FlowDefinition: flow.Definition,
		DeviceID:       j.DeviceID,
		Params:         j.Params,
		Priority:       j.Priority,
		DispatchedAt:   at,
	}
	if err := d.transport.Send(ctx, j.DeviceID, p); err != nil {
		d.release(ctx, log, j.ID, at)
		log.Warn("job delivery failed", "error", err)
		return DeliveryFailed, nil
	}

	metrics.ObserveJobTransition(string(job.StatusPending), string(job.StatusDispatched))
	log.Info("job dispatched", "priority", j.Priority)
	if d.pub != nil {
		e := history.JobEvent(j.ID, j.DeviceID, string(job.StatusPending), string(job.StatusDispatched), "", at)
		if err := d.pub.Publish(e); err != nil {
			log.Warn("dispatch event not published", "error", err)
		}
	}
	return Dispatched, nil
}

// release puts a claimed job back to pending so a later tick retries it.
func (d *Dispatcher) release(ctx context.Context, log *slog.Logger, id int64, at time.Time) {
	released, err := d.store.ReleaseJob(context.WithoutCancel(ctx), id, at)
	switch {
	case err != nil:
		log.Error("job release failed, job stays dispatched", "error", err)
	case !released:
		log.Warn("job changed before release")
	default:
		log.Info("job released to pending")
	}
}
