package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/store"
)

// Durable is the device record update the ingestor performs after a fact is written.
type Durable interface {
	MarkOnline(ctx context.Context, id string, seenAt time.Time) (bool, error)
}

type Publisher interface {
	Publish(e history.Event) error
}

// Ingestor turns device activity (socket connect, messages, pongs, HTTP
// heartbeats) into presence facts.
type Ingestor struct {
	fast    Store
	durable Durable
	pub     Publisher
	log     *slog.Logger
	now     func() time.Time
}

func NewIngestor(fast Store, durable Durable, pub Publisher, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		fast:    fast,
		durable: durable,
		pub:     pub,
		log:     log.With("component", "presence"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Seen records that deviceID is alive now. Only a fast store failure is
// returned; the durable refresh is best effort and left to the reconciler on failure.
func (in *Ingestor) Seen(ctx context.Context, deviceID string) error {
	now := in.now()
	if err := in.fast.Touch(ctx, deviceID, now); err != nil {
		return err
	}
	if in.durable == nil {
		return nil
	}
	flipped, err := in.durable.MarkOnline(ctx, deviceID, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		in.log.Debug("presence for unknown device", "device_id", deviceID)
		return nil
	case err != nil:
		in.log.Warn("durable presence refresh failed", "device_id", deviceID, "error", err)
		return nil
	}
	if flipped && in.pub != nil {
		e := history.DeviceEvent(deviceID, device.StateOffline, device.StateOnline, "connected", now)
		if err := in.pub.Publish(e); err != nil {
			in.log.Warn("online event not published", "device_id", deviceID, "error", err)
		}
	}
	return nil
}
