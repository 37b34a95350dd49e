// Package presence keeps short-lived "device X was seen at T" facts in a fast
// store and feeds them into durable device records.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is how long a fact survives without a refresh.
const DefaultTTL = 2 * time.Minute

// Fact says a device was seen alive at SeenAt.
type Fact struct {
	DeviceID string    `json:"device_id"`
	SeenAt   time.Time `json:"seen_at"`
}

// Store holds presence facts that expire on their own after the TTL.
// Implementations must be safe for concurrent use.
type Store interface {
	Touch(ctx context.Context, deviceID string, seenAt time.Time) error
	Get(ctx context.Context, deviceID string) (Fact, bool, error)
	All(ctx context.Context) ([]Fact, error)
	Forget(ctx context.Context, deviceID string) error
}
