package device

import (
	"errors"
	"strings"
	"time"
)

// Device is the durable record of a remote worker device.
// SocketConnected is flipped true by presence ingestion and reconciliation,
// and only the reconciler flips it back to false.
type Device struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Model           string     `json:"model,omitempty"`
	OSVersion       string     `json:"os_version,omitempty"`
	SocketConnected bool       `json:"socket_connected"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	SecretHash      string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const maxIDLen = 64

var ErrInvalidID = errors.New("invalid device id")

// ValidateID rejects empty ids, ids longer than 64 bytes and ids with whitespace or '/'.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLen {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return ErrInvalidID
	}
	return nil
}

// Stale reports whether the device is marked connected but has not been
// active since now-timeout. A connected device that was never active is stale.
func (d Device) Stale(now time.Time, timeout time.Duration) bool {
	if !d.SocketConnected {
		return false
	}
	if d.LastActiveAt == nil {
		return true
	}
	return d.LastActiveAt.Before(now.Add(-timeout))
}

// State returns "online" or "offline" for events and logs.
func (d Device) State() string {
	if d.SocketConnected {
		return StateOnline
	}
	return StateOffline
}

const (
	StateOnline  = "online"
	StateOffline = "offline"
)
