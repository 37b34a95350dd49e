package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/store"
)

const deviceColumns = `id, name, model, os_version, socket_connected, last_active_at, secret_hash, created_at, updated_at`

// advanceLastActive never moves last_active_at backwards.
const advanceLastActive = `last_active_at = CASE WHEN last_active_at IS NULL OR last_active_at < ? THEN ? ELSE last_active_at END`

func scanDevice(r rowScanner) (device.Device, error) {
	var (
		d          device.Device
		lastActive sql.NullInt64
		secret     sql.NullString
		created    int64
		updated    int64
	)
	if err := r.Scan(&d.ID, &d.Name, &d.Model, &d.OSVersion, &d.SocketConnected, &lastActive, &secret, &created, &updated); err != nil {
		return device.Device{}, err
	}
	d.LastActiveAt = timePtr(lastActive)
	d.SecretHash = secret.String
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

func (s *DB) queryDevices(ctx context.Context, q string, args ...any) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DB) UpsertDevice(ctx context.Context, d device.Device) error {
	if err := device.ValidateID(d.ID); err != nil {
		return err
	}
	now := millis(s.now())
	var q string
	switch s.dialect {
	case MySQL:
		q = `INSERT INTO devices(` + deviceColumns + `)
			VALUES(?, ?, ?, ?, ?, NULL, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name=VALUES(name),
				model=VALUES(model),
				os_version=VALUES(os_version),
				secret_hash=COALESCE(VALUES(secret_hash), secret_hash),
				updated_at=VALUES(updated_at)`
	default:
		q = `INSERT INTO devices(` + deviceColumns + `)
			VALUES(?, ?, ?, ?, ?, NULL, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name=excluded.name,
				model=excluded.model,
				os_version=excluded.os_version,
				secret_hash=COALESCE(excluded.secret_hash, devices.secret_hash),
				updated_at=excluded.updated_at`
	}
	_, err := s.exec(ctx, q, d.ID, d.Name, d.Model, d.OSVersion, false, nullString(d.SecretHash), now, now)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

func (s *DB) GetDevice(ctx context.Context, id string) (device.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, fmt.Errorf("device %s: %w", id, store.ErrNotFound)
	}
	return d, err
}

func (s *DB) ListDevices(ctx context.Context) ([]device.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
}

func (s *DB) MarkOnline(ctx context.Context, id string, seenAt time.Time) (bool, error) {
	seen := millis(seenAt)
	now := millis(s.now())
	n, err := s.exec(ctx, `UPDATE devices SET socket_connected = ?, `+advanceLastActive+`, updated_at = ?
		WHERE id = ? AND socket_connected = ?`, true, seen, seen, now, id, false)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	n, err = s.exec(ctx, `UPDATE devices SET `+advanceLastActive+`, updated_at = ? WHERE id = ?`, seen, seen, now, id)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("device %s: %w", id, store.ErrNotFound)
	}
	return false, nil
}

func (s *DB) ListStale(ctx context.Context, cutoff time.Time) ([]device.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE socket_connected = ? AND (last_active_at IS NULL OR last_active_at < ?)
		ORDER BY id`, true, millis(cutoff))
}

func (s *DB) MarkOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE devices SET socket_connected = ?, updated_at = ?
		WHERE id = ? AND socket_connected = ? AND (last_active_at IS NULL OR last_active_at < ?)`,
		false, millis(s.now()), id, true, millis(cutoff))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DB) SetDeviceSecret(ctx context.Context, id, hash string) error {
	n, err := s.exec(ctx, `UPDATE devices SET secret_hash = ?, updated_at = ? WHERE id = ?`, hash, millis(s.now()), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, store.ErrNotFound)
	}
	return nil
}
