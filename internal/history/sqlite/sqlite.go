package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/fleetdispatch/internal/history"
)

// Sink appends status change events to a SQLite notification log.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS status_events(
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			device_id TEXT NULL,
			job_id INTEGER NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NULL,
			occurred_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_subject ON status_events(kind, subject);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_events(id, kind, subject, device_id, job_id, from_state, to_state, reason, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, string(e.Kind), e.Subject, nullString(e.DeviceID), nullInt(e.JobID),
		e.From, e.To, nullString(e.Reason), e.OccurredAt.UTC().UnixMilli())
	return err
}

// Recent returns up to limit events for subject, newest first.
func (s *Sink) Recent(ctx context.Context, kind history.Kind, subject string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, device_id, job_id, from_state, to_state, reason, occurred_at
		FROM status_events WHERE kind = ? AND subject = ?
		ORDER BY occurred_at DESC LIMIT ?;`, string(kind), subject, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e      history.Event
			k      string
			dev    sql.NullString
			job    sql.NullInt64
			reason sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &k, &e.Subject, &dev, &job, &e.From, &e.To, &reason, &at); err != nil {
			return nil, err
		}
		e.Kind = history.Kind(k)
		e.DeviceID = dev.String
		e.JobID = job.Int64
		e.Reason = reason.String
		e.OccurredAt = history.FromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
