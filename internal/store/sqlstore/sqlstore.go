// Package sqlstore implements store.Store on database/sql for SQLite,
// PostgreSQL and MySQL. Timestamps are stored as UTC unix milliseconds so
// range predicates compare integers on every backend.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/fleetdispatch/internal/store"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// DB implements store.Store.
type DB struct {
	db      *sql.DB
	dialect Dialect
	schema  []string
	now     func() time.Time
}

var _ store.Store = (*DB)(nil)

// New wraps an opened database. schema holds the dialect's DDL statements run by EnsureSchema.
func New(db *sql.DB, dialect Dialect, schema []string) *DB {
	return &DB{db: db, dialect: dialect, schema: schema, now: func() time.Time { return time.Now().UTC() }}
}

func (s *DB) Dialect() Dialect { return s.dialect }

// SQL exposes the underlying pool for tests and maintenance commands.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range s.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders to $n for PostgreSQL.
func (s *DB) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// insertID runs an INSERT and returns the generated id column.
func (s *DB) insertID(ctx context.Context, q string, args ...any) (int64, error) {
	if s.dialect == Postgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
