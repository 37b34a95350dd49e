package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/fleetdispatch/internal/store/sqlstore"
)

// Schema is the SQLite DDL for devices, flows and workflow jobs.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS devices(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		socket_connected BOOLEAN NOT NULL DEFAULT 0,
		last_active_at INTEGER NULL,
		secret_hash TEXT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_devices_connected ON devices(socket_connected, last_active_at);`,
	`CREATE TABLE IF NOT EXISTS flows(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS workflow_jobs(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		flow_id INTEGER NOT NULL,
		device_id TEXT NULL,
		status TEXT NOT NULL,
		scheduled_at INTEGER NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		params TEXT NOT NULL DEFAULT '{}',
		dispatched_at INTEGER NULL,
		started_at INTEGER NULL,
		finished_at INTEGER NULL,
		error_message TEXT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_jobs_due ON workflow_jobs(status, scheduled_at);`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_jobs_device ON workflow_jobs(device_id);`,
}

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*sqlstore.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := p
	if p != ":memory:" && !strings.Contains(p, "?") {
		// pragmas in the DSN apply to every pooled connection
		dsn = p + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	return sqlstore.New(d, sqlstore.SQLite, Schema), nil
}
