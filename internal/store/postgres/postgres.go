package postgres

import (
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/fleetdispatch/internal/store/sqlstore"
)

// Schema is the PostgreSQL DDL for devices, flows and workflow jobs.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS devices(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		socket_connected BOOLEAN NOT NULL DEFAULT FALSE,
		last_active_at BIGINT NULL,
		secret_hash TEXT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_devices_connected ON devices(socket_connected, last_active_at);`,
	`CREATE TABLE IF NOT EXISTS flows(
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS workflow_jobs(
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		flow_id BIGINT NOT NULL,
		device_id TEXT NULL,
		status TEXT NOT NULL,
		scheduled_at BIGINT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		params TEXT NOT NULL DEFAULT '{}',
		dispatched_at BIGINT NULL,
		started_at BIGINT NULL,
		finished_at BIGINT NULL,
		error_message TEXT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_jobs_due ON workflow_jobs(status, scheduled_at);`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_jobs_device ON workflow_jobs(device_id);`,
}

// New opens a PostgreSQL database through the pgx stdlib driver.
func New(dsn string) (*sqlstore.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres DSN")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(d, sqlstore.Postgres, Schema), nil
}
