package mysql

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/loykin/fleetdispatch/internal/store/sqlstore"
)

// Schema is the MySQL DDL for devices, flows and workflow jobs.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS devices(
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		model VARCHAR(255) NOT NULL DEFAULT '',
		os_version VARCHAR(64) NOT NULL DEFAULT '',
		socket_connected TINYINT(1) NOT NULL DEFAULT 0,
		last_active_at BIGINT NULL,
		secret_hash VARCHAR(255) NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_devices_connected (socket_connected, last_active_at)
	)`,
	`CREATE TABLE IF NOT EXISTS flows(
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		definition MEDIUMTEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_jobs(
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		flow_id BIGINT NOT NULL,
		device_id VARCHAR(64) NULL,
		status VARCHAR(16) NOT NULL,
		scheduled_at BIGINT NULL,
		priority INT NOT NULL DEFAULT 5,
		params MEDIUMTEXT NOT NULL,
		dispatched_at BIGINT NULL,
		started_at BIGINT NULL,
		finished_at BIGINT NULL,
		error_message TEXT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_workflow_jobs_due (status, scheduled_at),
		INDEX idx_workflow_jobs_device (device_id)
	)`,
}

// New opens a MySQL database. The DSN may carry a "mysql://" prefix in front of
// the driver form user:pass@tcp(host:3306)/db.
func New(dsn string) (*sqlstore.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "mysql://") {
		dsn = dsn[len("mysql://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty mysql DSN")
	}
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// conditional updates compare matched rows, not changed rows
	cfg.ClientFoundRows = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	connector, err := gomysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	d := sql.OpenDB(connector)
	d.SetConnMaxLifetime(3 * time.Minute)
	return sqlstore.New(d, sqlstore.MySQL, Schema), nil
}
