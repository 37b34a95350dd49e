package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/fleetdispatch/internal/device"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/store"
)

const jobColumns = `id, name, flow_id, device_id, status, scheduled_at, priority, params, dispatched_at, started_at, finished_at, error_message, created_at, updated_at`

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

// jobDest collects the nullable columns of a job row.
type jobDest struct {
	j          job.Job
	deviceID   sql.NullString
	status     string
	scheduled  sql.NullInt64
	params     sql.NullString
	dispatched sql.NullInt64
	started    sql.NullInt64
	finished   sql.NullInt64
	errMsg     sql.NullString
	created    int64
	updated    int64
}

func (d *jobDest) targets() []any {
	return []any{&d.j.ID, &d.j.Name, &d.j.FlowID, &d.deviceID, &d.status, &d.scheduled, &d.j.Priority, &d.params,
		&d.dispatched, &d.started, &d.finished, &d.errMsg, &d.created, &d.updated}
}

func (d *jobDest) job() job.Job {
	j := d.j
	j.DeviceID = d.deviceID.String
	j.Status = job.Status(d.status)
	j.ScheduledAt = timePtr(d.scheduled)
	if d.params.Valid && d.params.String != "" {
		j.Params = json.RawMessage(d.params.String)
	}
	j.DispatchedAt = timePtr(d.dispatched)
	j.StartedAt = timePtr(d.started)
	j.FinishedAt = timePtr(d.finished)
	j.Error = d.errMsg.String
	j.CreatedAt = fromMillis(d.created)
	j.UpdatedAt = fromMillis(d.updated)
	return j
}

func scanJob(r rowScanner) (job.Job, error) {
	var d jobDest
	if err := r.Scan(d.targets()...); err != nil {
		return job.Job{}, err
	}
	return d.job(), nil
}

func (s *DB) CreateFlow(ctx context.Context, f job.Flow) (job.Flow, error) {
	if len(f.Definition) == 0 {
		f.Definition = json.RawMessage("{}")
	}
	f.CreatedAt = s.now().Truncate(time.Millisecond)
	id, err := s.insertID(ctx, `INSERT INTO flows(name, definition, created_at) VALUES(?, ?, ?)`,
		f.Name, string(f.Definition), millis(f.CreatedAt))
	if err != nil {
		return job.Flow{}, fmt.Errorf("create flow: %w", err)
	}
	f.ID = id
	return f, nil
}

func (s *DB) GetFlow(ctx context.Context, id int64) (job.Flow, error) {
	var (
		f       job.Flow
		def     string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, definition, created_at FROM flows WHERE id = ?`), id).
		Scan(&f.ID, &f.Name, &def, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Flow{}, fmt.Errorf("flow %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return job.Flow{}, err
	}
	f.Definition = json.RawMessage(def)
	f.CreatedAt = fromMillis(created)
	return f, nil
}

func (s *DB) CreateJob(ctx context.Context, n job.NewJob) (job.Job, error) {
	now := s.now().Truncate(time.Millisecond)
	params := string(n.Params)
	if params == "" {
		params = "{}"
	}
	id, err := s.insertID(ctx, `INSERT INTO workflow_jobs(name, flow_id, device_id, status, scheduled_at, priority, params, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Name, n.FlowID, nullString(n.DeviceID), string(job.StatusPending), nullMillis(n.ScheduledAt), n.Priority, params,
		millis(now), millis(now))
	if err != nil {
		return job.Job{}, fmt.Errorf("create job: %w", err)
	}
	j := job.Job{
		ID:        id,
		Name:      n.Name,
		FlowID:    n.FlowID,
		DeviceID:  n.DeviceID,
		Status:    job.StatusPending,
		Priority:  n.Priority,
		Params:    json.RawMessage(params),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if n.ScheduledAt != nil {
		t := n.ScheduledAt.UTC().Truncate(time.Millisecond)
		j.ScheduledAt = &t
	}
	return j, nil
}

func (s *DB) GetJob(ctx context.Context, id int64) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM workflow_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return j, err
}

func (s *DB) ListJobs(ctx context.Context, f store.JobFilter) ([]job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	q := `SELECT ` + jobColumns + ` FROM workflow_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *DB) DueJobs(ctx context.Context, now time.Time, limit int) ([]store.DueJob, error) {
	q := `SELECT ` + prefixed("j", jobColumns) + `,
			d.id, d.name, d.socket_connected, d.last_active_at,
			f.name, f.definition
		FROM workflow_jobs j
		LEFT JOIN devices d ON d.id = j.device_id
		LEFT JOIN flows f ON f.id = j.flow_id
		WHERE j.status = ? AND (j.scheduled_at IS NULL OR j.scheduled_at <= ?)
		ORDER BY j.priority DESC, COALESCE(j.scheduled_at, 0) ASC, j.id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), string(job.StatusPending), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.DueJob
	for rows.Next() {
		var (
			jd         jobDest
			devID      sql.NullString
			devName    sql.NullString
			devOnline  sql.NullBool
			devActive  sql.NullInt64
			flowName   sql.NullString
			definition sql.NullString
		)
		dest := append(jd.targets(), &devID, &devName, &devOnline, &devActive, &flowName, &definition)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		dj := store.DueJob{Job: jd.job()}
		if devID.Valid {
			dj.Device = &device.Device{
				ID:              devID.String,
				Name:            devName.String,
				SocketConnected: devOnline.Valid && devOnline.Bool,
				LastActiveAt:    timePtr(devActive),
			}
		}
		dj.Flow = job.Flow{ID: dj.Job.FlowID, Name: flowName.String}
		if definition.Valid {
			dj.Flow.Definition = json.RawMessage(definition.String)
		}
		out = append(out, dj)
	}
	return out, rows.Err()
}

func (s *DB) ClaimJob(ctx context.Context, id int64, at time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE workflow_jobs SET status = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(job.StatusDispatched), millis(at), millis(s.now()), id, string(job.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *DB) ReleaseJob(ctx context.Context, id int64, dispatchedAt time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE workflow_jobs SET status = ?, dispatched_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND dispatched_at = ?`,
		string(job.StatusPending), millis(s.now()), id, string(job.StatusDispatched), millis(dispatchedAt))
	if err != nil {
		return false, fmt.Errorf("release job %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *DB) TransitionJob(ctx context.Context, id int64, from, to job.Status, at time.Time, errMsg string) (bool, error) {
	if err := job.CheckTransition(from, to); err != nil {
		return false, err
	}
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), millis(s.now())}
	switch to {
	case job.StatusDispatched:
		set = append(set, "dispatched_at = ?")
		args = append(args, millis(at))
	case job.StatusRunning:
		set = append(set, "started_at = ?")
		args = append(args, millis(at))
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled:
		set = append(set, "finished_at = ?")
		args = append(args, millis(at))
	}
	if errMsg != "" {
		set = append(set, "error_message = ?")
		args = append(args, errMsg)
	}
	args = append(args, id, string(from))
	n, err := s.exec(ctx, `UPDATE workflow_jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %d %s->%s: %w", id, from, to, err)
	}
	return n == 1, nil
}
