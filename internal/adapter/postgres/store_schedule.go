package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
)

const scheduleColumns = `id, name, tool_id, args, trigger_type, spec, enabled, created_by, created_at,
	last_run_at, next_run_at, run_count, COALESCE(last_run_id::text, '')`

func scanSchedule(row scannable) (schedule.Job, error) {
	var j schedule.Job
	err := row.Scan(&j.ID, &j.Name, &j.ToolID, &j.Args, &j.Trigger, &j.Spec, &j.Enabled, &j.CreatedBy,
		&j.CreatedAt, &j.LastRunAt, &j.NextRunAt, &j.RunCount, &j.LastRunID)
	if j.Args == nil {
		j.Args = map[string]any{}
	}
	return j, err
}

func (s *Store) CreateSchedule(ctx context.Context, j *schedule.Job) error {
	if j.Args == nil {
		j.Args = map[string]any{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (id, name, tool_id, args, trigger_type, spec, enabled, created_by, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		j.ID, j.Name, j.ToolID, j.Args, string(j.Trigger), j.Spec, j.Enabled, j.CreatedBy, j.NextRunAt,
	).Scan(&j.CreatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	j, err := scanSchedule(row)
	if err != nil {
		return nil, wrapNotFound(err, "get schedule %s", id)
	}
	return &j, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]schedule.Job, error) {
	q := `SELECT ` + scheduleColumns + ` FROM scheduled_jobs`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
	return collect(rows, err, "list schedules", scanSchedule)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return expectOneRow(tag, err, domain.ErrNotFound, "delete schedule %s", id)
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET enabled = $2, next_run_at = $3 WHERE id = $1`, id, enabled, nextRunAt)
	return expectOneRow(tag, err, domain.ErrNotFound, "set schedule %s enabled", id)
}

// ListDueSchedules returns enabled jobs whose next_run_at is at or before
// now, most overdue first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]schedule.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_jobs
		 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at LIMIT $2`,
		now, clampLimit(limit, defaultListLimit, maxListLimit))
	return collect(rows, err, "list due schedules", scanSchedule)
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, due, firedAt time.Time, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = $3, next_run_at = $4, run_count = run_count + 1
		WHERE id = $1 AND enabled AND next_run_at = $2`,
		id, due, firedAt, next)
	return expectOneRow(tag, err, domain.ErrConflict, "advance schedule %s", id)
}

func (s *Store) SetScheduleLastRun(ctx context.Context, id, runID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET last_run_id = $2 WHERE id = $1`, id, runID)
	return expectOneRow(tag, err, domain.ErrNotFound, "set schedule %s last run", id)
}
