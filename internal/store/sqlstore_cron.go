package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const cronColumns = `id, name, schedule, agent_id, enabled, payload_kind,
	payload, session_mode, session_id, max_duration_s, retry_count,
	runs, successes, failures, last_status, last_duration_ms, last_error,
	last_run_at, next_run_at, created_at, updated_at`

func (s *SQLStore) CreateJob(ctx context.Context, j *CronJob) error {
	if j.ID == "" {
		j.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO %s (id, name, schedule, agent_id, enabled,
		payload_kind, payload, session_mode, session_id, max_duration_s,
		retry_count, runs, successes, failures, last_status, last_duration_ms,
		last_error, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, 0, '', 0, '', $12, $13, $14)`,
		s.t("cron_jobs"))
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Name, j.Schedule, j.AgentID, j.Enabled, j.PayloadKind,
		j.Payload, j.SessionMode, j.SessionID, j.MaxDurationS, j.RetryCount,
		j.NextRunAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*CronJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, cronColumns, s.t("cron_jobs"))
	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return j, nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, j *CronJob) error {
	j.UpdatedAt = time.Now().UTC()

	query := fmt.Sprintf(`UPDATE %s SET name = $2, schedule = $3, agent_id = $4,
		enabled = $5, payload_kind = $6, payload = $7, session_mode = $8,
		session_id = $9, max_duration_s = $10, retry_count = $11,
		next_run_at = $12, updated_at = $13 WHERE id = $1`, s.t("cron_jobs"))
	res, err := s.db.ExecContext(ctx, query,
		j.ID, j.Name, j.Schedule, j.AgentID, j.Enabled, j.PayloadKind,
		j.Payload, j.SessionMode, j.SessionID, j.MaxDurationS, j.RetryCount,
		j.NextRunAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.t("cron_jobs"))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) ListJobs(ctx context.Context, enabledOnly bool) ([]*CronJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, cronColumns, s.t("cron_jobs"))
	if enabledOnly {
		query += ` WHERE enabled = $1`
	}
	query += ` ORDER BY id ASC`

	var rows *sql.Rows
	var err error
	if enabledOnly {
		rows, err = s.db.QueryContext(ctx, query, true)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	out := []*CronJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordRun(ctx context.Context, jobID, status string, durationMs int64, errText string, nextRun *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record run: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	insert := fmt.Sprintf(`INSERT INTO %s (job_id, status, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5)`, s.t("cron_history"))
	if _, err := tx.ExecContext(ctx, insert, jobID, status, durationMs, errText, now); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	succDelta, failDelta := 0, 1
	if status == "success" {
		succDelta, failDelta = 1, 0
	}
	update := fmt.Sprintf(`UPDATE %s SET runs = runs + 1,
		successes = successes + $2, failures = failures + $3,
		last_status = $4, last_duration_ms = $5, last_error = $6,
		last_run_at = $7, next_run_at = $8, updated_at = $7
		WHERE id = $1`, s.t("cron_jobs"))
	res, err := tx.ExecContext(ctx, update, jobID, succDelta, failDelta,
		status, durationMs, errText, now, nextRun)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) ListHistory(ctx context.Context, jobID string, limit int) ([]*HistoryEntry, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 500
	}

	query := fmt.Sprintf(`SELECT id, job_id, status, duration_ms, error, created_at
		FROM %s WHERE job_id = $1 ORDER BY id DESC LIMIT $2`, s.t("cron_history"))
	rows, err := s.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := []*HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.JobID, &h.Status, &h.DurationMs, &h.Error, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, &h)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.AgentID, &j.Enabled,
		&j.PayloadKind, &j.Payload, &j.SessionMode, &j.SessionID,
		&j.MaxDurationS, &j.RetryCount, &j.Runs, &j.Successes, &j.Failures,
		&j.LastStatus, &j.LastDurationMs, &j.LastError, &lastRun, &nextRun,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.LastRunAt = nullableTime(lastRun)
	j.NextRunAt = nullableTime(nextRun)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}
