package database

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	apperrors "qlab/internal/errors"
)

// PostgresRepository stores runs in the runs and scheduled_tasks tables.
type PostgresRepository struct {
	db *DB
}

// NewPostgresRepository 创建 Postgres 存储
func NewPostgresRepository(db *DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const runColumns = `id, kind, status, strategy, symbol, timeframe, config, metrics, result, error, duration_ms, created_at, completed_at`

func (r *PostgresRepository) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "run id is required")
	}
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			metrics = EXCLUDED.metrics,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, string(run.Kind), string(run.Status), run.Strategy, run.Symbol, run.Timeframe,
		jsonValue(run.Config), jsonValue(run.Metrics), jsonValue(run.Result),
		nullString(run.Error), run.DurationMS, run.CreatedAt, nullTime(run.CompletedAt),
	)
	if err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery, "failed to save run", run.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery, "failed to load run", id, err)
	}
	return run, nil
}

func (r *PostgresRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query, args := listRunsQuery(filter)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to iterate runs", err)
	}
	return out, nil
}

// listRunsQuery builds the filtered SELECT with positional arguments.
func listRunsQuery(filter RunFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}
	if filter.Kind != "" {
		add("kind", string(filter.Kind))
	}
	if filter.Strategy != "" {
		add("strategy", filter.Strategy)
	}
	if filter.Symbol != "" {
		add("symbol", filter.Symbol)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	return query, args
}

func (r *PostgresRepository) SaveTaskStatus(ctx context.Context, status *TaskStatus) error {
	if status == nil || status.Name == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "task name is required")
	}
	query := `
		INSERT INTO scheduled_tasks (name, schedule, last_run_id, last_status, last_error, run_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			schedule = EXCLUDED.schedule,
			last_run_id = EXCLUDED.last_run_id,
			last_status = EXCLUDED.last_status,
			last_error = EXCLUDED.last_error,
			run_count = EXCLUDED.run_count,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		status.Name, status.Schedule, nullString(status.LastRunID), nullString(string(status.LastStatus)),
		nullString(status.LastError), status.RunCount, status.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery, "failed to save task status", status.Name, err)
	}
	return nil
}

func (r *PostgresRepository) ListTaskStatus(ctx context.Context) ([]*TaskStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, schedule, last_run_id, last_status, last_error, run_count, updated_at
		FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to list task status", err)
	}
	defer rows.Close()

	var out []*TaskStatus
	for rows.Next() {
		var (
			t                          TaskStatus
			runID, lastStatus, lastErr sql.NullString
		)
		if err := rows.Scan(&t.Name, &t.Schedule, &runID, &lastStatus, &lastErr, &t.RunCount, &t.UpdatedAt); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to scan task status", err)
		}
		t.LastRunID = runID.String
		t.LastStatus = RunStatus(lastStatus.String)
		t.LastError = lastErr.String
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to iterate task status", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run             Run
		kind, status    string
		metrics, result []byte
		errText         sql.NullString
		completedAt     sql.NullTime
	)
	err := s.Scan(&run.ID, &kind, &status, &run.Strategy, &run.Symbol, &run.Timeframe,
		&run.Config, &metrics, &result, &errText, &run.DurationMS, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	run.Metrics = metrics
	run.Result = result
	run.Error = errText.String
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	return &run, nil
}

// jsonValue maps an empty document to NULL.
func jsonValue(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
