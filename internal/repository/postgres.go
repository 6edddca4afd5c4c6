// Package repository provides PostgreSQL persistence for maintenance operation history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"github.com/nadmax/opsconsole/internal/logging"
	"github.com/nadmax/opsconsole/internal/operation"
)

// Schema creates the history tables when they do not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS operation_history (
	operation_id   TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	config         JSONB,
	status         TEXT NOT NULL,
	progress       INTEGER NOT NULL DEFAULT 0,
	current_step   TEXT,
	failure_reason TEXT,
	requested_by   TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER
);
CREATE TABLE IF NOT EXISTS operation_step_log (
	id           BIGSERIAL PRIMARY KEY,
	operation_id TEXT NOT NULL REFERENCES operation_history (operation_id) ON DELETE CASCADE,
	step         TEXT NOT NULL,
	progress     INTEGER NOT NULL,
	message      TEXT,
	logged_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_operation_history_created_at ON operation_history (created_at DESC);
`

type PostgresOperationRepository struct {
	db *sql.DB
}

type OperationStats struct {
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
}

type RecentOperation struct {
	OperationID   string     `json:"operation_id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Progress      int        `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int       `json:"duration_ms,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

type StepLogEntry struct {
	Step     string    `json:"step"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

func NewPostgresOperationRepository(connectionString string) (*PostgresOperationRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresOperationRepository{db: db}, nil
}

func (r *PostgresOperationRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresOperationRepository) SaveOperation(ctx context.Context, op *operation.Operation, requestedBy string) error {
	config, err := json.Marshal(op.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO operation_history (
			operation_id, kind, config, status, progress,
			current_step, requested_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			current_step = EXCLUDED.current_step
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		op.ID,
		string(op.Kind),
		config,
		string(op.Status),
		op.Progress,
		op.CurrentStep,
		requestedBy,
		op.StartTime,
	)

	return err
}

func (r *PostgresOperationRepository) GetOperation(ctx context.Context, id string) (*RecentOperation, error) {
	query := `
		SELECT
			operation_id, kind, status, progress, created_at,
			completed_at, duration_ms, COALESCE(failure_reason, '')
		FROM operation_history
		WHERE operation_id = $1
	`

	var op RecentOperation
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&op.OperationID,
		&op.Kind,
		&op.Status,
		&op.Progress,
		&op.CreatedAt,
		&op.CompletedAt,
		&op.DurationMs,
		&op.FailureReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return &op, nil
}

func (r *PostgresOperationRepository) UpdateProgress(ctx context.Context, id string, status operation.Status, progress int, step string) error {
	query := `
		UPDATE operation_history
		SET status = $1,
		    progress = $2,
		    current_step = $3
		WHERE operation_id = $4
	`

	_, err := r.db.ExecContext(ctx, query, string(status), progress, step, id)
	return err
}

func (r *PostgresOperationRepository) CompleteOperation(ctx context.Context, id string, durationMs int) error {
	query := `
		UPDATE operation_history
		SET status = 'completed',
		    progress = 100,
		    completed_at = NOW(),
		    duration_ms = $1
		WHERE operation_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, durationMs, id)

	return err
}

func (r *PostgresOperationRepository) FailOperation(ctx context.Context, id string, reason string, durationMs int) error {
	query := `
		UPDATE operation_history
		SET status = 'failed',
		    completed_at = NOW(),
		    failure_reason = $1,
		    duration_ms = $2
		WHERE operation_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, reason, durationMs, id)

	return err
}

func (r *PostgresOperationRepository) LogStep(ctx context.Context, id string, step string, progress int, message string) error {
	query := `
		INSERT INTO operation_step_log (
			operation_id, step, progress, message
		) VALUES ($1, $2, $3, $4)
	`

	var messageVal any
	if message != "" {
		messageVal = message
	}

	_, err := r.db.ExecContext(ctx, query, id, step, progress, messageVal)
	return err
}

func (r *PostgresOperationRepository) OperationStats(ctx context.Context, hours int) ([]OperationStats, error) {
	query := `
		SELECT
			kind, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms
		FROM operation_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY kind, status
		ORDER BY kind, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var stats []OperationStats
	for rows.Next() {
		var s OperationStats
		if err := rows.Scan(
			&s.Kind,
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresOperationRepository) RecentOperations(ctx context.Context, limit int) ([]RecentOperation, error) {
	query := `
		SELECT
			operation_id, kind, status, progress, created_at,
			completed_at, duration_ms, COALESCE(failure_reason, '')
		FROM operation_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var ops []RecentOperation
	for rows.Next() {
		var op RecentOperation
		if err := rows.Scan(
			&op.OperationID,
			&op.Kind,
			&op.Status,
			&op.Progress,
			&op.CreatedAt,
			&op.CompletedAt,
			&op.DurationMs,
			&op.FailureReason,
		); err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, rows.Err()
}

func (r *PostgresOperationRepository) StepLog(ctx context.Context, id string) ([]StepLogEntry, error) {
	query := `
		SELECT step, progress, message, logged_at
		FROM operation_step_log
		WHERE operation_id = $1
		ORDER BY logged_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var entries []StepLogEntry
	for rows.Next() {
		var e StepLogEntry
		var message sql.NullString
		if err := rows.Scan(&e.Step, &e.Progress, &message, &e.LoggedAt); err != nil {
			return nil, err
		}
		if message.Valid {
			e.Message = message.String
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *PostgresOperationRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresOperationRepository) Close() error {
	return r.db.Close()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log := logging.Component("repository")
		log.Warn().Err(err).Msg("failed to close rows")
	}
}
