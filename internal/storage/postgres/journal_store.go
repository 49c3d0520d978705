// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-lifecycle/internal/store"
)

// JournalStoreConfig controls the Postgres connection pool used for journal rows.
type JournalStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JournalStore implements store.JournalRepository using Postgres.
type JournalStore struct {
	pool pgxPool
}

// NewJournalStore creates a Postgres-backed JournalStore using the provided config.
func NewJournalStore(ctx context.Context, cfg JournalStoreConfig) (*JournalStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JournalStore{pool: pool}, nil
}

// NewJournalStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJournalStoreWithPool(pool pgxPool) (*JournalStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JournalStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JournalStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// BeginRun inserts the run's start record. Re-delivery of the same run id is
// idempotent.
func (s *JournalStore) BeginRun(ctx context.Context, runID uuid.UUID, signal string, startedAt time.Time) error {
	query := `
		INSERT INTO shutdown_runs (id, trigger_signal, started_at, status, phase)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, signal, startedAt, store.RunRunning, "TRIGGERED"); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// UpdateRunPhase records the latest phase reached by the run.
func (s *JournalStore) UpdateRunPhase(ctx context.Context, runID uuid.UUID, phase string, at time.Time) error {
	query := `
		UPDATE shutdown_runs
		SET phase = $1, phase_at = $2
		WHERE id = $3;
	`
	if _, err := s.pool.Exec(ctx, query, phase, at, runID); err != nil {
		return fmt.Errorf("update run phase: %w", err)
	}
	return nil
}

// CompleteRun marks the run finished with the provided status and details.
func (s *JournalStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	checkpointID *string,
	errMsg *string,
) error {
	query := `
		UPDATE shutdown_runs
		SET finished_at = $1, status = $2, checkpoint_id = $3, error_message = $4
		WHERE id = $5;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, checkpointID, errMsg, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// RecordTaskResult appends one cleanup task outcome to the run.
func (s *JournalStore) RecordTaskResult(ctx context.Context, rec store.TaskRecord) error {
	query := `
		INSERT INTO shutdown_tasks (run_id, resource_id, kind, outcome, duration_ms, error_message, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		rec.RunID,
		rec.ResourceID,
		rec.Kind,
		rec.Outcome,
		rec.DurationMS,
		rec.ErrorMessage,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}

// GetRun retrieves a single shutdown run by its ID.
func (s *JournalStore) GetRun(ctx context.Context, runID uuid.UUID) (store.ShutdownRun, error) {
	query := `
		SELECT id, trigger_signal, started_at, finished_at, status, phase, checkpoint_id, error_message
		FROM shutdown_runs
		WHERE id = $1;
	`
	var run store.ShutdownRun
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.TriggerSignal,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Phase,
		&run.CheckpointID,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ShutdownRun{}, store.ErrNotFound
		}
		return store.ShutdownRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves a list of shutdown runs, with optional status filtering.
func (s *JournalStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.ShutdownRun, error) {
	query := `
		SELECT id, trigger_signal, started_at, finished_at, status, phase, checkpoint_id, error_message
		FROM shutdown_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.ShutdownRun
	for rows.Next() {
		var run store.ShutdownRun
		err := rows.Scan(
			&run.ID,
			&run.TriggerSignal,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Phase,
			&run.CheckpointID,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunTasks retrieves the task records for one run.
func (s *JournalStore) ListRunTasks(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.TaskRecord, error) {
	query := `
		SELECT run_id, resource_id, kind, outcome, duration_ms, error_message, recorded_at
		FROM shutdown_tasks
		WHERE run_id = $1
		ORDER BY recorded_at ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var records []store.TaskRecord
	for rows.Next() {
		var rec store.TaskRecord
		err := rows.Scan(
			&rec.RunID,
			&rec.ResourceID,
			&rec.Kind,
			&rec.Outcome,
			&rec.DurationMS,
			&rec.ErrorMessage,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
