package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/jackc/pgx/v5"
)

const syncTaskColumns = `id, symbol_id, interval, task_type, status, start_time, end_time, synced_count,
	retry_count, max_retries, error_message, started_at, finished_at, created_at, updated_at`

// SyncTaskRepository owns the sync_task audit table. Status changes are
// guarded in SQL so a task can only move PENDING -> RUNNING -> SUCCESS|FAILED.
type SyncTaskRepository struct {
	pool DatabasePool
}

func NewSyncTaskRepository(pool DatabasePool) *SyncTaskRepository {
	return &SyncTaskRepository{pool: pool}
}

func scanSyncTask(row pgx.Row) (*models.SyncTask, error) {
	var t models.SyncTask
	var errMsg *string
	err := row.Scan(
		&t.ID, &t.SymbolID, &t.Interval, &t.TaskType, &t.Status, &t.StartTime, &t.EndTime,
		&t.SyncedCount, &t.RetryCount, &t.MaxRetries, &errMsg, &t.StartedAt, &t.FinishedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	return &t, nil
}

// Create inserts a PENDING task and returns it with its id.
func (r *SyncTaskRepository) Create(ctx context.Context, task *models.SyncTask) (*models.SyncTask, error) {
	query := `
		INSERT INTO sync_task (symbol_id, interval, task_type, status, start_time, end_time,
			synced_count, retry_count, max_retries)
		VALUES ($1, $2, $3, 'PENDING', $4, $5, 0, 0, $6)
		RETURNING ` + syncTaskColumns

	created, err := scanSyncTask(r.pool.QueryRow(ctx, query,
		task.SymbolID, string(task.Interval), string(task.TaskType),
		task.StartTime, task.EndTime, task.MaxRetries,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync task: %w", err)
	}
	return created, nil
}

// Get returns a task by id.
func (r *SyncTaskRepository) Get(ctx context.Context, id int64) (*models.SyncTask, error) {
	query := `SELECT ` + syncTaskColumns + ` FROM sync_task WHERE id = $1`

	task, err := scanSyncTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("sync task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return task, nil
}

// List returns tasks matching the filter, newest first.
func (r *SyncTaskRepository) List(ctx context.Context, filter models.TaskFilter) ([]models.SyncTask, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + syncTaskColumns + ` FROM sync_task
		WHERE ($1 = 0 OR symbol_id = $1)
		  AND ($2 = '' OR task_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := r.pool.Query(ctx, query, filter.SymbolID, string(filter.TaskType), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync tasks: %w", err)
	}
	defer rows.Close()

	var out []models.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *SyncTaskRepository) transition(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s sync task: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s sync task %v: %w", op, args[0], ErrInvalidTransition)
	}
	return nil
}

// Start moves a PENDING task to RUNNING.
func (r *SyncTaskRepository) Start(ctx context.Context, id int64) error {
	return r.transition(ctx, "start", `
		UPDATE sync_task
		SET status = 'RUNNING', started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'PENDING'
	`, id)
}

// UpdateProgress records the running synced count of a RUNNING task.
func (r *SyncTaskRepository) UpdateProgress(ctx context.Context, id int64, synced int64) error {
	return r.transition(ctx, "update progress of", `
		UPDATE sync_task
		SET synced_count = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'RUNNING'
	`, id, synced)
}

// Complete finalizes a RUNNING task as SUCCESS.
func (r *SyncTaskRepository) Complete(ctx context.Context, id int64, synced int64) error {
	return r.transition(ctx, "complete", `
		UPDATE sync_task
		SET status = 'SUCCESS', synced_count = $2, finished_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'RUNNING'
	`, id, synced)
}

// Fail finalizes a RUNNING task as FAILED with the error text.
func (r *SyncTaskRepository) Fail(ctx context.Context, id int64, synced int64, message string) error {
	return r.transition(ctx, "fail", `
		UPDATE sync_task
		SET status = 'FAILED', synced_count = $2, error_message = $3,
			finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'RUNNING'
	`, id, synced, message)
}

// FailInterrupted fails PENDING and RUNNING tasks last touched before the
// cutoff. Tasks run in-process, so at startup these belong to a previous
// run that will never finish them.
func (r *SyncTaskRepository) FailInterrupted(ctx context.Context, before time.Time, message string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_task
		SET status = 'FAILED', error_message = $2, finished_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('PENDING', 'RUNNING') AND updated_at < $1
	`, before, message)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted sync tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeFinished deletes terminal tasks that finished before the cutoff.
func (r *SyncTaskRepository) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM sync_task
		WHERE status IN ('SUCCESS', 'FAILED') AND finished_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of tasks per status.
func (r *SyncTaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_task GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int64)
	for rows.Next() {
		var status models.TaskStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
