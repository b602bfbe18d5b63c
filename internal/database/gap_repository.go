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

const gapColumns = `id, symbol_id, interval, gap_start, gap_end, missing_count, status, retry_count,
	error_message, created_at, updated_at`

// GapRepository owns the data_gap table.
type GapRepository struct {
	pool DatabasePool
}

func NewGapRepository(pool DatabasePool) *GapRepository {
	return &GapRepository{pool: pool}
}

func scanGap(row pgx.Row) (*models.DataGap, error) {
	var g models.DataGap
	var errMsg *string
	err := row.Scan(
		&g.ID, &g.SymbolID, &g.Interval, &g.GapStart, &g.GapEnd, &g.MissingCount,
		&g.Status, &g.RetryCount, &errMsg, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		g.ErrorMessage = *errMsg
	}
	return &g, nil
}

// InsertIfNoOverlap records a PENDING gap unless any gap of the same series,
// in any status, already overlaps [GapStart, GapEnd]. Inserts of one series
// are serialized by a transaction-scoped advisory lock, so concurrent
// detectors cannot both pass the overlap check. It returns nil when nothing
// was inserted.
func (r *GapRepository) InsertIfNoOverlap(ctx context.Context, gap models.DataGap) (*models.DataGap, error) {
	query := `
		INSERT INTO data_gap (symbol_id, interval, gap_start, gap_end, missing_count, status, retry_count)
		SELECT $1, $2, $3, $4, $5, 'PENDING', 0
		WHERE NOT EXISTS (
			SELECT 1 FROM data_gap
			WHERE symbol_id = $1 AND interval = $2 AND gap_start <= $4 AND gap_end >= $3
		)
		RETURNING ` + gapColumns

	var inserted *models.DataGap
	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, gapLockKey(gap)); err != nil {
			return fmt.Errorf("failed to lock gap series: %w", err)
		}

		g, err := scanGap(tx.QueryRow(ctx, query,
			gap.SymbolID, string(gap.Interval), gap.GapStart.UTC(), gap.GapEnd.UTC(), gap.MissingCount,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert gap: %w", err)
		}
		inserted = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func gapLockKey(gap models.DataGap) string {
	return fmt.Sprintf("data_gap:%d:%s", gap.SymbolID, gap.Interval)
}

// Get returns a gap by id.
func (r *GapRepository) Get(ctx context.Context, id int64) (*models.DataGap, error) {
	gap, err := scanGap(r.pool.QueryRow(ctx, `SELECT `+gapColumns+` FROM data_gap WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("gap", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gap: %w", err)
	}
	return gap, nil
}

// List returns gaps matching the filter, oldest gap start first.
func (r *GapRepository) List(ctx context.Context, filter models.GapFilter) ([]models.DataGap, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := `SELECT ` + gapColumns + ` FROM data_gap
		WHERE ($1 = 0 OR symbol_id = $1)
		  AND ($2 = '' OR interval = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY gap_start ASC, id ASC
		LIMIT $4`

	return r.list(ctx, query, filter.SymbolID, filter.Interval, string(filter.Status), limit)
}

// ListPending returns up to limit PENDING gaps, oldest first.
func (r *GapRepository) ListPending(ctx context.Context, limit int) ([]models.DataGap, error) {
	query := `SELECT ` + gapColumns + ` FROM data_gap
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`

	return r.list(ctx, query, limit)
}

func (r *GapRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.DataGap, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list gaps: %w", err)
	}
	defer rows.Close()

	var out []models.DataGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// Count returns the number of gaps on file.
func (r *GapRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM data_gap`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count gaps: %w", err)
	}
	return n, nil
}

// MarkFilling claims a PENDING gap. It returns ErrInvalidTransition when the
// gap was not PENDING, so concurrent fillers cannot both claim it.
func (r *GapRepository) MarkFilling(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE data_gap SET status = 'FILLING', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark gap filling: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gap %d is not pending: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkResolved moves a FILLING gap to FILLED or FILLED_EMPTY.
func (r *GapRepository) MarkResolved(ctx context.Context, id int64, status models.GapStatus) error {
	if !status.Resolved() {
		return fmt.Errorf("status %s does not resolve a gap", status)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE data_gap SET status = $2, error_message = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'FILLING'
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to resolve gap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gap %d is not filling: %w", id, ErrInvalidTransition)
	}
	return nil
}

// RecordFailure counts a failed fill attempt on a FILLING gap. The gap goes
// back to PENDING, or to FAILED once retry_count reaches maxRetries. The
// updated gap is returned.
func (r *GapRepository) RecordFailure(ctx context.Context, id int64, maxRetries int, message string) (*models.DataGap, error) {
	query := `
		UPDATE data_gap SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END,
			error_message = $3,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'FILLING'
		RETURNING ` + gapColumns

	gap, err := scanGap(r.pool.QueryRow(ctx, query, id, maxRetries, message))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("gap %d is not filling: %w", id, ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record gap failure: %w", err)
	}
	return gap, nil
}

// ResetFailed moves a FAILED gap back to PENDING with a fresh retry budget.
func (r *GapRepository) ResetFailed(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE data_gap SET status = 'PENDING', retry_count = 0, error_message = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'FAILED'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset gap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gap %d is not failed: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ResetInterrupted returns FILLING gaps last touched before the cutoff to
// PENDING. The retry budget is left untouched.
func (r *GapRepository) ResetInterrupted(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE data_gap SET status = 'PENDING', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'FILLING' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted gaps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeResolved deletes FILLED and FILLED_EMPTY gaps last touched before the
// cutoff.
func (r *GapRepository) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM data_gap
		WHERE status IN ('FILLED', 'FILLED_EMPTY') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge gaps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of gaps per status.
func (r *GapRepository) CountByStatus(ctx context.Context) (map[models.GapStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM data_gap GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count gaps: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.GapStatus]int64)
	for rows.Next() {
		var status models.GapStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan gap count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
