package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/jackc/pgx/v5"
)

const syncStatusColumns = `id, symbol_id, interval, last_sync_time, last_kline_time, total_klines,
	auto_gap_fill_enabled, created_at, updated_at`

// SyncStatusRepository owns the per-series progress records.
type SyncStatusRepository struct {
	pool DatabasePool
}

func NewSyncStatusRepository(pool DatabasePool) *SyncStatusRepository {
	return &SyncStatusRepository{pool: pool}
}

func scanSyncStatus(row pgx.Row) (*models.SyncStatus, error) {
	var s models.SyncStatus
	err := row.Scan(
		&s.ID, &s.SymbolID, &s.Interval, &s.LastSyncTime, &s.LastKlineTime,
		&s.TotalKlines, &s.AutoGapFillEnabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the status of a series, or nil when none exists yet.
func (r *SyncStatusRepository) Get(ctx context.Context, series models.Series) (*models.SyncStatus, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status WHERE symbol_id = $1 AND interval = $2`

	status, err := scanSyncStatus(r.pool.QueryRow(ctx, query, series.SymbolID, string(series.Interval)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

// ListBySymbol returns every status record of a symbol, or all records when
// symbolID is zero.
func (r *SyncStatusRepository) ListBySymbol(ctx context.Context, symbolID int64) ([]models.SyncStatus, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status
		WHERE ($1 = 0 OR symbol_id = $1)
		ORDER BY symbol_id, interval`

	rows, err := r.pool.Query(ctx, query, symbolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	defer rows.Close()

	var out []models.SyncStatus
	for rows.Next() {
		s, err := scanSyncStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Advance records a successful write. The status row is created on first
// use, last_kline_time only ever moves forward and total_klines grows by the
// number of newly inserted candles.
func (r *SyncStatusRepository) Advance(ctx context.Context, series models.Series, lastKlineTime *time.Time, inserted int64) error {
	query := `
		INSERT INTO sync_status (symbol_id, interval, last_sync_time, last_kline_time, total_klines, auto_gap_fill_enabled)
		VALUES ($1, $2, CURRENT_TIMESTAMP, $3, $4, false)
		ON CONFLICT (symbol_id, interval) DO UPDATE SET
			last_sync_time = CURRENT_TIMESTAMP,
			last_kline_time = GREATEST(sync_status.last_kline_time, EXCLUDED.last_kline_time),
			total_klines = sync_status.total_klines + EXCLUDED.total_klines,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.pool.Exec(ctx, query, series.SymbolID, string(series.Interval), lastKlineTime, inserted); err != nil {
		return fmt.Errorf("failed to advance sync status: %w", err)
	}
	return nil
}

// SetAutoGapFill switches automatic gap filling for one series.
func (r *SyncStatusRepository) SetAutoGapFill(ctx context.Context, series models.Series, enabled bool) error {
	query := `
		INSERT INTO sync_status (symbol_id, interval, total_klines, auto_gap_fill_enabled)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (symbol_id, interval) DO UPDATE SET
			auto_gap_fill_enabled = EXCLUDED.auto_gap_fill_enabled,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.pool.Exec(ctx, query, series.SymbolID, string(series.Interval), enabled); err != nil {
		return fmt.Errorf("failed to set auto gap fill: %w", err)
	}
	return nil
}
