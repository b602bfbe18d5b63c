package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/jackc/pgx/v5"
)

// UpsertChunkSize is the number of candles written per INSERT statement.
const UpsertChunkSize = 500

const candleColumns = `symbol_id, interval, open_time, close_time, open_price, high_price, low_price,
	close_price, volume, quote_volume, trade_count, taker_buy_base_volume, taker_buy_quote_volume`

const candleColumnCount = 13

// DeleteResult reports a candle deletion and the series state it left behind.
type DeleteResult struct {
	DeletedCandles int64 `json:"deleted_candles"`
	DeletedGaps    int64 `json:"deleted_gaps"`
}

// CandleRepository owns the kline table.
type CandleRepository struct {
	pool DatabasePool
}

func NewCandleRepository(pool DatabasePool) *CandleRepository {
	return &CandleRepository{pool: pool}
}

// Upsert writes candles in one transaction, in chunks of UpsertChunkSize.
// Inserted and updated rows are counted separately so callers can keep
// running totals exact.
func (r *CandleRepository) Upsert(ctx context.Context, candles []models.Candle) (models.SaveResult, error) {
	var result models.SaveResult
	if len(candles) == 0 {
		return result, nil
	}

	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for start := 0; start < len(candles); start += UpsertChunkSize {
			end := start + UpsertChunkSize
			if end > len(candles) {
				end = len(candles)
			}
			chunk, err := upsertChunk(ctx, tx, candles[start:end])
			if err != nil {
				return err
			}
			result.Add(chunk)
		}
		return nil
	})
	if err != nil {
		return models.SaveResult{}, fmt.Errorf("failed to upsert candles: %w", err)
	}
	return result, nil
}

func upsertChunk(ctx context.Context, q Querier, candles []models.Candle) (models.SaveResult, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO kline (")
	sb.WriteString(candleColumns)
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(candles)*candleColumnCount)
	for i, c := range candles {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * candleColumnCount
		sb.WriteString("(")
		for j := 1; j <= candleColumnCount; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			c.SymbolID, string(c.Interval), c.OpenTime.UTC(), c.CloseTime.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume,
			c.TradeCount, c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume,
		)
	}
	sb.WriteString(`
		ON CONFLICT (symbol_id, interval, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open_price = EXCLUDED.open_price,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trade_count = EXCLUDED.trade_count,
			taker_buy_base_volume = EXCLUDED.taker_buy_base_volume,
			taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
			updated_at = CURRENT_TIMESTAMP
		RETURNING open_time, (xmax = 0) AS inserted`)

	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return models.SaveResult{}, err
	}
	defer rows.Close()

	var result models.SaveResult
	for rows.Next() {
		var openTime time.Time
		var inserted bool
		if err := rows.Scan(&openTime, &inserted); err != nil {
			return models.SaveResult{}, err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
		if result.MaxOpenTime == nil || openTime.After(*result.MaxOpenTime) {
			t := openTime
			result.MaxOpenTime = &t
		}
	}
	return result, rows.Err()
}

// StreamOpenTimes calls fn with every open time of the series in ascending
// order without materializing the whole series.
func (r *CandleRepository) StreamOpenTimes(ctx context.Context, series models.Series, fn func(time.Time) error) error {
	query := `
		SELECT open_time FROM kline
		WHERE symbol_id = $1 AND interval = $2
		ORDER BY open_time ASC
	`

	rows, err := r.pool.Query(ctx, query, series.SymbolID, string(series.Interval))
	if err != nil {
		return fmt.Errorf("failed to stream open times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var openTime time.Time
		if err := rows.Scan(&openTime); err != nil {
			return fmt.Errorf("failed to scan open time: %w", err)
		}
		if err := fn(openTime); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Find returns candles of a series in [start, end], oldest first.
func (r *CandleRepository) Find(ctx context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + candleColumns + `
		FROM kline
		WHERE symbol_id = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC
		LIMIT $5
	`

	rows, err := r.pool.Query(ctx, query, series.SymbolID, string(series.Interval), start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(
			&c.SymbolID, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.QuoteVolume,
			&c.TradeCount, &c.TakerBuyBaseVolume, &c.TakerBuyQuoteVolume,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Closed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// DeleteRange removes candles of a series with open time in [start, end],
// drops gaps overlapping the range and recomputes the series status.
func (r *CandleRepository) DeleteRange(ctx context.Context, series models.Series, start, end time.Time) (DeleteResult, error) {
	var result DeleteResult
	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM kline
			WHERE symbol_id = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		`, series.SymbolID, string(series.Interval), start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		result.DeletedCandles = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			DELETE FROM data_gap
			WHERE symbol_id = $1 AND interval = $2 AND gap_start <= $4 AND gap_end >= $3
		`, series.SymbolID, string(series.Interval), start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		result.DeletedGaps = tag.RowsAffected()

		return recalculateStatus(ctx, tx, series)
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to delete candle range: %w", err)
	}
	return result, nil
}

// DeleteSeries removes every candle and gap of a series and resets its status.
func (r *CandleRepository) DeleteSeries(ctx context.Context, series models.Series) (DeleteResult, error) {
	var result DeleteResult
	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM kline WHERE symbol_id = $1 AND interval = $2`,
			series.SymbolID, string(series.Interval))
		if err != nil {
			return err
		}
		result.DeletedCandles = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM data_gap WHERE symbol_id = $1 AND interval = $2`,
			series.SymbolID, string(series.Interval))
		if err != nil {
			return err
		}
		result.DeletedGaps = tag.RowsAffected()

		return recalculateStatus(ctx, tx, series)
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to delete series: %w", err)
	}
	return result, nil
}

// DeleteSymbol removes every candle and gap of a symbol across intervals and
// resets all of its status records.
func (r *CandleRepository) DeleteSymbol(ctx context.Context, symbolID int64) (DeleteResult, error) {
	var result DeleteResult
	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM kline WHERE symbol_id = $1`, symbolID)
		if err != nil {
			return err
		}
		result.DeletedCandles = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM data_gap WHERE symbol_id = $1`, symbolID)
		if err != nil {
			return err
		}
		result.DeletedGaps = tag.RowsAffected()

		_, err = tx.Exec(ctx, `
			UPDATE sync_status
			SET last_kline_time = NULL, total_klines = 0, auto_gap_fill_enabled = false,
				updated_at = CURRENT_TIMESTAMP
			WHERE symbol_id = $1
		`, symbolID)
		return err
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to delete symbol candles: %w", err)
	}
	return result, nil
}

// recalculateStatus derives last_kline_time and total_klines from the table
// and switches auto gap fill off.
func recalculateStatus(ctx context.Context, q Querier, series models.Series) error {
	var lastKline *time.Time
	var total int64
	err := q.QueryRow(ctx, `
		SELECT MAX(open_time), COUNT(*) FROM kline WHERE symbol_id = $1 AND interval = $2
	`, series.SymbolID, string(series.Interval)).Scan(&lastKline, &total)
	if err != nil {
		return fmt.Errorf("failed to recalculate series status: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE sync_status
		SET last_kline_time = $3, total_klines = $4, auto_gap_fill_enabled = false,
			updated_at = CURRENT_TIMESTAMP
		WHERE symbol_id = $1 AND interval = $2
	`, series.SymbolID, string(series.Interval), lastKline, total)
	if err != nil {
		return fmt.Errorf("failed to reset series status: %w", err)
	}
	return nil
}
