package services

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// KlineService is the single write path for candles. Backfill, gap fill and
// realtime ingestion all save through it so the series status stays exact.
type KlineService struct {
	candles CandleStore
	status  StatusStore
	logger  *logrus.Entry
}

func NewKlineService(candles CandleStore, status StatusStore, logger *logrus.Logger) *KlineService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KlineService{
		candles: candles,
		status:  status,
		logger:  logger.WithField("component", "kline_service"),
	}
}

// Save upserts candles of one series and advances its status by the number
// of newly inserted rows.
func (s *KlineService) Save(ctx context.Context, series models.Series, candles []models.Candle) (models.SaveResult, error) {
	if len(candles) == 0 {
		return models.SaveResult{}, nil
	}
	for i := range candles {
		c := &candles[i]
		if c.SymbolID != series.SymbolID || c.Interval != series.Interval {
			return models.SaveResult{}, utils.NewValidationErrorf(
				"candle %d/%s does not belong to series %s", c.SymbolID, c.Interval, series)
		}
		if err := c.Validate(); err != nil {
			return models.SaveResult{}, utils.NewValidationError(err.Error())
		}
	}

	result, err := s.candles.Upsert(ctx, candles)
	if err != nil {
		return models.SaveResult{}, err
	}
	if err := s.Advance(ctx, series, result.MaxOpenTime, result.Inserted); err != nil {
		return result, err
	}
	return result, nil
}

// Advance moves the series status forward. The stored last candle time
// never moves backward.
func (s *KlineService) Advance(ctx context.Context, series models.Series, maxOpenTime *time.Time, inserted int64) error {
	if err := s.status.Advance(ctx, series, maxOpenTime, inserted); err != nil {
		return fmt.Errorf("failed to advance sync status of %s: %w", series, err)
	}
	return nil
}

// Query returns stored candles of a series. A zero end means now and a
// zero start covers limit candles back from end.
func (s *KlineService) Query(ctx context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error) {
	if !series.Interval.Valid() {
		return nil, utils.NewValidationErrorf("unsupported interval %q", series.Interval)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-time.Duration(limit) * series.Interval.Step())
	}
	if start.After(end) {
		return nil, utils.NewValidationError("start must not be after end")
	}
	return s.candles.Find(ctx, series, start, end, limit)
}

// Status returns the status records of a symbol, or of every symbol when
// symbolID is zero.
func (s *KlineService) Status(ctx context.Context, symbolID int64) ([]models.SyncStatus, error) {
	return s.status.ListBySymbol(ctx, symbolID)
}

// DeleteSeries removes a whole series. Overlapping gaps go with it and the
// status is reset.
func (s *KlineService) DeleteSeries(ctx context.Context, series models.Series) (database.DeleteResult, error) {
	if !series.Interval.Valid() {
		return database.DeleteResult{}, utils.NewValidationErrorf("unsupported interval %q", series.Interval)
	}
	result, err := s.candles.DeleteSeries(ctx, series)
	if err != nil {
		return result, err
	}
	s.logDelete(series.String(), result)
	return result, nil
}

// DeleteRange removes candles of a series with open time in [start, end].
func (s *KlineService) DeleteRange(ctx context.Context, series models.Series, start, end time.Time) (database.DeleteResult, error) {
	if !series.Interval.Valid() {
		return database.DeleteResult{}, utils.NewValidationErrorf("unsupported interval %q", series.Interval)
	}
	if start.IsZero() || end.IsZero() || start.After(end) {
		return database.DeleteResult{}, utils.NewValidationError("a start no later than end is required")
	}
	result, err := s.candles.DeleteRange(ctx, series, start, end)
	if err != nil {
		return result, err
	}
	s.logDelete(series.String(), result)
	return result, nil
}

// DeleteSymbol removes every series of a symbol.
func (s *KlineService) DeleteSymbol(ctx context.Context, symbolID int64) (database.DeleteResult, error) {
	if symbolID <= 0 {
		return database.DeleteResult{}, utils.NewValidationError("symbol id is required")
	}
	result, err := s.candles.DeleteSymbol(ctx, symbolID)
	if err != nil {
		return result, err
	}
	s.logDelete(fmt.Sprintf("symbol %d", symbolID), result)
	return result, nil
}

func (s *KlineService) logDelete(scope string, result database.DeleteResult) {
	s.logger.WithFields(logrus.Fields{
		"scope":   scope,
		"candles": result.DeletedCandles,
		"gaps":    result.DeletedGaps,
	}).Info("Deleted candles")
}
