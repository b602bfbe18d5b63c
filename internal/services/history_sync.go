package services

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// incrementalLookback is the window synced for a series with no candles yet.
const incrementalLookback = 24 * time.Hour

// SyncResult reports one completed range sync.
type SyncResult struct {
	TaskID   int64         `json:"task_id"`
	Series   models.Series `json:"series"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Segments int           `json:"segments"`
	Inserted int64         `json:"inserted"`
	Updated  int64         `json:"updated"`
	Synced   int64         `json:"synced"`
}

// SyncAllSummary aggregates a SyncAllIncremental run.
type SyncAllSummary struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Candles   int64    `json:"candles"`
	Errors    []string `json:"errors,omitempty"`
}

// HistorySyncService backfills series over REST.
type HistorySyncService struct {
	filter   *SyncFilter
	clients  ClientProvider
	status   StatusStore
	tasks    *taskTracker
	pipeline *candlePipeline
	breakers *CircuitBreakerManager
	logger   *logrus.Entry
	now      func() time.Time
}

func NewHistorySyncService(filter *SyncFilter, clients ClientProvider, klines *KlineService, status StatusStore,
	tasks TaskStore, cfg config.ExchangeConfig, logger *logrus.Logger) *HistorySyncService {

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "history_sync")
	segment := time.Duration(cfg.SegmentDays) * 24 * time.Hour

	return &HistorySyncService{
		filter:   filter,
		clients:  clients,
		status:   status,
		tasks:    newTaskTracker(tasks, entry),
		pipeline: newCandlePipeline(klines, segment, cfg.PageLimit, entry),
		breakers: NewCircuitBreakerManager(CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			Timeout:          5 * time.Minute,
			IsFailure:        exchange.IsTransportError,
		}, logger),
		logger: entry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SyncRange backfills [start, end] of one series.
func (s *HistorySyncService) SyncRange(ctx context.Context, symbolID int64, interval models.Interval, start, end time.Time) (*SyncResult, error) {
	if err := s.validateRange(interval, start, end); err != nil {
		return nil, err
	}
	target, err := s.filter.Resolve(ctx, symbolID, interval, SyncHistory)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, target, interval, start.UTC(), end.UTC())
}

func (s *HistorySyncService) validateRange(interval models.Interval, start, end time.Time) error {
	if !interval.Valid() {
		return utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	if start.IsZero() || end.IsZero() {
		return utils.NewValidationError("start and end time are required")
	}
	if start.After(end) {
		return utils.NewValidationError("start time must not be after end time")
	}
	if end.After(s.now()) {
		return utils.NewValidationError("end time must not be in the future")
	}
	return nil
}

// SyncIncremental syncs from the last stored candle to now. The last candle
// is fetched again so an in-progress candle gets its final values.
func (s *HistorySyncService) SyncIncremental(ctx context.Context, symbolID int64, interval models.Interval) (*SyncResult, error) {
	if !interval.Valid() {
		return nil, utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	target, err := s.filter.Resolve(ctx, symbolID, interval, SyncHistory)
	if err != nil {
		return nil, err
	}
	start, err := s.incrementalStart(ctx, models.Series{SymbolID: symbolID, Interval: interval})
	if err != nil {
		return nil, err
	}
	return s.run(ctx, target, interval, start, s.now())
}

func (s *HistorySyncService) incrementalStart(ctx context.Context, series models.Series) (time.Time, error) {
	status, err := s.status.Get(ctx, series)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load sync status of %s: %w", series, err)
	}
	if status == nil || status.LastKlineTime == nil {
		return s.now().Add(-incrementalLookback), nil
	}
	return status.LastKlineTime.UTC(), nil
}

// CatchUp backfills a series that was streaming from the given time to
// now. It requires realtime eligibility rather than the history switch.
func (s *HistorySyncService) CatchUp(ctx context.Context, symbolID int64, interval models.Interval, from time.Time) (*SyncResult, error) {
	target, err := s.filter.Resolve(ctx, symbolID, interval, SyncRealtime)
	if err != nil {
		return nil, err
	}
	end := s.now()
	if from.After(end) {
		from = end
	}
	return s.run(ctx, target, interval, from.UTC(), end)
}

// SyncAllIncremental runs SyncIncremental over every history target. A
// failing series never stops the run; a data source whose breaker opens has
// its remaining series skipped.
func (s *HistorySyncService) SyncAllIncremental(ctx context.Context) (*SyncAllSummary, error) {
	targets, err := s.filter.HistoryTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list history targets: %w", err)
	}

	summary := &SyncAllSummary{}
	for i := range targets {
		target := &targets[i]
		breaker := s.breakers.GetOrCreate(fmt.Sprintf("datasource:%d", target.DataSource.ID))

		for _, iv := range target.Intervals() {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Total++
			if !breaker.Allow() {
				summary.Skipped++
				continue
			}

			res, err := s.SyncIncremental(ctx, target.Symbol.ID, iv)
			breaker.Record(err)
			if err != nil {
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s %s: %v", target.Symbol.Symbol, iv, err))
				s.logger.WithError(err).WithFields(logrus.Fields{
					"symbol":   target.Symbol.Symbol,
					"interval": iv,
				}).Warn("Incremental sync failed")
				continue
			}
			summary.Succeeded++
			summary.Candles += res.Synced
		}
	}

	s.logger.WithFields(logrus.Fields{
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"candles":   summary.Candles,
	}).Info("Incremental history sync finished")
	return summary, nil
}

// BreakerStats exposes the per-source breaker state.
func (s *HistorySyncService) BreakerStats() map[string]CircuitBreakerStats {
	return s.breakers.GetAllStats()
}

func (s *HistorySyncService) run(ctx context.Context, target *models.SymbolTarget, interval models.Interval, start, end time.Time) (result *SyncResult, err error) {
	series := models.Series{SymbolID: target.Symbol.ID, Interval: interval}
	ctx, span := telemetry.StartSeriesSpan(ctx, "history.sync_range", series.SymbolID, interval.String())
	defer func() { telemetry.EndSpan(span, err) }()

	client, err := s.clients.ClientFor(&target.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for data source %d: %w", target.DataSource.ID, err)
	}

	task, err := s.tasks.begin(ctx, series, models.TaskHistory, &start, &end)
	if err != nil {
		return nil, fmt.Errorf("failed to create history task: %w", err)
	}
	span.SetAttributes(telemetry.AttrTaskID.Int64(task.ID))

	saved, segments, runErr := s.pipeline.run(ctx, client, target.Symbol.Symbol, series, start, end, func(synced int64) {
		s.tasks.progress(ctx, task.ID, synced)
	})
	s.tasks.finish(ctx, task.ID, saved.Total(), runErr)

	result = &SyncResult{
		TaskID:   task.ID,
		Series:   series,
		Start:    start,
		End:      end,
		Segments: segments,
		Inserted: saved.Inserted,
		Updated:  saved.Updated,
		Synced:   saved.Total(),
	}
	if runErr != nil {
		return result, fmt.Errorf("history sync of %s failed: %w", series, runErr)
	}

	s.logger.WithFields(logrus.Fields{
		"series":   series.String(),
		"symbol":   target.Symbol.Symbol,
		"segments": segments,
		"inserted": saved.Inserted,
		"updated":  saved.Updated,
	}).Info("History sync completed")
	return result, nil
}
