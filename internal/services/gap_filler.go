package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// FillOutcome is the result of one gap in a fill run.
type FillOutcome string

const (
	OutcomeFilled      FillOutcome = "FILLED"
	OutcomeFilledEmpty FillOutcome = "FILLED_EMPTY"
	OutcomeFailed      FillOutcome = "FAILED"
	OutcomeSkipped     FillOutcome = "SKIPPED"
)

// SkipReason says why a gap was not attempted.
type SkipReason string

const (
	SkipGlobalDisabled SkipReason = "GLOBAL_AUTO_FILL_DISABLED"
	SkipSeriesDisabled SkipReason = "SERIES_AUTO_FILL_DISABLED"
	SkipRetryExhausted SkipReason = "RETRY_EXHAUSTED"
	SkipIneligible     SkipReason = "SERIES_INELIGIBLE"
	SkipRejected       SkipReason = "REJECTED"
)

// FillResult reports one gap.
type FillResult struct {
	GapID   int64       `json:"gap_id"`
	Outcome FillOutcome `json:"outcome"`
	Reason  SkipReason  `json:"reason,omitempty"`
	TaskID  int64       `json:"task_id,omitempty"`
	Synced  int64       `json:"synced"`
	Error   string      `json:"error,omitempty"`
}

// BatchFillResult aggregates a batch or automatic fill run.
type BatchFillResult struct {
	Disabled          bool         `json:"disabled,omitempty"`
	Results           []FillResult `json:"results"`
	SuccessCount      int          `json:"success_count"`
	FailureCount      int          `json:"failure_count"`
	SkipCount         int          `json:"skip_count"`
	TotalSyncedKlines int64        `json:"total_synced_klines"`
}

func (r *BatchFillResult) add(res FillResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeFilled, OutcomeFilledEmpty:
		r.SuccessCount++
		r.TotalSyncedKlines += res.Synced
	case OutcomeFailed:
		r.FailureCount++
	case OutcomeSkipped:
		r.SkipCount++
	}
}

// GapFiller re-fetches the candles of detected gaps.
type GapFiller struct {
	filter   *SyncFilter
	clients  ClientProvider
	gaps     GapStore
	status   StatusStore
	config   *SystemConfigService
	tasks    *taskTracker
	pipeline *candlePipeline
	logger   *logrus.Entry
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGapFiller(filter *SyncFilter, clients ClientProvider, klines *KlineService, gaps GapStore, status StatusStore,
	tasks TaskStore, cfg *SystemConfigService, pageLimit int, logger *logrus.Logger) *GapFiller {

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "gap_filler")
	return &GapFiller{
		filter:   filter,
		clients:  clients,
		gaps:     gaps,
		status:   status,
		config:   cfg,
		tasks:    newTaskTracker(tasks, entry),
		pipeline: newCandlePipeline(klines, DefaultSegmentSpan, pageLimit, entry),
		logger:   entry,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fill claims a PENDING gap and fetches its candles. A fetch failure
// returns the gap to PENDING, or to FAILED once its retries are spent.
func (f *GapFiller) Fill(ctx context.Context, gapID int64) (result *FillResult, err error) {
	gap, err := f.gaps.Get(ctx, gapID)
	if err != nil {
		return nil, err
	}
	if gap.Status != models.GapPending {
		return nil, utils.NewValidationErrorf("gap %d is %s, only PENDING gaps can be filled", gap.ID, gap.Status)
	}
	maxRetries := f.config.GapFillMaxRetry()
	if gap.RetryCount >= maxRetries {
		return nil, utils.NewValidationErrorf("gap %d has used %d of %d retries", gap.ID, gap.RetryCount, maxRetries)
	}

	series := gap.Series()
	target, err := f.filter.Resolve(ctx, series.SymbolID, series.Interval, SyncHistory)
	if err != nil {
		return nil, err
	}
	client, err := f.clients.ClientFor(&target.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for data source %d: %w", target.DataSource.ID, err)
	}

	ctx, span := telemetry.StartSeriesSpan(ctx, "gaps.fill", series.SymbolID, series.Interval.String(),
		telemetry.AttrGapID.Int64(gap.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	task, err := f.tasks.begin(ctx, series, models.TaskGapFill, &gap.GapStart, &gap.GapEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to create gap fill task: %w", err)
	}

	if err := f.gaps.MarkFilling(ctx, gap.ID); err != nil {
		f.tasks.finish(ctx, task.ID, 0, err)
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil, utils.NewValidationErrorf("gap %d is no longer pending", gap.ID)
		}
		return nil, err
	}

	result = &FillResult{GapID: gap.ID, TaskID: task.ID}
	saved, _, runErr := f.pipeline.run(ctx, client, target.Symbol.Symbol, series, gap.GapStart, gap.GapEnd, func(synced int64) {
		f.tasks.progress(ctx, task.ID, synced)
	})
	result.Synced = saved.Total()

	if runErr != nil {
		result.Outcome = OutcomeFailed
		result.Error = runErr.Error()
		f.recordFailure(ctx, gap, maxRetries, runErr)
		f.tasks.finish(ctx, task.ID, result.Synced, runErr)
		return result, fmt.Errorf("gap %d fill failed: %w", gap.ID, runErr)
	}

	status := models.GapFilled
	result.Outcome = OutcomeFilled
	if result.Synced == 0 {
		status = models.GapFilledEmpty
		result.Outcome = OutcomeFilledEmpty
	}
	if err := f.gaps.MarkResolved(context.WithoutCancel(ctx), gap.ID, status); err != nil {
		f.tasks.finish(ctx, task.ID, result.Synced, err)
		return result, fmt.Errorf("failed to resolve gap %d: %w", gap.ID, err)
	}
	f.tasks.finish(ctx, task.ID, result.Synced, nil)

	f.logger.WithFields(logrus.Fields{
		"gap_id": gap.ID,
		"series": series.String(),
		"status": status,
		"synced": result.Synced,
	}).Info("Gap filled")
	return result, nil
}

// recordFailure counts the attempt even when ctx was cancelled so the gap
// never stays FILLING.
func (f *GapFiller) recordFailure(ctx context.Context, gap *models.DataGap, maxRetries int, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	updated, err := f.gaps.RecordFailure(rctx, gap.ID, maxRetries, truncateError(cause.Error()))
	if err != nil {
		f.logger.WithError(err).WithField("gap_id", gap.ID).Error("Failed to record gap fill failure")
		return
	}
	f.logger.WithError(cause).WithFields(logrus.Fields{
		"gap_id":      gap.ID,
		"status":      updated.Status,
		"retry_count": updated.RetryCount,
		"max_retries": maxRetries,
	}).Warn("Gap fill attempt failed")
}

// BatchFill fills gaps one at a time, pausing sync.gap_fill.interval_ms
// between them.
func (f *GapFiller) BatchFill(ctx context.Context, gapIDs []int64) (*BatchFillResult, error) {
	if len(gapIDs) == 0 {
		return nil, utils.NewValidationError("at least one gap id is required")
	}
	out := &BatchFillResult{Results: make([]FillResult, 0, len(gapIDs))}
	for i, id := range gapIDs {
		if i > 0 {
			if err := f.sleep(ctx, f.config.GapFillInterval()); err != nil {
				return out, err
			}
		}
		out.add(f.fillOne(ctx, id))
	}
	return out, nil
}

func (f *GapFiller) fillOne(ctx context.Context, gapID int64) FillResult {
	res, err := f.Fill(ctx, gapID)
	if err == nil {
		return *res
	}
	if res != nil {
		return *res
	}
	if utils.IsValidationError(err) {
		return FillResult{GapID: gapID, Outcome: OutcomeSkipped, Reason: SkipRejected, Error: err.Error()}
	}
	return FillResult{GapID: gapID, Outcome: OutcomeFailed, Error: err.Error()}
}

// AutoFill fills the oldest PENDING gaps when automatic filling is on both
// globally and for the gap's series.
func (f *GapFiller) AutoFill(ctx context.Context) (*BatchFillResult, error) {
	if !f.config.GapFillAuto() {
		return &BatchFillResult{Disabled: true, Results: []FillResult{}}, nil
	}

	pending, err := f.gaps.ListPending(ctx, f.config.GapFillBatchSize())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending gaps: %w", err)
	}

	out := &BatchFillResult{Results: make([]FillResult, 0, len(pending))}
	attempted := 0
	for i := range pending {
		gap := &pending[i]
		reason, err := f.autoFillGate(ctx, gap)
		if err != nil {
			out.add(FillResult{GapID: gap.ID, Outcome: OutcomeFailed, Error: err.Error()})
			continue
		}
		if reason != "" {
			out.add(FillResult{GapID: gap.ID, Outcome: OutcomeSkipped, Reason: reason})
			continue
		}

		if attempted > 0 {
			if err := f.sleep(ctx, f.config.GapFillInterval()); err != nil {
				return out, err
			}
		}
		attempted++
		out.add(f.fillOne(ctx, gap.ID))
	}

	if len(out.Results) > 0 {
		f.logger.WithFields(logrus.Fields{
			"filled":  out.SuccessCount,
			"failed":  out.FailureCount,
			"skipped": out.SkipCount,
			"candles": out.TotalSyncedKlines,
		}).Info("Automatic gap fill finished")
	}
	return out, nil
}

// autoFillGate evaluates the global and per-series switches once, then the
// retry budget and eligibility. An empty reason means the gap may be filled.
func (f *GapFiller) autoFillGate(ctx context.Context, gap *models.DataGap) (SkipReason, error) {
	if !f.config.GapFillAuto() {
		return SkipGlobalDisabled, nil
	}
	status, err := f.status.Get(ctx, gap.Series())
	if err != nil {
		return "", fmt.Errorf("failed to load sync status: %w", err)
	}
	if status == nil || !status.AutoGapFillEnabled {
		return SkipSeriesDisabled, nil
	}
	if gap.RetryCount >= f.config.GapFillMaxRetry() {
		return SkipRetryExhausted, nil
	}
	if _, err := f.filter.Resolve(ctx, gap.SymbolID, gap.Interval, SyncHistory); err != nil {
		if utils.IsValidationError(err) || utils.IsNotFound(err) {
			return SkipIneligible, nil
		}
		return "", err
	}
	return "", nil
}

// ResetFailed gives a FAILED gap a fresh retry budget.
func (f *GapFiller) ResetFailed(ctx context.Context, gapID int64) (*models.DataGap, error) {
	if err := f.gaps.ResetFailed(ctx, gapID); err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil, utils.NewValidationErrorf("gap %d is not FAILED", gapID)
		}
		return nil, err
	}
	return f.gaps.Get(ctx, gapID)
}

// SetAutoGapFill switches automatic filling for one series.
func (f *GapFiller) SetAutoGapFill(ctx context.Context, symbolID int64, interval models.Interval, enabled bool) error {
	if !interval.Valid() {
		return utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	if _, err := f.filter.catalog.FindSymbol(ctx, symbolID); err != nil {
		return err
	}
	return f.status.SetAutoGapFill(ctx, models.Series{SymbolID: symbolID, Interval: interval}, enabled)
}
