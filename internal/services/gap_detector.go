package services

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// DetectResult reports one series scan.
type DetectResult struct {
	Series   models.Series    `json:"series"`
	Found    int              `json:"found"`
	Inserted int              `json:"inserted"`
	Gaps     []models.DataGap `json:"gaps"`
}

// DetectAllSummary aggregates a DetectAll run.
type DetectAllSummary struct {
	SymbolCount   int      `json:"symbol_count"`
	IntervalCount int      `json:"interval_count"`
	NewGapCount   int      `json:"new_gap_count"`
	TotalGapCount int64    `json:"total_gap_count"`
	Errors        []string `json:"errors,omitempty"`
}

// GapDetector finds runs of missing candles in stored series.
type GapDetector struct {
	filter  *SyncFilter
	candles CandleStore
	gaps    GapStore
	logger  *logrus.Entry
}

func NewGapDetector(filter *SyncFilter, candles CandleStore, gaps GapStore, logger *logrus.Logger) *GapDetector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GapDetector{
		filter:  filter,
		candles: candles,
		gaps:    gaps,
		logger:  logger.WithField("component", "gap_detector"),
	}
}

// gapBetween returns the missing span between two consecutive open times.
func gapBetween(series models.Series, prev, next time.Time) (models.DataGap, bool) {
	missing := series.Interval.CandlesBetween(prev, next)
	if missing <= 0 {
		return models.DataGap{}, false
	}
	return models.DataGap{
		SymbolID:     series.SymbolID,
		Interval:     series.Interval,
		GapStart:     series.Interval.Next(prev),
		GapEnd:       series.Interval.Prev(next),
		MissingCount: missing,
		Status:       models.GapPending,
	}, true
}

// Detect scans one series and records every gap that does not overlap a
// gap already on file. Running it again finds nothing new.
func (d *GapDetector) Detect(ctx context.Context, symbolID int64, interval models.Interval) (result *DetectResult, err error) {
	if !interval.Valid() {
		return nil, utils.NewValidationErrorf("unsupported interval %q", interval)
	}
	series := models.Series{SymbolID: symbolID, Interval: interval}
	ctx, span := telemetry.StartSeriesSpan(ctx, "gaps.detect", symbolID, interval.String())
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		candidates []models.DataGap
		prev       time.Time
	)
	err = d.candles.StreamOpenTimes(ctx, series, func(openTime time.Time) error {
		if !prev.IsZero() {
			if gap, ok := gapBetween(series, prev, openTime); ok {
				candidates = append(candidates, gap)
			}
		}
		prev = openTime
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan open times of %s: %w", series, err)
	}

	result = &DetectResult{Series: series, Found: len(candidates), Gaps: []models.DataGap{}}
	for _, gap := range candidates {
		inserted, err := d.gaps.InsertIfNoOverlap(ctx, gap)
		if err != nil {
			return result, fmt.Errorf("failed to record gap of %s: %w", series, err)
		}
		if inserted != nil {
			result.Inserted++
			result.Gaps = append(result.Gaps, *inserted)
		}
	}

	span.SetAttributes(telemetry.AttrCount.Int64(int64(result.Inserted)))
	if result.Found > 0 {
		d.logger.WithFields(logrus.Fields{
			"series":   series.String(),
			"found":    result.Found,
			"inserted": result.Inserted,
		}).Info("Gap detection completed")
	}
	return result, nil
}

// DetectSymbol scans one interval of a symbol, or all of its intervals when
// interval is empty.
func (d *GapDetector) DetectSymbol(ctx context.Context, symbolID int64, interval string) ([]DetectResult, error) {
	var intervals []models.Interval
	if interval != "" {
		iv, err := models.ParseInterval(interval)
		if err != nil {
			return nil, utils.NewValidationError(err.Error())
		}
		intervals = []models.Interval{iv}
	} else {
		target, err := d.filter.catalog.FindTarget(ctx, symbolID)
		if err != nil {
			return nil, err
		}
		intervals = d.filter.ValidIntervals(&target.Symbol)
	}

	results := make([]DetectResult, 0, len(intervals))
	for _, iv := range intervals {
		res, err := d.Detect(ctx, symbolID, iv)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// DetectAll scans every history-enabled series. Errors are collected per
// series.
func (d *GapDetector) DetectAll(ctx context.Context) (*DetectAllSummary, error) {
	targets, err := d.filter.GapDetectTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list gap detect targets: %w", err)
	}

	summary := &DetectAllSummary{}
	for i := range targets {
		target := &targets[i]
		summary.SymbolCount++
		for _, iv := range target.Intervals() {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.IntervalCount++
			res, err := d.Detect(ctx, target.Symbol.ID, iv)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s %s: %v", target.Symbol.Symbol, iv, err))
				d.logger.WithError(err).WithFields(logrus.Fields{
					"symbol":   target.Symbol.Symbol,
					"interval": iv,
				}).Warn("Gap detection failed")
				continue
			}
			summary.NewGapCount += res.Inserted
		}
	}

	total, err := d.gaps.Count(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to count gaps: %w", err)
	}
	summary.TotalGapCount = total

	d.logger.WithFields(logrus.Fields{
		"symbols":   summary.SymbolCount,
		"intervals": summary.IntervalCount,
		"new_gaps":  summary.NewGapCount,
		"total":     summary.TotalGapCount,
	}).Info("Gap detection run finished")
	return summary, nil
}

// ListGaps returns gaps matching the filter.
func (d *GapDetector) ListGaps(ctx context.Context, filter models.GapFilter) ([]models.DataGap, error) {
	if filter.Interval != "" && !models.Interval(filter.Interval).Valid() {
		return nil, utils.NewValidationErrorf("unsupported interval %q", filter.Interval)
	}
	return d.gaps.List(ctx, filter)
}

func (d *GapDetector) GetGap(ctx context.Context, id int64) (*models.DataGap, error) {
	return d.gaps.Get(ctx, id)
}
