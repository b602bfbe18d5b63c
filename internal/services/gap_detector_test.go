package services

import (
	"context"
	"testing"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGapBetween(t *testing.T) {
	series := models.Series{SymbolID: 1, Interval: models.Interval1h}

	_, ok := gapBetween(series, t0, t0.Add(time.Hour))
	assert.False(t, ok, "consecutive candles leave no gap")

	gap, ok := gapBetween(series, t0, t0.Add(3*time.Hour))
	require.True(t, ok)
	assert.True(t, gap.GapStart.Equal(t0.Add(time.Hour)))
	assert.True(t, gap.GapEnd.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, int64(2), gap.MissingCount)
	assert.Equal(t, models.GapPending, gap.Status)
}

func TestGapDetector_DetectSingleGap(t *testing.T) {
	env := newTestEnv(t, nil)
	series := models.Series{SymbolID: 7, Interval: models.Interval1h}
	env.db.seedCandles(series, t0, t0.Add(time.Hour), t0.Add(4*time.Hour), t0.Add(5*time.Hour))

	res, err := env.detector.Detect(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Gaps, 1)

	gap := res.Gaps[0]
	assert.True(t, gap.GapStart.Equal(t0.Add(2*time.Hour)))
	assert.True(t, gap.GapEnd.Equal(t0.Add(3*time.Hour)))
	assert.Equal(t, int64(2), gap.MissingCount)
}

func TestGapDetector_MultipleGaps(t *testing.T) {
	env := newTestEnv(t, nil)
	series := models.Series{SymbolID: 7, Interval: models.Interval5m}
	env.db.seedCandles(series,
		t0,
		t0.Add(10*time.Minute),
		t0.Add(15*time.Minute),
		t0.Add(45*time.Minute),
	)

	res, err := env.detector.Detect(context.Background(), 7, models.Interval5m)
	require.NoError(t, err)
	require.Len(t, res.Gaps, 2)
	assert.Equal(t, int64(1), res.Gaps[0].MissingCount)
	assert.Equal(t, int64(5), res.Gaps[1].MissingCount)
}

func TestGapDetector_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	series := models.Series{SymbolID: 7, Interval: models.Interval1h}
	env.db.seedCandles(series, t0, t0.Add(3*time.Hour))

	first, err := env.detector.Detect(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := env.detector.Detect(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Found)
	assert.Zero(t, second.Inserted)
	assert.Empty(t, second.Gaps)

	count, err := memGaps{env.db}.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGapDetector_ContiguousAndEmptySeries(t *testing.T) {
	env := newTestEnv(t, nil)
	series := models.Series{SymbolID: 7, Interval: models.Interval1h}
	env.db.seedCandles(series, t0, t0.Add(time.Hour), t0.Add(2*time.Hour))

	res, err := env.detector.Detect(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.Zero(t, res.Found)

	res, err = env.detector.Detect(context.Background(), 8, models.Interval1h)
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.NotNil(t, res.Gaps)
}

func TestGapDetector_RejectsUnsupportedInterval(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.detector.Detect(context.Background(), 7, models.Interval("7m"))
	assert.True(t, utils.IsValidationError(err))

	_, err = env.detector.DetectSymbol(context.Background(), 7, "7m")
	assert.True(t, utils.IsValidationError(err))

	_, err = env.detector.ListGaps(context.Background(), models.GapFilter{Interval: "7m"})
	assert.True(t, utils.IsValidationError(err))
}

func TestGapDetector_DetectSymbolUsesConfiguredIntervals(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h,4h"))
	env.db.seedCandles(models.Series{SymbolID: 7, Interval: models.Interval1h}, t0, t0.Add(2*time.Hour))
	env.db.seedCandles(models.Series{SymbolID: 7, Interval: models.Interval4h}, t0, t0.Add(12*time.Hour))

	results, err := env.detector.DetectSymbol(context.Background(), 7, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.Interval1h, results[0].Series.Interval)
	assert.Equal(t, 1, results[0].Inserted)
	assert.Equal(t, int64(2), results[1].Gaps[0].MissingCount)
}

func TestGapDetector_DetectAll(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(1, "BTCUSDT", "1h"))
	env.db.addTarget(testTarget(2, "ETHUSDT", "1h,1d"))
	disabled := testTarget(3, "XRPUSDT", "1h")
	disabled.Symbol.HistorySyncEnabled = false
	env.db.addTarget(disabled)

	env.db.seedCandles(models.Series{SymbolID: 1, Interval: models.Interval1h}, t0, t0.Add(3*time.Hour))
	env.db.seedCandles(models.Series{SymbolID: 3, Interval: models.Interval1h}, t0, t0.Add(3*time.Hour))

	summary, err := env.detector.DetectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SymbolCount)
	assert.Equal(t, 3, summary.IntervalCount)
	assert.Equal(t, 1, summary.NewGapCount)
	assert.Equal(t, int64(1), summary.TotalGapCount)
	assert.Empty(t, summary.Errors)
}
