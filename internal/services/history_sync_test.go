package services

import (
	"context"
	"testing"
	"time"

	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHistorySync_SyncRange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))
	series := models.Series{SymbolID: 7, Interval: models.Interval1h}
	end := t0.Add(5 * time.Hour)

	env.client.On("GetKlines", mock.Anything, "BTCUSDT", models.Interval1h, t0, end, 1000).
		Return(klinesBetween("BTCUSDT", models.Interval1h, t0, end), nil).Once()

	res, err := env.history.SyncRange(context.Background(), 7, models.Interval1h, t0, end)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Inserted)
	assert.Equal(t, int64(6), res.Synced)
	assert.Equal(t, 1, res.Segments)

	status := env.db.statusOf(series)
	require.NotNil(t, status)
	assert.Equal(t, int64(6), status.TotalKlines)
	require.NotNil(t, status.LastKlineTime)
	assert.True(t, status.LastKlineTime.Equal(end))

	tasks := env.db.allTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskHistory, tasks[0].TaskType)
	assert.Equal(t, models.TaskSuccess, tasks[0].Status)
	assert.Equal(t, int64(6), tasks[0].SyncedCount)
	env.client.AssertExpectations(t)
}

func TestHistorySync_ResyncCountsUpdates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))
	end := t0.Add(2 * time.Hour)

	env.client.On("GetKlines", mock.Anything, "BTCUSDT", models.Interval1h, t0, end, 1000).
		Return(klinesBetween("BTCUSDT", models.Interval1h, t0, end), nil).Twice()

	_, err := env.history.SyncRange(context.Background(), 7, models.Interval1h, t0, end)
	require.NoError(t, err)
	res, err := env.history.SyncRange(context.Background(), 7, models.Interval1h, t0, end)
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, int64(3), res.Updated)
	status := env.db.statusOf(models.Series{SymbolID: 7, Interval: models.Interval1h})
	assert.Equal(t, int64(3), status.TotalKlines)
}

func TestHistorySync_SegmentsLongRanges(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1d"))
	end := t0.Add(75 * 24 * time.Hour)

	var starts, ends []time.Time
	env.client.On("GetKlines", mock.Anything, "BTCUSDT", models.Interval1d, mock.Anything, mock.Anything, 1000).
		Run(func(args mock.Arguments) {
			starts = append(starts, args.Get(3).(time.Time))
			ends = append(ends, args.Get(4).(time.Time))
		}).
		Return([]exchange.Kline{}, nil)

	res, err := env.history.SyncRange(context.Background(), 7, models.Interval1d, t0, end)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Segments)

	require.Len(t, starts, 3)
	assert.True(t, starts[0].Equal(t0))
	for i := range starts {
		assert.LessOrEqual(t, ends[i].Sub(starts[i]), 30*24*time.Hour)
		if i > 0 {
			assert.True(t, starts[i].After(ends[i-1]), "segments must be ordered and disjoint")
		}
	}
	assert.True(t, ends[2].Equal(end))
}

func TestHistorySync_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))
	future := env.history.now().Add(time.Hour)

	tests := []struct {
		name     string
		interval models.Interval
		start    time.Time
		end      time.Time
	}{
		{"unsupported interval", models.Interval("2m"), t0, t0.Add(time.Hour)},
		{"start after end", models.Interval1h, t0.Add(time.Hour), t0},
		{"missing start", models.Interval1h, time.Time{}, t0},
		{"end in future", models.Interval1h, t0, future},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.history.SyncRange(context.Background(), 7, tt.interval, tt.start, tt.end)
			require.Error(t, err)
			assert.True(t, utils.IsValidationError(err))
		})
	}
	assert.Empty(t, env.db.allTasks())
	env.client.AssertNotCalled(t, "GetKlines", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHistorySync_RejectsIneligibleSeries(t *testing.T) {
	env := newTestEnv(t, nil)
	target := testTarget(7, "BTCUSDT", "1h")
	target.Symbol.HistorySyncEnabled = false
	env.db.addTarget(target)

	_, err := env.history.SyncRange(context.Background(), 7, models.Interval1h, t0, t0.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, utils.IsValidationError(err))

	_, err = env.history.SyncRange(context.Background(), 99, models.Interval1h, t0, t0.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, utils.IsNotFound(err))
	assert.Empty(t, env.db.allTasks())
}

func TestHistorySync_FailureMarksTaskFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))

	env.client.On("GetKlines", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errUpstream)

	res, err := env.history.SyncRange(context.Background(), 7, models.Interval1h, t0, t0.Add(time.Hour))
	require.ErrorIs(t, err, errUpstream)
	require.NotNil(t, res)

	tasks := env.db.allTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].ErrorMessage, "upstream unavailable")
}

func TestHistorySync_IncrementalWithoutStatusUsesLookback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))
	now := env.history.now()

	env.client.On("GetKlines", mock.Anything, "BTCUSDT", models.Interval1h, now.Add(-24*time.Hour), now, 1000).
		Return([]exchange.Kline{}, nil).Once()

	res, err := env.history.SyncIncremental(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.True(t, res.Start.Equal(now.Add(-24*time.Hour)))
	env.client.AssertExpectations(t)
}

func TestHistorySync_IncrementalResumesFromLastCandle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(7, "BTCUSDT", "1h"))
	series := models.Series{SymbolID: 7, Interval: models.Interval1h}
	last := env.history.now().Add(-3 * time.Hour)
	require.NoError(t, memStatus{env.db}.Advance(context.Background(), series, &last, 10))

	env.client.On("GetKlines", mock.Anything, "BTCUSDT", models.Interval1h, last, env.history.now(), 1000).
		Return([]exchange.Kline{}, nil).Once()

	res, err := env.history.SyncIncremental(context.Background(), 7, models.Interval1h)
	require.NoError(t, err)
	assert.True(t, res.Start.Equal(last))
	env.client.AssertExpectations(t)
}

func TestHistorySync_SyncAllIncremental(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(1, "BTCUSDT", "1h,4h"))
	env.db.addTarget(testTarget(2, "ETHUSDT", "1h"))

	env.client.On("GetKlines", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]exchange.Kline{}, nil)

	summary, err := env.history.SyncAllIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
}

func TestHistorySync_SyncAllIncrementalDisabled(t *testing.T) {
	env := newTestEnv(t, map[string]string{models.ConfigHistoryAutoSync: "false"})
	env.db.addTarget(testTarget(1, "BTCUSDT", "1h"))

	summary, err := env.history.SyncAllIncremental(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

func TestHistorySync_BreakerSkipsFailingSource(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.addTarget(testTarget(1, "BTCUSDT", "1m,5m,1h,4h"))

	env.client.On("GetKlines", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &exchange.TransportError{Op: "klines", Err: errUpstream})

	summary, err := env.history.SyncAllIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Failed, "breaker opens after two transport failures")
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, Open, env.history.breakers.GetOrCreate("datasource:1").GetState())
}
