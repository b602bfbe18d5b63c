package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMockClient() *MockClient {
	source := &models.DataSource{ID: 1, BaseURL: "https://api.binance.com"}
	client := NewMockClient(source, testExchangeConfig(), logrus.New())
	client.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return client
}

func TestMockClient_GetKlines(t *testing.T) {
	client := newTestMockClient()
	ctx := context.Background()

	t.Run("aligned and bounded by the range", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
		end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		klines, err := client.GetKlines(ctx, "btcusdt", models.Interval1h, start, end, 0)
		require.NoError(t, err)
		require.Len(t, klines, 2)

		assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), klines[0].OpenTime)
		assert.Equal(t, time.Date(2024, 1, 1, 11, 59, 59, 999000000, time.UTC), klines[0].CloseTime)
		assert.True(t, klines[0].Closed)
		assert.Equal(t, end, klines[1].OpenTime)
		assert.False(t, klines[1].Closed)
		assert.Equal(t, "BTCUSDT", klines[0].Symbol)
	})

	t.Run("respects the limit", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		klines, err := client.GetKlines(ctx, "BTCUSDT", models.Interval1h, start, time.Time{}, 5)
		require.NoError(t, err)
		require.Len(t, klines, 5)
		for i := 1; i < len(klines); i++ {
			assert.Equal(t, models.Interval1h.Next(klines[i-1].OpenTime), klines[i].OpenTime)
		}
	})

	t.Run("never returns future candles", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
		klines, err := client.GetKlines(ctx, "BTCUSDT", models.Interval1h, start, start.AddDate(1, 0, 0), 1000)
		require.NoError(t, err)
		assert.Len(t, klines, 2)
	})

	t.Run("calendar months", func(t *testing.T) {
		start := time.Date(2023, 10, 15, 0, 0, 0, 0, time.UTC)
		klines, err := client.GetKlines(ctx, "BTCUSDT", models.Interval1M, start, time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, klines, 3)
		assert.Equal(t, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC), klines[0].OpenTime)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), klines[2].OpenTime)
	})

	t.Run("deterministic and consistent prices", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		first, err := client.GetKlines(ctx, "ETHUSDT", models.Interval15m, start, time.Time{}, 20)
		require.NoError(t, err)
		second, err := client.GetKlines(ctx, "ETHUSDT", models.Interval15m, start, time.Time{}, 20)
		require.NoError(t, err)
		require.Len(t, first, 20)
		for i, k := range first {
			assert.True(t, k.Open.Equal(second[i].Open))
			assert.True(t, k.Low.LessThanOrEqual(k.Open) && k.Low.LessThanOrEqual(k.Close))
			assert.True(t, k.High.GreaterThanOrEqual(k.Open) && k.High.GreaterThanOrEqual(k.Close))
		}
	})

	t.Run("rejects unsupported intervals", func(t *testing.T) {
		_, err := client.GetKlines(ctx, "BTCUSDT", models.Interval("1s"), time.Time{}, time.Time{}, 10)
		assert.Error(t, err)
	})
}

func TestMockClient_WeightAndInfo(t *testing.T) {
	client := newTestMockClient()
	ctx := context.Background()

	_, err := client.GetKlines(ctx, "BTCUSDT", models.Interval1m, time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, client.LimiterStats().UsedWeight)

	symbols, err := client.ExchangeInfo(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 3)
	assert.Equal(t, 22, client.LimiterStats().UsedWeight)

	result, err := client.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), result.ServerTime)
}

func TestClientFactory_Mock(t *testing.T) {
	cfg := testExchangeConfig()
	cfg.Mock = true
	factory := NewClientFactory(cfg, logrus.New())

	client, err := factory.ClientFor(&models.DataSource{ID: 4, BaseURL: "https://fapi.binance.com"})
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, client)
	assert.Contains(t, factory.Stats(), int64(4))

	_, err = factory.ClientFor(nil)
	assert.Error(t, err)
}
