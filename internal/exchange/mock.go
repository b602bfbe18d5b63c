package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// mockSymbols is the instrument list the mock client reports.
var mockSymbols = []models.SymbolInfo{
	{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 5},
	{Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 4},
	{Symbol: "BNBUSDT", BaseAsset: "BNB", QuoteAsset: "USDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 3},
}

// MockClient serves deterministic candles without network access. Every
// open time up to now is present, so a mock backfill never leaves gaps.
// Calls still draw from a weight budget so limiter behaviour matches the
// live client.
type MockClient struct {
	venue   venue
	limiter *WeightLimiter
	logger  *logrus.Entry
	now     func() time.Time
}

func NewMockClient(source *models.DataSource, cfg config.ExchangeConfig, logger *logrus.Logger) *MockClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var baseURL string
	var id int64
	if source != nil {
		baseURL = source.BaseURL
		id = source.ID
	}
	return &MockClient{
		venue:   venueFor(baseURL),
		limiter: NewWeightLimiter(cfg.MaxWeight, cfg.MaxWait),
		logger:  logger.WithFields(logrus.Fields{"component": "exchange_mock", "data_source_id": id}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MockClient) Ping(ctx context.Context) error {
	return m.limiter.Acquire(ctx, 1)
}

func (m *MockClient) ServerTime(ctx context.Context) (time.Time, error) {
	if err := m.limiter.Acquire(ctx, 1); err != nil {
		return time.Time{}, err
	}
	return m.now(), nil
}

func (m *MockClient) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	serverTime, err := m.ServerTime(ctx)
	if err != nil {
		return nil, err
	}
	return &ConnectionResult{ServerTime: serverTime}, nil
}

// GetKlines returns up to limit candles aligned to the interval with open
// time in [start, end]. A zero end means now; a zero start returns the
// latest limit candles.
func (m *MockClient) GetKlines(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]Kline, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if err := m.limiter.Acquire(ctx, m.venue.klineWeight); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultKlineLimit
	}
	if limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	now := m.now()
	if end.IsZero() || end.After(now) {
		end = now
	}
	if start.IsZero() {
		start = end
		for i := 1; i < limit; i++ {
			start = interval.Prev(start)
		}
	}

	symbol = models.NormalizeSymbol(symbol)
	var out []Kline
	for open := alignOpenTime(interval, start); !open.After(end) && len(out) < limit; open = interval.Next(open) {
		out = append(out, mockKline(symbol, interval, open, now))
	}
	return out, nil
}

func (m *MockClient) ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error) {
	if err := m.limiter.Acquire(ctx, m.venue.exchangeInfoCost); err != nil {
		return nil, err
	}
	return append([]models.SymbolInfo(nil), mockSymbols...), nil
}

func (m *MockClient) LimiterStats() LimiterStats {
	return m.limiter.Stats()
}

// alignOpenTime returns the first candle open time at or after t.
func alignOpenTime(interval models.Interval, t time.Time) time.Time {
	t = t.UTC()
	var aligned time.Time
	if interval == models.Interval1M {
		aligned = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	} else {
		aligned = t.Truncate(interval.Step())
	}
	if aligned.Before(t) {
		aligned = interval.Next(aligned)
	}
	return aligned
}

func mockKline(symbol string, interval models.Interval, open, now time.Time) Kline {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	base := int64(100 + h.Sum64()%900)
	drift := (open.Unix() / 60) % 50

	o := decimal.NewFromInt(base + drift)
	c := o.Add(decimal.NewFromInt(1))
	if drift%2 == 1 {
		c = o.Sub(decimal.NewFromInt(1))
	}
	volume := decimal.NewFromInt(10 + drift)
	closeTime := interval.Next(open).Add(-time.Millisecond)

	return Kline{
		Symbol:              symbol,
		OpenTime:            open,
		CloseTime:           closeTime,
		Open:                o,
		High:                decimal.Max(o, c).Add(decimal.NewFromInt(2)),
		Low:                 decimal.Min(o, c).Sub(decimal.NewFromInt(2)),
		Close:               c,
		Volume:              volume,
		QuoteVolume:         volume.Mul(c),
		TradeCount:          100 + drift,
		TakerBuyBaseVolume:  volume.Div(decimal.NewFromInt(2)),
		TakerBuyQuoteVolume: volume.Mul(c).Div(decimal.NewFromInt(2)),
		Closed:              closeTime.Before(now),
	}
}
