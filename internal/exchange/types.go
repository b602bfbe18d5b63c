package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/shopspring/decimal"
)

// Kline is one candle as reported by the exchange, before it is bound to a
// stored symbol.
type Kline struct {
	Symbol              string
	OpenTime            time.Time
	CloseTime           time.Time
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	QuoteVolume         decimal.Decimal
	TradeCount          int64
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
	Closed              bool
}

// Candle binds the kline to a series.
func (k Kline) Candle(series models.Series) models.Candle {
	return models.Candle{
		SymbolID:            series.SymbolID,
		Interval:            series.Interval,
		OpenTime:            k.OpenTime,
		CloseTime:           k.CloseTime,
		Open:                k.Open,
		High:                k.High,
		Low:                 k.Low,
		Close:               k.Close,
		Volume:              k.Volume,
		QuoteVolume:         k.QuoteVolume,
		TradeCount:          k.TradeCount,
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
		Closed:              k.Closed,
	}
}

// Candles binds a page of klines to a series.
func Candles(series models.Series, klines []Kline) []models.Candle {
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, k.Candle(series))
	}
	return out
}

// klineFieldCount is the minimum number of positional fields in a REST kline.
const klineFieldCount = 11

// parseKlineRow decodes one positional kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// trades, takerBuyBase, takerBuyQuote, ignore].
func parseKlineRow(row []json.RawMessage, now time.Time) (Kline, error) {
	var k Kline
	if len(row) < klineFieldCount {
		return k, fmt.Errorf("kline has %d fields, want at least %d", len(row), klineFieldCount)
	}

	openMs, err := rawInt(row[0])
	if err != nil {
		return k, fmt.Errorf("open time: %w", err)
	}
	closeMs, err := rawInt(row[6])
	if err != nil {
		return k, fmt.Errorf("close time: %w", err)
	}
	trades, err := rawInt(row[8])
	if err != nil {
		return k, fmt.Errorf("trade count: %w", err)
	}

	decimals := []struct {
		idx  int
		dest *decimal.Decimal
	}{
		{1, &k.Open}, {2, &k.High}, {3, &k.Low}, {4, &k.Close}, {5, &k.Volume},
		{7, &k.QuoteVolume}, {9, &k.TakerBuyBaseVolume}, {10, &k.TakerBuyQuoteVolume},
	}
	for _, d := range decimals {
		v, err := rawDecimal(row[d.idx])
		if err != nil {
			return k, fmt.Errorf("field %d: %w", d.idx, err)
		}
		*d.dest = v
	}

	k.OpenTime = time.UnixMilli(openMs).UTC()
	k.CloseTime = time.UnixMilli(closeMs).UTC()
	k.TradeCount = trades
	k.Closed = k.CloseTime.Before(now)
	return k, nil
}

func rawInt(raw json.RawMessage) (int64, error) {
	s := strings.Trim(string(raw), `"`)
	return strconv.ParseInt(s, 10, 64)
}

func rawDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// apiError is the exchange's error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	ContractStatus    string           `json:"contractStatus"`
	BaseAsset         string           `json:"baseAsset"`
	QuoteAsset        string           `json:"quoteAsset"`
	PricePrecision    *int             `json:"pricePrecision"`
	QuantityPrecision *int             `json:"quantityPrecision"`
	Filters           []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
}

// info converts the symbol, deriving precision from the price and lot
// filters when the venue does not report it directly.
func (s exchangeSymbol) info() models.SymbolInfo {
	info := models.SymbolInfo{
		Symbol:     models.NormalizeSymbol(s.Symbol),
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		Status:     s.Status,
	}
	if info.Status == "" {
		info.Status = s.ContractStatus
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.PricePrecision = stepPrecision(f.TickSize)
		case "LOT_SIZE":
			info.QuantityPrecision = stepPrecision(f.StepSize)
		}
	}
	if s.PricePrecision != nil {
		info.PricePrecision = *s.PricePrecision
	}
	if s.QuantityPrecision != nil {
		info.QuantityPrecision = *s.QuantityPrecision
	}
	return info
}

// stepPrecision returns the number of significant decimals of a step size
// such as "0.01000000".
func stepPrecision(step string) int {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return 0
	}
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// KlineEvent is the streaming envelope for one live candle update.
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload is the nested candle of a KlineEvent. Every key the exchange
// sends is mapped so case-insensitive matching cannot fold one key into
// another field.
type KlinePayload struct {
	StartTime           int64           `json:"t"`
	CloseTime           int64           `json:"T"`
	Symbol              string          `json:"s"`
	Interval            string          `json:"i"`
	FirstTradeID        int64           `json:"f"`
	LastTradeID         int64           `json:"L"`
	Open                decimal.Decimal `json:"o"`
	Close               decimal.Decimal `json:"c"`
	High                decimal.Decimal `json:"h"`
	Low                 decimal.Decimal `json:"l"`
	Volume              decimal.Decimal `json:"v"`
	TradeCount          int64           `json:"n"`
	IsClosed            bool            `json:"x"`
	QuoteVolume         decimal.Decimal `json:"q"`
	TakerBuyBaseVolume  decimal.Decimal `json:"V"`
	TakerBuyQuoteVolume decimal.Decimal `json:"Q"`
	Ignore              json.RawMessage `json:"B"`
}

// ToKline converts the payload.
func (p KlinePayload) ToKline() Kline {
	return Kline{
		Symbol:              models.NormalizeSymbol(p.Symbol),
		OpenTime:            time.UnixMilli(p.StartTime).UTC(),
		CloseTime:           time.UnixMilli(p.CloseTime).UTC(),
		Open:                p.Open,
		High:                p.High,
		Low:                 p.Low,
		Close:               p.Close,
		Volume:              p.Volume,
		QuoteVolume:         p.QuoteVolume,
		TradeCount:          p.TradeCount,
		TakerBuyBaseVolume:  p.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: p.TakerBuyQuoteVolume,
		Closed:              p.IsClosed,
	}
}

// ParseKlineEvent decodes a raw stream message.
func ParseKlineEvent(data []byte) (*KlineEvent, error) {
	var ev KlineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode kline event: %w", err)
	}
	if ev.EventType != "kline" {
		return nil, fmt.Errorf("unexpected event type %q", ev.EventType)
	}
	return &ev, nil
}
