package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Series identifies one candle stream: an instrument at one granularity.
type Series struct {
	SymbolID int64    `json:"symbol_id"`
	Interval Interval `json:"interval"`
}

func (s Series) String() string {
	return fmt.Sprintf("%d/%s", s.SymbolID, s.Interval)
}

// Candle is one OHLCV bar. Candles are unique on (symbol, interval, open time).
type Candle struct {
	SymbolID            int64           `json:"symbol_id" db:"symbol_id"`
	Interval            Interval        `json:"interval" db:"interval"`
	OpenTime            time.Time       `json:"open_time" db:"open_time"`
	CloseTime           time.Time       `json:"close_time" db:"close_time"`
	Open                decimal.Decimal `json:"open" db:"open_price"`
	High                decimal.Decimal `json:"high" db:"high_price"`
	Low                 decimal.Decimal `json:"low" db:"low_price"`
	Close               decimal.Decimal `json:"close" db:"close_price"`
	Volume              decimal.Decimal `json:"volume" db:"volume"`
	QuoteVolume         decimal.Decimal `json:"quote_volume" db:"quote_volume"`
	TradeCount          int64           `json:"trade_count" db:"trade_count"`
	TakerBuyBaseVolume  decimal.Decimal `json:"taker_buy_base_volume" db:"taker_buy_base_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume" db:"taker_buy_quote_volume"`
	Closed              bool            `json:"closed" db:"-"`
}

// Validate checks the fields the store relies on.
func (c *Candle) Validate() error {
	if c.OpenTime.IsZero() || c.CloseTime.IsZero() {
		return fmt.Errorf("candle open and close time are required")
	}
	if c.OpenTime.After(c.CloseTime) {
		return fmt.Errorf("candle open time %s is after close time %s", c.OpenTime, c.CloseTime)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("candle high %s is below low %s", c.High, c.Low)
	}
	return nil
}

// SaveResult reports what an upsert did.
type SaveResult struct {
	Inserted    int64      `json:"inserted"`
	Updated     int64      `json:"updated"`
	MaxOpenTime *time.Time `json:"max_open_time,omitempty"`
}

// Total is the number of rows written either way.
func (r SaveResult) Total() int64 {
	return r.Inserted + r.Updated
}

// Add folds another result into r.
func (r *SaveResult) Add(o SaveResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	if o.MaxOpenTime != nil && (r.MaxOpenTime == nil || o.MaxOpenTime.After(*r.MaxOpenTime)) {
		t := *o.MaxOpenTime
		r.MaxOpenTime = &t
	}
}

// CandleQuery selects candles for the read API.
type CandleQuery struct {
	SymbolID int64     `form:"symbol_id" binding:"required"`
	Interval string    `form:"interval" binding:"required"`
	Start    time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End      time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int       `form:"limit"`
}
