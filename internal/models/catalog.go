package models

import (
	"strings"
	"time"
)

// ExchangeType identifies the upstream exchange protocol.
type ExchangeType string

const ExchangeBinance ExchangeType = "BINANCE"

// MarketType separates spot from the two futures venues.
type MarketType string

const (
	MarketSpot  MarketType = "SPOT"
	MarketUSDTM MarketType = "USDT_M"
	MarketCoinM MarketType = "COIN_M"
)

// ProxyType is the kind of outbound proxy a data source routes through.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// DataSource holds exchange credentials and connection settings.
type DataSource struct {
	ID            int64        `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	ExchangeType  ExchangeType `json:"exchange_type" db:"exchange_type"`
	APIKey        string       `json:"-" db:"api_key"`
	SecretKey     string       `json:"-" db:"secret_key"`
	BaseURL       string       `json:"base_url" db:"base_url"`
	WsURL         string       `json:"ws_url" db:"ws_url"`
	ProxyEnabled  bool         `json:"proxy_enabled" db:"proxy_enabled"`
	ProxyType     ProxyType    `json:"proxy_type" db:"proxy_type"`
	ProxyHost     string       `json:"proxy_host" db:"proxy_host"`
	ProxyPort     int          `json:"proxy_port" db:"proxy_port"`
	ProxyUsername string       `json:"-" db:"proxy_username"`
	ProxyPassword string       `json:"-" db:"proxy_password"`
	Enabled       bool         `json:"enabled" db:"enabled"`
	Deleted       bool         `json:"deleted" db:"deleted"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Usable reports whether the source may be used for any sync action.
func (d *DataSource) Usable() bool {
	return d != nil && d.Enabled && !d.Deleted
}

// Market is a trading venue under a data source.
type Market struct {
	ID           int64      `json:"id" db:"id"`
	DataSourceID int64      `json:"data_source_id" db:"data_source_id"`
	Name         string     `json:"name" db:"name"`
	MarketType   MarketType `json:"market_type" db:"market_type"`
	Enabled      bool       `json:"enabled" db:"enabled"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Symbol is a tradable instrument and its per-instrument sync switches.
type Symbol struct {
	ID                  int64     `json:"id" db:"id"`
	MarketID            int64     `json:"market_id" db:"market_id"`
	Symbol              string    `json:"symbol" db:"symbol"`
	BaseAsset           string    `json:"base_asset" db:"base_asset"`
	QuoteAsset          string    `json:"quote_asset" db:"quote_asset"`
	PricePrecision      int       `json:"price_precision" db:"price_precision"`
	QuantityPrecision   int       `json:"quantity_precision" db:"quantity_precision"`
	Status              string    `json:"status" db:"status"`
	RealtimeSyncEnabled bool      `json:"realtime_sync_enabled" db:"realtime_sync_enabled"`
	HistorySyncEnabled  bool      `json:"history_sync_enabled" db:"history_sync_enabled"`
	SyncIntervals       string    `json:"sync_intervals" db:"sync_intervals"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// Intervals returns the symbol's valid configured intervals.
func (s *Symbol) Intervals() []Interval {
	return ParseIntervals(s.SyncIntervals)
}

// HasInterval reports whether iv is among the symbol's configured intervals.
func (s *Symbol) HasInterval(iv Interval) bool {
	for _, v := range s.Intervals() {
		if v == iv {
			return true
		}
	}
	return false
}

// SymbolTarget is a symbol joined with the venue and source it belongs to.
type SymbolTarget struct {
	Symbol     Symbol     `json:"symbol"`
	Market     Market     `json:"market"`
	DataSource DataSource `json:"data_source"`
}

// Intervals returns the target's valid configured intervals.
func (t *SymbolTarget) Intervals() []Interval {
	return t.Symbol.Intervals()
}

// Usable reports whether the venue and the source are both switched on.
func (t *SymbolTarget) Usable() bool {
	return t.Market.Enabled && t.DataSource.Usable()
}

// SymbolInfo is an exchange-reported instrument description.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	BaseAsset         string `json:"base_asset"`
	QuoteAsset        string `json:"quote_asset"`
	Status            string `json:"status"`
	PricePrecision    int    `json:"price_precision"`
	QuantityPrecision int    `json:"quantity_precision"`
}

// NormalizeSymbol upper-cases and trims an instrument code.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
