package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxKlineLimit is the largest page the klines endpoint accepts.
	MaxKlineLimit = 1000
	// DefaultKlineLimit is used when the caller passes no limit.
	DefaultKlineLimit = 500

	usedWeightHeader = "X-MBX-USED-WEIGHT-1M"
	apiKeyHeader     = "X-MBX-APIKEY"
)

// venue selects the REST path family and request weights.
type venue struct {
	market           models.MarketType
	prefix           string
	klineWeight      int
	exchangeInfoCost int
}

var (
	spotVenue  = venue{market: models.MarketSpot, prefix: "/api/v3", klineWeight: 2, exchangeInfoCost: 20}
	usdmVenue  = venue{market: models.MarketUSDTM, prefix: "/fapi/v1", klineWeight: 5, exchangeInfoCost: 1}
	coinmVenue = venue{market: models.MarketCoinM, prefix: "/dapi/v1", klineWeight: 5, exchangeInfoCost: 1}
)

func venueFor(baseURL string) venue {
	lower := strings.ToLower(baseURL)
	switch {
	case strings.Contains(lower, "fapi"):
		return usdmVenue
	case strings.Contains(lower, "dapi"):
		return coinmVenue
	default:
		return spotVenue
	}
}

// Client is the REST transport of one data source. Every call acquires
// weight from the source's limiter before it is sent.
type Client struct {
	HTTPClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
	venue      venue
	limiter    *WeightLimiter
	logger     *logrus.Entry
}

// NewClient builds a client for a data source, routing through its proxy
// when one is enabled.
func NewClient(source *models.DataSource, cfg config.ExchangeConfig, logger *logrus.Logger) (*Client, error) {
	if source == nil {
		return nil, fmt.Errorf("data source is required")
	}
	baseURL := strings.TrimSuffix(source.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("data source %d has no base url", source.ID)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	proxy, err := ProxyURL(source)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "candle-sync/1.0"
	}

	return &Client{
		HTTPClient: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
		},
		baseURL:   baseURL,
		apiKey:    source.APIKey,
		userAgent: userAgent,
		venue:     venueFor(baseURL),
		limiter:   NewWeightLimiter(cfg.MaxWeight, cfg.MaxWait),
		logger:    logger.WithFields(logrus.Fields{"component": "exchange", "data_source_id": source.ID}),
	}, nil
}

// ProxyURL returns the proxy a data source routes through, or nil.
func ProxyURL(source *models.DataSource) (*url.URL, error) {
	if source == nil || !source.ProxyEnabled {
		return nil, nil
	}
	if source.ProxyHost == "" || source.ProxyPort <= 0 {
		return nil, fmt.Errorf("data source %d has proxy enabled without host and port", source.ID)
	}

	scheme := "http"
	switch source.ProxyType {
	case models.ProxySOCKS5:
		scheme = "socks5"
	case models.ProxyHTTP, "":
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", source.ProxyType)
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(source.ProxyHost, strconv.Itoa(source.ProxyPort)),
	}
	if source.ProxyUsername != "" {
		u.User = url.UserPassword(source.ProxyUsername, source.ProxyPassword)
	}
	return u, nil
}

// BaseURL returns the REST base of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// MarketType returns the venue the base URL points at.
func (c *Client) MarketType() models.MarketType {
	return c.venue.market
}

// Limiter returns the client's weight limiter.
func (c *Client) Limiter() *WeightLimiter {
	return c.limiter
}

// LimiterStats reports the client's weight usage.
func (c *Client) LimiterStats() LimiterStats {
	return c.limiter.Stats()
}

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.makeRequest(ctx, "ping", c.venue.prefix+"/ping", nil, 1, nil)
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := c.makeRequest(ctx, "time", c.venue.prefix+"/time", nil, 1, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime).UTC(), nil
}

// ConnectionResult reports a connectivity probe.
type ConnectionResult struct {
	Latency    time.Duration `json:"latency"`
	ServerTime time.Time     `json:"server_time"`
	ClockSkew  time.Duration `json:"clock_skew"`
}

// TestConnection pings the exchange and measures latency and clock skew.
func (c *Client) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	latency := time.Since(start)

	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		return nil, err
	}
	return &ConnectionResult{
		Latency:    latency,
		ServerTime: serverTime,
		ClockSkew:  time.Until(serverTime),
	}, nil
}

// GetKlines fetches up to limit candles with open time in [start, end].
// Zero times are omitted from the request. Rows that cannot be decoded are
// skipped with a warning.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]Kline, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if limit <= 0 {
		limit = DefaultKlineLimit
	}
	if limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	params := url.Values{}
	params.Set("symbol", models.NormalizeSymbol(symbol))
	params.Set("interval", interval.String())
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.GetExchangeTracer(), "exchange.GetKlines")
	span.SetAttributes(
		attribute.String("exchange.symbol", symbol),
		attribute.String("exchange.interval", interval.String()),
		attribute.Int("exchange.limit", limit),
	)
	defer span.End()

	var rows [][]json.RawMessage
	if err := c.makeRequest(ctx, "klines", c.venue.prefix+"/klines", params, c.venue.klineWeight, &rows); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	now := time.Now()
	klines := make([]Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKlineRow(row, now)
		if err != nil {
			c.logger.WithError(err).WithField("row", i).Warn("Skipping malformed kline")
			continue
		}
		k.Symbol = params.Get("symbol")
		klines = append(klines, k)
	}
	span.SetAttributes(attribute.Int("exchange.klines", len(klines)))
	return klines, nil
}

// ExchangeInfo returns every instrument the venue lists.
func (c *Client) ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error) {
	var resp exchangeInfoResponse
	if err := c.makeRequest(ctx, "exchangeInfo", c.venue.prefix+"/exchangeInfo", nil, c.venue.exchangeInfoCost, &resp); err != nil {
		return nil, err
	}
	out := make([]models.SymbolInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Symbol == "" {
			continue
		}
		out = append(out, s.info())
	}
	return out, nil
}

// makeRequest acquires weight, sends a GET and decodes the JSON body into
// result. Every failure is returned as a *TransportError except limiter
// and context errors.
func (c *Client) makeRequest(ctx context.Context, op, path string, params url.Values, weight int, result interface{}) error {
	if err := c.limiter.Acquire(ctx, weight); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing response body")
		}
	}()

	if used := resp.Header.Get(usedWeightHeader); used != "" {
		if n, err := strconv.Atoi(used); err == nil {
			c.limiter.ObserveServerWeight(n)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
			te.Code = apiErr.Code
			te.Message = apiErr.Message
		}
		return te
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
		}
	}
	return nil
}
