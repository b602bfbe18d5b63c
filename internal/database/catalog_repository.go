package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/jackc/pgx/v5"
)

const (
	dataSourceColumns = `d.id, d.name, d.exchange_type, d.api_key, d.secret_key, d.base_url, d.ws_url,
	d.proxy_enabled, d.proxy_type, d.proxy_host, d.proxy_port, d.proxy_username, d.proxy_password,
	d.enabled, d.deleted, d.deleted_at, d.created_at, d.updated_at`

	marketColumns = `m.id, m.data_source_id, m.name, m.market_type, m.enabled, m.created_at, m.updated_at`

	symbolColumns = `s.id, s.market_id, s.symbol, s.base_asset, s.quote_asset, s.price_precision,
	s.quantity_precision, s.status, s.realtime_sync_enabled, s.history_sync_enabled, s.sync_intervals,
	s.created_at, s.updated_at`
)

// TargetFilter narrows which joined symbols ListTargets returns. Venue and
// source switches are always applied.
type TargetFilter struct {
	SymbolID        int64
	RealtimeEnabled bool
	HistoryEnabled  bool
}

// CatalogRepository reads instruments, venues and data sources. Writes are
// limited to the exchange-driven symbol list sync.
type CatalogRepository struct {
	pool DatabasePool
}

func NewCatalogRepository(pool DatabasePool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

func dataSourceDest(d *models.DataSource) []interface{} {
	return []interface{}{
		&d.ID, &d.Name, &d.ExchangeType, &d.APIKey, &d.SecretKey, &d.BaseURL, &d.WsURL,
		&d.ProxyEnabled, &d.ProxyType, &d.ProxyHost, &d.ProxyPort, &d.ProxyUsername, &d.ProxyPassword,
		&d.Enabled, &d.Deleted, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt,
	}
}

func marketDest(m *models.Market) []interface{} {
	return []interface{}{&m.ID, &m.DataSourceID, &m.Name, &m.MarketType, &m.Enabled, &m.CreatedAt, &m.UpdatedAt}
}

func symbolDest(s *models.Symbol) []interface{} {
	return []interface{}{
		&s.ID, &s.MarketID, &s.Symbol, &s.BaseAsset, &s.QuoteAsset, &s.PricePrecision,
		&s.QuantityPrecision, &s.Status, &s.RealtimeSyncEnabled, &s.HistorySyncEnabled, &s.SyncIntervals,
		&s.CreatedAt, &s.UpdatedAt,
	}
}

func scanTarget(row pgx.Row) (*models.SymbolTarget, error) {
	var t models.SymbolTarget
	dest := symbolDest(&t.Symbol)
	dest = append(dest, marketDest(&t.Market)...)
	dest = append(dest, dataSourceDest(&t.DataSource)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &t, nil
}

const targetSelect = `SELECT ` + symbolColumns + `, ` + marketColumns + `, ` + dataSourceColumns + `
	FROM symbol s
	JOIN market m ON m.id = s.market_id
	JOIN data_source d ON d.id = m.data_source_id`

// FindSymbol returns a symbol by id.
func (r *CatalogRepository) FindSymbol(ctx context.Context, id int64) (*models.Symbol, error) {
	var s models.Symbol
	err := r.pool.QueryRow(ctx, `SELECT `+symbolColumns+` FROM symbol s WHERE s.id = $1`, id).Scan(symbolDest(&s)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("symbol", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find symbol: %w", err)
	}
	return &s, nil
}

// FindMarket returns a market by id.
func (r *CatalogRepository) FindMarket(ctx context.Context, id int64) (*models.Market, error) {
	var m models.Market
	err := r.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM market m WHERE m.id = $1`, id).Scan(marketDest(&m)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("market", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find market: %w", err)
	}
	return &m, nil
}

// FindDataSource returns a data source by id, soft-deleted ones included.
func (r *CatalogRepository) FindDataSource(ctx context.Context, id int64) (*models.DataSource, error) {
	var d models.DataSource
	err := r.pool.QueryRow(ctx, `SELECT `+dataSourceColumns+` FROM data_source d WHERE d.id = $1`, id).Scan(dataSourceDest(&d)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("data source", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find data source: %w", err)
	}
	return &d, nil
}

// FindTarget returns a symbol joined with its market and data source,
// regardless of any switch.
func (r *CatalogRepository) FindTarget(ctx context.Context, symbolID int64) (*models.SymbolTarget, error) {
	target, err := scanTarget(r.pool.QueryRow(ctx, targetSelect+` WHERE s.id = $1`, symbolID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, utils.NewNotFoundError("symbol", symbolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find symbol target: %w", err)
	}
	return target, nil
}

// ListTargets returns joined symbols whose market and data source are both
// enabled and whose data source is not deleted.
func (r *CatalogRepository) ListTargets(ctx context.Context, filter TargetFilter) ([]models.SymbolTarget, error) {
	query := targetSelect + `
		WHERE m.enabled = true AND d.enabled = true AND d.deleted = false
		  AND ($1 = 0 OR s.id = $1)
		  AND ($2 = false OR s.realtime_sync_enabled = true)
		  AND ($3 = false OR s.history_sync_enabled = true)
		ORDER BY s.id`

	rows, err := r.pool.Query(ctx, query, filter.SymbolID, filter.RealtimeEnabled, filter.HistoryEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbol targets: %w", err)
	}
	defer rows.Close()

	var out []models.SymbolTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan symbol target: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarketSource is an enabled market with its usable data source.
type MarketSource struct {
	Market     models.Market
	DataSource models.DataSource
}

// ListSyncableMarkets returns enabled markets whose data source is enabled
// and not deleted.
func (r *CatalogRepository) ListSyncableMarkets(ctx context.Context) ([]MarketSource, error) {
	query := `SELECT ` + marketColumns + `, ` + dataSourceColumns + `
		FROM market m
		JOIN data_source d ON d.id = m.data_source_id
		WHERE m.enabled = true AND d.enabled = true AND d.deleted = false
		ORDER BY m.id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var out []MarketSource
	for rows.Next() {
		var ms MarketSource
		dest := append(marketDest(&ms.Market), dataSourceDest(&ms.DataSource)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// UpsertSymbol inserts an exchange-reported symbol under a market, or
// refreshes status and precision of an existing one. New symbols start with
// both sync switches off. It reports whether a row was created.
func (r *CatalogRepository) UpsertSymbol(ctx context.Context, marketID int64, info models.SymbolInfo) (bool, error) {
	query := `
		INSERT INTO symbol (market_id, symbol, base_asset, quote_asset, price_precision, quantity_precision,
			status, realtime_sync_enabled, history_sync_enabled, sync_intervals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, '')
		ON CONFLICT (market_id, symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			price_precision = EXCLUDED.price_precision,
			quantity_precision = EXCLUDED.quantity_precision,
			status = EXCLUDED.status,
			updated_at = CURRENT_TIMESTAMP
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		marketID, models.NormalizeSymbol(info.Symbol), info.BaseAsset, info.QuoteAsset,
		info.PricePrecision, info.QuantityPrecision, info.Status,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert symbol %s: %w", info.Symbol, err)
	}
	return inserted, nil
}
