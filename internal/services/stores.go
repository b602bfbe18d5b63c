package services

import (
	"context"
	"time"

	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
)

// CandleStore is the kline table.
type CandleStore interface {
	Upsert(ctx context.Context, candles []models.Candle) (models.SaveResult, error)
	StreamOpenTimes(ctx context.Context, series models.Series, fn func(time.Time) error) error
	Find(ctx context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error)
	DeleteRange(ctx context.Context, series models.Series, start, end time.Time) (database.DeleteResult, error)
	DeleteSeries(ctx context.Context, series models.Series) (database.DeleteResult, error)
	DeleteSymbol(ctx context.Context, symbolID int64) (database.DeleteResult, error)
}

// StatusStore holds one progress record per series.
type StatusStore interface {
	Get(ctx context.Context, series models.Series) (*models.SyncStatus, error)
	ListBySymbol(ctx context.Context, symbolID int64) ([]models.SyncStatus, error)
	Advance(ctx context.Context, series models.Series, lastKlineTime *time.Time, inserted int64) error
	SetAutoGapFill(ctx context.Context, series models.Series, enabled bool) error
}

// TaskStore is the sync task audit log.
type TaskStore interface {
	Create(ctx context.Context, task *models.SyncTask) (*models.SyncTask, error)
	Get(ctx context.Context, id int64) (*models.SyncTask, error)
	List(ctx context.Context, filter models.TaskFilter) ([]models.SyncTask, error)
	Start(ctx context.Context, id int64) error
	UpdateProgress(ctx context.Context, id int64, synced int64) error
	Complete(ctx context.Context, id int64, synced int64) error
	Fail(ctx context.Context, id int64, synced int64, message string) error
	FailInterrupted(ctx context.Context, before time.Time, message string) (int64, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
}

// GapStore holds detected gaps and guards their status transitions.
type GapStore interface {
	InsertIfNoOverlap(ctx context.Context, gap models.DataGap) (*models.DataGap, error)
	Get(ctx context.Context, id int64) (*models.DataGap, error)
	List(ctx context.Context, filter models.GapFilter) ([]models.DataGap, error)
	ListPending(ctx context.Context, limit int) ([]models.DataGap, error)
	Count(ctx context.Context) (int64, error)
	MarkFilling(ctx context.Context, id int64) error
	MarkResolved(ctx context.Context, id int64, status models.GapStatus) error
	RecordFailure(ctx context.Context, id int64, maxRetries int, message string) (*models.DataGap, error)
	ResetFailed(ctx context.Context, id int64) error
	ResetInterrupted(ctx context.Context, before time.Time) (int64, error)
	PurgeResolved(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.GapStatus]int64, error)
}

// CatalogStore looks up data sources, markets and symbols.
type CatalogStore interface {
	FindSymbol(ctx context.Context, id int64) (*models.Symbol, error)
	FindMarket(ctx context.Context, id int64) (*models.Market, error)
	FindDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	FindTarget(ctx context.Context, symbolID int64) (*models.SymbolTarget, error)
	ListTargets(ctx context.Context, filter database.TargetFilter) ([]models.SymbolTarget, error)
	ListSyncableMarkets(ctx context.Context) ([]database.MarketSource, error)
	UpsertSymbol(ctx context.Context, marketID int64, info models.SymbolInfo) (bool, error)
}

// ConfigStore is the system_config table.
type ConfigStore interface {
	All(ctx context.Context) ([]models.SystemConfig, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// ExchangeClient is the REST surface the sync services call.
type ExchangeClient interface {
	GetKlines(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]exchange.Kline, error)
	ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error)
	TestConnection(ctx context.Context) (*exchange.ConnectionResult, error)
}

// ClientProvider resolves the client of a data source.
type ClientProvider interface {
	ClientFor(source *models.DataSource) (ExchangeClient, error)
}

// FactoryProvider adapts an exchange.ClientFactory to ClientProvider.
type FactoryProvider struct {
	Factory *exchange.ClientFactory
}

func (p FactoryProvider) ClientFor(source *models.DataSource) (ExchangeClient, error) {
	client, err := p.Factory.ClientFor(source)
	if err != nil {
		return nil, err
	}
	return client, nil
}
