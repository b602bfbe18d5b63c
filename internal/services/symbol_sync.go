package services

import (
	"context"
	"fmt"

	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/sirupsen/logrus"
)

// SymbolSyncSummary aggregates a symbol list sync.
type SymbolSyncSummary struct {
	MarketsProcessed int      `json:"markets_processed"`
	TotalSymbols     int      `json:"total_symbols"`
	Created          int      `json:"created"`
	Updated          int      `json:"updated"`
	Failures         int      `json:"failures"`
	Errors           []string `json:"errors,omitempty"`
}

// SymbolSyncService mirrors the exchange's instrument list into the catalog.
type SymbolSyncService struct {
	catalog CatalogStore
	clients ClientProvider
	logger  *logrus.Entry
}

func NewSymbolSyncService(catalog CatalogStore, clients ClientProvider, logger *logrus.Logger) *SymbolSyncService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SymbolSyncService{
		catalog: catalog,
		clients: clients,
		logger:  logger.WithField("component", "symbol_sync"),
	}
}

// SyncAll refreshes the symbols of every enabled market. New symbols are
// created with sync switched off; existing ones get fresh status and
// precision. A failing market does not stop the others.
func (s *SymbolSyncService) SyncAll(ctx context.Context) (*SymbolSyncSummary, error) {
	markets, err := s.catalog.ListSyncableMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}

	summary := &SymbolSyncSummary{}
	infoBySource := make(map[int64][]models.SymbolInfo)

	for i := range markets {
		ms := &markets[i]
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		infos, ok := infoBySource[ms.DataSource.ID]
		if !ok {
			infos, err = s.fetch(ctx, &ms.DataSource)
			if err != nil {
				summary.Failures++
				summary.Errors = append(summary.Errors, fmt.Sprintf("market %s: %v", ms.Market.Name, err))
				s.logger.WithError(err).WithField("market", ms.Market.Name).Warn("Failed to fetch exchange info")
				continue
			}
			infoBySource[ms.DataSource.ID] = infos
		}

		summary.MarketsProcessed++
		for _, info := range infos {
			created, err := s.catalog.UpsertSymbol(ctx, ms.Market.ID, info)
			if err != nil {
				summary.Failures++
				summary.Errors = append(summary.Errors, fmt.Sprintf("market %s symbol %s: %v", ms.Market.Name, info.Symbol, err))
				continue
			}
			summary.TotalSymbols++
			if created {
				summary.Created++
			} else {
				summary.Updated++
			}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"markets":  summary.MarketsProcessed,
		"symbols":  summary.TotalSymbols,
		"created":  summary.Created,
		"updated":  summary.Updated,
		"failures": summary.Failures,
	}).Info("Symbol sync finished")
	return summary, nil
}

func (s *SymbolSyncService) fetch(ctx context.Context, source *models.DataSource) ([]models.SymbolInfo, error) {
	client, err := s.clients.ClientFor(source)
	if err != nil {
		return nil, err
	}
	return client.ExchangeInfo(ctx)
}

// TestConnection checks that the exchange behind a data source answers.
// Disabled sources can be tested; deleted ones are not found.
func (s *SymbolSyncService) TestConnection(ctx context.Context, dataSourceID int64) (*exchange.ConnectionResult, error) {
	source, err := s.catalog.FindDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if source.Deleted {
		return nil, utils.NewNotFoundError("data source", dataSourceID)
	}

	client, err := s.clients.ClientFor(source)
	if err != nil {
		return nil, err
	}
	result, err := client.TestConnection(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("data_source_id", dataSourceID).Warn("Connection test failed")
		return nil, fmt.Errorf("connection test for data source %d failed: %w", dataSourceID, err)
	}
	return result, nil
}
