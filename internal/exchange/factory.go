package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

// RESTClient is the REST surface shared by the live and the mock client.
type RESTClient interface {
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)
	TestConnection(ctx context.Context) (*ConnectionResult, error)
	GetKlines(ctx context.Context, symbol string, interval models.Interval, start, end time.Time, limit int) ([]Kline, error)
	ExchangeInfo(ctx context.Context) ([]models.SymbolInfo, error)
	LimiterStats() LimiterStats
}

type cachedClient struct {
	client    RESTClient
	updatedAt time.Time
}

// ClientFactory hands out one client, and therefore one weight budget, per
// data source. A cached client is rebuilt when the source's row changed.
// With exchange.mock set every source gets a MockClient.
type ClientFactory struct {
	mu      sync.Mutex
	clients map[int64]cachedClient
	cfg     config.ExchangeConfig
	logger  *logrus.Logger
}

func NewClientFactory(cfg config.ExchangeConfig, logger *logrus.Logger) *ClientFactory {
	return &ClientFactory{
		clients: make(map[int64]cachedClient),
		cfg:     cfg,
		logger:  logger,
	}
}

// ClientFor returns the client of a data source.
func (f *ClientFactory) ClientFor(source *models.DataSource) (RESTClient, error) {
	if source == nil {
		return nil, fmt.Errorf("data source is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.clients[source.ID]; ok && cached.updatedAt.Equal(source.UpdatedAt) {
		return cached.client, nil
	}

	var client RESTClient
	if f.cfg.Mock {
		client = NewMockClient(source, f.cfg, f.logger)
	} else {
		live, err := NewClient(source, f.cfg, f.logger)
		if err != nil {
			return nil, err
		}
		client = live
	}
	f.clients[source.ID] = cachedClient{client: client, updatedAt: source.UpdatedAt}
	return client, nil
}

// Evict drops the cached client of a data source.
func (f *ClientFactory) Evict(sourceID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, sourceID)
}

// Stats returns limiter usage per data source.
func (f *ClientFactory) Stats() map[int64]LimiterStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]LimiterStats, len(f.clients))
	for id, cached := range f.clients {
		out[id] = cached.client.LimiterStats()
	}
	return out
}
