// Package publisher fans live candles out to downstream consumers.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

// CandlePublisher delivers one candle update to downstream consumers.
type CandlePublisher interface {
	Publish(ctx context.Context, symbol string, candle models.Candle) error
	Close() error
}

// CandleMessage is the wire form of a published candle.
type CandleMessage struct {
	Symbol string `json:"symbol"`
	models.Candle
}

// ChannelName is the pub/sub channel of one series.
func ChannelName(symbol string, interval models.Interval) string {
	return fmt.Sprintf("candles:%s:%s", interval, models.NormalizeSymbol(symbol))
}

// LatestKey is the key holding the most recent candle of one series.
func LatestKey(symbol string, interval models.Interval) string {
	return fmt.Sprintf("candle:latest:%s:%s", interval, models.NormalizeSymbol(symbol))
}

// MessageKey partitions Kafka messages by series.
func MessageKey(symbol string, interval models.Interval) string {
	return models.NormalizeSymbol(symbol) + ":" + interval.String()
}

// Multi publishes to every configured publisher and joins their errors.
type Multi struct {
	publishers []CandlePublisher
	logger     *logrus.Entry
}

func NewMulti(logger *logrus.Logger, publishers ...CandlePublisher) *Multi {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var active []CandlePublisher
	for _, p := range publishers {
		if p != nil {
			active = append(active, p)
		}
	}
	return &Multi{publishers: active, logger: logger.WithField("component", "publisher")}
}

// Len returns the number of active publishers.
func (m *Multi) Len() int {
	return len(m.publishers)
}

func (m *Multi) Publish(ctx context.Context, symbol string, candle models.Candle) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, symbol, candle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			m.logger.WithError(err).Warn("Error closing candle publisher")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every candle.
type Nop struct{}

func (Nop) Publish(context.Context, string, models.Candle) error { return nil }
func (Nop) Close() error                                        { return nil }
