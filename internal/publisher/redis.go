package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes candles on per-series channels and keeps the
// latest candle of each series under its own key.
type RedisPublisher struct {
	client    *redis.Client
	latestTTL time.Duration
}

func NewRedisPublisher(client *redis.Client, latestTTL time.Duration) *RedisPublisher {
	if latestTTL <= 0 {
		latestTTL = 10 * time.Minute
	}
	return &RedisPublisher{client: client, latestTTL: latestTTL}
}

func (p *RedisPublisher) Publish(ctx context.Context, symbol string, candle models.Candle) error {
	data, err := json.Marshal(CandleMessage{Symbol: models.NormalizeSymbol(symbol), Candle: candle})
	if err != nil {
		return fmt.Errorf("failed to marshal candle: %w", err)
	}

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, LatestKey(symbol, candle.Interval), data, p.latestTTL)
		pipe.Publish(ctx, ChannelName(symbol, candle.Interval), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish candle to redis: %w", err)
	}
	return nil
}

// Latest returns the most recent published candle of a series.
func (p *RedisPublisher) Latest(ctx context.Context, symbol string, interval models.Interval) (*CandleMessage, error) {
	data, err := p.client.Get(ctx, LatestKey(symbol, interval)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest candle: %w", err)
	}
	var msg CandleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode latest candle: %w", err)
	}
	return &msg, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *RedisPublisher) Close() error {
	return nil
}
