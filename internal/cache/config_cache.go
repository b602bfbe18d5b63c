package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfigKey     = "candle_sync:system_config"
	DefaultConfigChannel = "candle_sync:system_config:invalidate"
)

// ConfigCacheEntry is the cached copy of the system config table.
type ConfigCacheEntry struct {
	Values    map[string]string `json:"values"`
	CachedAt  time.Time         `json:"cached_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ConfigCacheStats tracks cache performance metrics
type ConfigCacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Invalidations int64 `json:"invalidations"`
}

// RedisConfigCache shares one config snapshot between service instances
// and carries invalidation messages over pub/sub.
type RedisConfigCache struct {
	redis   *redis.Client
	ttl     time.Duration
	key     string
	channel string
	logger  *logrus.Entry

	mu    sync.RWMutex
	stats ConfigCacheStats
}

// NewRedisConfigCache creates a new Redis-based config cache
func NewRedisConfigCache(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisConfigCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisConfigCache{
		redis:   redisClient,
		ttl:     ttl,
		key:     DefaultConfigKey,
		channel: DefaultConfigChannel,
		logger:  logger.WithField("component", "config_cache"),
	}
}

// TTL returns how long a cached snapshot stays valid.
func (c *RedisConfigCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached values. A miss, a Redis error and an unreadable
// entry all report false.
func (c *RedisConfigCache) Get(ctx context.Context) (map[string]string, bool) {
	data, err := c.redis.Get(ctx, c.key).Result()
	if err == redis.Nil {
		c.count(func(s *ConfigCacheStats) { s.Misses++ })
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("Redis error reading config cache")
		c.count(func(s *ConfigCacheStats) { s.Misses++ })
		return nil, false
	}

	var entry ConfigCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WithError(err).Warn("Discarding unreadable config cache entry")
		c.count(func(s *ConfigCacheStats) { s.Misses++ })
		return nil, false
	}

	c.count(func(s *ConfigCacheStats) { s.Hits++ })
	return entry.Values, true
}

// Set stores values with the cache TTL.
func (c *RedisConfigCache) Set(ctx context.Context, values map[string]string) error {
	now := time.Now().UTC()
	data, err := json.Marshal(ConfigCacheEntry{
		Values:    values,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize config cache entry: %w", err)
	}
	if err := c.redis.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write config cache: %w", err)
	}
	c.count(func(s *ConfigCacheStats) { s.Sets++ })
	return nil
}

// Invalidate drops the cached snapshot.
func (c *RedisConfigCache) Invalidate(ctx context.Context) error {
	if err := c.redis.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate config cache: %w", err)
	}
	c.count(func(s *ConfigCacheStats) { s.Invalidations++ })
	return nil
}

// Publish announces a config change to every subscribed instance. The
// payload identifies the sender.
func (c *RedisConfigCache) Publish(ctx context.Context, sender string) error {
	if err := c.redis.Publish(ctx, c.channel, sender).Err(); err != nil {
		return fmt.Errorf("failed to publish config invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers invalidation payloads until ctx is done. The returned
// channel is closed when the subscription ends.
func (c *RedisConfigCache) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := c.redis.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// GetStats returns current cache statistics
func (c *RedisConfigCache) GetStats() ConfigCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *RedisConfigCache) count(fn func(*ConfigCacheStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
