package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/candle-sync/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrorRecoveryManager lets the caller inject retry behaviour for the
// initial connection.
type ErrorRecoveryManager interface {
	ExecuteWithRetry(ctx context.Context, operationName string, operation func() error) error
}

type RedisClient struct {
	Client *redis.Client
}

func NewRedisConnection(cfg config.RedisConfig) (*RedisClient, error) {
	return NewRedisConnectionWithRetry(cfg, nil)
}

// NewRedisConnectionWithRetry connects and pings Redis, retrying through the
// recovery manager when one is given.
func NewRedisConnectionWithRetry(cfg config.RedisConfig, errorRecoveryManager ErrorRecoveryManager) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var connectionErr error
	if errorRecoveryManager != nil {
		connectionErr = errorRecoveryManager.ExecuteWithRetry(ctx, "redis_operation", func() error {
			return rdb.Ping(ctx).Err()
		})
	} else {
		connectionErr = rdb.Ping(ctx).Err()
	}

	if connectionErr != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", connectionErr)
	}

	logrus.Info("Successfully connected to Redis")

	return &RedisClient{Client: rdb}, nil
}

func (r *RedisClient) Close() {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil {
			logrus.WithError(err).Error("Error closing Redis client")
			return
		}
		logrus.Info("Redis connection closed")
	}
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return r.Client.Ping(ctx).Err()
}
