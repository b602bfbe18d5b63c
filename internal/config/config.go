package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Exchange    ExchangeConfig  `mapstructure:"exchange"`
	Realtime    RealtimeConfig  `mapstructure:"realtime"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Cleanup     CleanupConfig   `mapstructure:"cleanup"`
	Publisher   PublisherConfig `mapstructure:"publisher"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Security    SecurityConfig  `mapstructure:"security"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExchangeConfig tunes the REST transport shared by every data source.
type ExchangeConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxWeight       int           `mapstructure:"max_weight"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	UserAgent       string        `mapstructure:"user_agent"`
	SegmentDays     int           `mapstructure:"segment_days"`
	PageLimit       int           `mapstructure:"page_limit"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	// Mock serves canned candles instead of calling the exchange.
	Mock bool `mapstructure:"mock"`
}

// RealtimeConfig tunes the websocket subscriptions.
type RealtimeConfig struct {
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	DialsPerSecond       float64       `mapstructure:"dials_per_second"`
	DialBurst            int           `mapstructure:"dial_burst"`
	EventBuffer          int           `mapstructure:"event_buffer"`
	CatchUpThreshold     time.Duration `mapstructure:"catch_up_threshold"`
	AutoStart            bool          `mapstructure:"auto_start"`
}

type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshDelay    time.Duration `mapstructure:"refresh_delay"`
	ConfigCacheTTL  time.Duration `mapstructure:"config_cache_ttl"`
}

type CleanupConfig struct {
	TaskRetentionHours     int `mapstructure:"task_retention_hours"`
	GapRetentionHours      int `mapstructure:"gap_retention_hours"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

// PublisherConfig selects where live candles are fanned out to.
type PublisherConfig struct {
	Redis RedisPublisherConfig `mapstructure:"redis"`
	Kafka KafkaPublisherConfig `mapstructure:"kafka"`
}

type RedisPublisherConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

type KafkaPublisherConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Acks    string   `mapstructure:"acks"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	LogsEnabled    bool    `mapstructure:"logs_enabled"`
}

// SecurityConfig guards the mutating admin endpoints.
type SecurityConfig struct {
	AdminAPIKey     string `mapstructure:"admin_api_key" json:"-" yaml:"-"`
	AdminAPIKeyHash string `mapstructure:"admin_api_key_hash" json:"-" yaml:"-"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("security.admin_api_key", "ADMIN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ADMIN_API_KEY environment variable: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Scheduler.WorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler worker pool size must be positive, got %d", c.Scheduler.WorkerPoolSize)
	}
	if c.Exchange.MaxWeight <= 0 {
		return fmt.Errorf("exchange max weight must be positive, got %d", c.Exchange.MaxWeight)
	}
	if c.Exchange.SegmentDays < 1 || c.Exchange.SegmentDays > 30 {
		return fmt.Errorf("exchange segment days must be between 1 and 30, got %d", c.Exchange.SegmentDays)
	}
	if c.Exchange.PageLimit <= 0 || c.Exchange.PageLimit > 1000 {
		return fmt.Errorf("exchange page limit must be between 1 and 1000, got %d", c.Exchange.PageLimit)
	}
	if c.Realtime.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("realtime max reconnect attempts must be positive, got %d", c.Realtime.MaxReconnectAttempts)
	}
	if c.Publisher.Kafka.Enabled {
		if len(c.Publisher.Kafka.Brokers) == 0 {
			return errors.New("kafka publisher requires at least one broker")
		}
		if c.Publisher.Kafka.Topic == "" {
			return errors.New("kafka publisher requires a topic")
		}
	}
	if c.Environment != "development" && c.Security.AdminAPIKey == "" && c.Security.AdminAPIKeyHash == "" {
		return errors.New("ADMIN_API_KEY or security.admin_api_key_hash is required in non-development environments")
	}
	if c.Security.AdminAPIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Security.AdminAPIKeyHash)); err != nil {
			return fmt.Errorf("invalid admin api key hash: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Set database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "candle_sync")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "300s")
	viper.SetDefault("database.conn_max_idle_time", "60s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Exchange transport
	viper.SetDefault("exchange.connect_timeout", "10s")
	viper.SetDefault("exchange.read_timeout", "30s")
	viper.SetDefault("exchange.max_weight", 6000)
	viper.SetDefault("exchange.max_wait", "30s")
	viper.SetDefault("exchange.user_agent", "candle-sync/1.0")
	viper.SetDefault("exchange.segment_days", 30)
	viper.SetDefault("exchange.page_limit", 1000)
	viper.SetDefault("exchange.breaker_failures", 5)
	viper.SetDefault("exchange.mock", false)

	// Realtime
	viper.SetDefault("realtime.reconnect_base", "1s")
	viper.SetDefault("realtime.reconnect_max", "60s")
	viper.SetDefault("realtime.max_reconnect_attempts", 10)
	viper.SetDefault("realtime.dials_per_second", 5.0)
	viper.SetDefault("realtime.dial_burst", 5)
	viper.SetDefault("realtime.event_buffer", 1024)
	viper.SetDefault("realtime.catch_up_threshold", "1m")
	viper.SetDefault("realtime.auto_start", true)

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.worker_pool_size", 4)
	viper.SetDefault("scheduler.refresh_interval", "5m")
	viper.SetDefault("scheduler.refresh_delay", "60s")
	viper.SetDefault("scheduler.config_cache_ttl", "60s")

	// Cleanup
	viper.SetDefault("cleanup.task_retention_hours", 168)
	viper.SetDefault("cleanup.gap_retention_hours", 720)
	viper.SetDefault("cleanup.cleanup_interval_minutes", 60)

	// Publisher
	viper.SetDefault("publisher.redis.enabled", true)
	viper.SetDefault("publisher.redis.latest_ttl", "10m")
	viper.SetDefault("publisher.kafka.enabled", false)
	viper.SetDefault("publisher.kafka.brokers", []string{})
	viper.SetDefault("publisher.kafka.topic", "candles")
	viper.SetDefault("publisher.kafka.acks", "1")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	viper.SetDefault("telemetry.service_name", "candle-sync")
	viper.SetDefault("telemetry.service_version", "1.0.0")
	viper.SetDefault("telemetry.sample_ratio", 1.0)
	viper.SetDefault("telemetry.logs_enabled", false)

	// Security
	viper.SetDefault("security.admin_api_key", "")
	viper.SetDefault("security.admin_api_key_hash", "")
}
