package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ストレージドライバ
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"168h"`

	// Rate Limit
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitBooking int `env:"RATE_LIMIT_BOOKING" envDefault:"10"`

	// Cache
	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"60s"`

	// Messaging
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"parkride.events"`

	// Sensor
	SensorQueueURL string `env:"SQS_SENSOR_QUEUE_URL"`
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`

	// Tracing
	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`

	// Pricing / Booking
	PricingTimezone          string        `env:"PRICING_TIMEZONE" envDefault:"UTC"`
	CancellationRefundWindow time.Duration `env:"CANCELLATION_REFUND_WINDOW" envDefault:"2h"`
	NoShowGrace              time.Duration `env:"NO_SHOW_GRACE" envDefault:"30m"`
	ReminderLead             time.Duration `env:"REMINDER_LEAD" envDefault:"30m"`

	// Worker
	WorkerInterval            time.Duration `env:"WORKER_INTERVAL" envDefault:"1m"`
	NotificationRetentionDays int           `env:"NOTIFICATION_RETENTION_DAYS" envDefault:"90"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// PricingLocation はPricingTimezoneを解決したもの。Load内で設定される。
	PricingLocation *time.Location `env:"-"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Required fields
	var missing []string

	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("invalid STORAGE_DRIVER: %q (expected %q or %q)",
			cfg.StorageDriver, StorageDriverPostgres, StorageDriverMemory)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	loc, err := time.LoadLocation(cfg.PricingTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid PRICING_TIMEZONE %q: %w", cfg.PricingTimezone, err)
	}
	cfg.PricingLocation = loc

	if cfg.RateLimitGeneral <= 0 || cfg.RateLimitBooking <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: general=%d booking=%d",
			cfg.RateLimitGeneral, cfg.RateLimitBooking)
	}
	if cfg.WorkerInterval <= 0 {
		return nil, fmt.Errorf("WORKER_INTERVAL must be positive: %s", cfg.WorkerInterval)
	}

	return cfg, nil
}
