package config

import (
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPPort    int
	MetricsPort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
	Market      MarketConfig
	Sweeper     SweeperConfig
}

// DatabaseConfig holds database connection settings. An empty URL runs
// the service on the in-memory store.
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings. An
// empty URL disables the queue intake and event publishing.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// ValidationConfig holds reading validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold float64
	MinDataPoints  int
	HardThreshold  int
}

// MarketConfig holds the marketplace ledger accounts
type MarketConfig struct {
	EscrowAccount string
	FeeCollector  string
	DefaultFeeBps int
}

// SweeperConfig holds the expiry sweep schedule
type SweeperConfig struct {
	CronSpec string
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVICE_NAME", "energy-claim-ledger")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("METRICS_PORT", 9091)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("RABBITMQ_INGEST_EXCHANGE", "claim-ledger.ingest.exchange")
	v.SetDefault("RABBITMQ_INGEST_QUEUE", "claim-ledger.ingest.queue")
	v.SetDefault("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.raw")
	v.SetDefault("RABBITMQ_EVENTS_EXCHANGE", "claim-ledger.events.exchange")
	v.SetDefault("RABBITMQ_DLQ_QUEUE", "claim-ledger.ingest.dlq")
	v.SetDefault("RABBITMQ_PREFETCH", 10)
	v.SetDefault("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080)
	v.SetDefault("ANOMALY_SPIKE_THRESHOLD", 3.0)
	v.SetDefault("ANOMALY_MIN_DATA_POINTS", 3)
	v.SetDefault("ANOMALY_HARD_THRESHOLD", 95)
	v.SetDefault("MARKET_ESCROW_ACCOUNT", "market-escrow")
	v.SetDefault("MARKET_FEE_COLLECTOR", "market-fees")
	v.SetDefault("MARKET_DEFAULT_FEE_BPS", 25)
	v.SetDefault("SWEEPER_CRON", "*/5 * * * *")

	cfg := &Config{
		ServiceName: v.GetString("SERVICE_NAME"),
		HTTPPort:    v.GetInt("HTTP_PORT"),
		MetricsPort: v.GetInt("METRICS_PORT"),
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              v.GetString("RABBITMQ_URL"),
			IngestExchange:   v.GetString("RABBITMQ_INGEST_EXCHANGE"),
			IngestQueue:      v.GetString("RABBITMQ_INGEST_QUEUE"),
			IngestRoutingKey: v.GetString("RABBITMQ_INGEST_ROUTING_KEY"),
			EventsExchange:   v.GetString("RABBITMQ_EVENTS_EXCHANGE"),
			DLQQueue:         v.GetString("RABBITMQ_DLQ_QUEUE"),
			PrefetchCount:    v.GetInt("RABBITMQ_PREFETCH"),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: v.GetInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES"),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold: v.GetFloat64("ANOMALY_SPIKE_THRESHOLD"),
			MinDataPoints:  v.GetInt("ANOMALY_MIN_DATA_POINTS"),
			HardThreshold:  v.GetInt("ANOMALY_HARD_THRESHOLD"),
		},
		Market: MarketConfig{
			EscrowAccount: v.GetString("MARKET_ESCROW_ACCOUNT"),
			FeeCollector:  v.GetString("MARKET_FEE_COLLECTOR"),
			DefaultFeeBps: v.GetInt("MARKET_DEFAULT_FEE_BPS"),
		},
		Sweeper: SweeperConfig{
			CronSpec: v.GetString("SWEEPER_CRON"),
		},
	}

	return cfg, nil
}
