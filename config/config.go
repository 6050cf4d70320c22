// Package config provides configuration management for the application.
//
// Configuration comes from environment variables, optionally seeded from a
// .env file in the working directory. All variables are prefixed GOLEDGER_.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Pricing PricingConfig
	Janitor JanitorConfig
	Verify  VerifyConfig
	Metrics MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Port for the operational HTTP endpoints (health, metrics).
	Port string
	// LogFormat selects "json" or "pretty" log output.
	LogFormat string
	// LogLevel selects "debug", "info", "warn" or "error".
	LogLevel string
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Type is "memory", "sqlite", "postgresql" or "mongodb".
	Type string

	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
	MongoDB    MongoDBConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string
	MaxConns int
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string
	Database string
}

// PricingConfig points at optional pricing catalog overrides. Built-in
// defaults apply when both are empty.
type PricingConfig struct {
	// CatalogPath is a YAML catalog file merged over the defaults.
	CatalogPath string
	// CatalogJSONPath is a legacy JSON catalog export merged over the
	// defaults. Applied after CatalogPath when both are set.
	CatalogJSONPath string
}

// JanitorConfig controls the expired-reservation sweeper
type JanitorConfig struct {
	// Interval between sweeps, in seconds (default 60).
	IntervalSeconds int
	// BatchSize is the maximum reservations refunded per sweep (default 100).
	BatchSize int
}

// VerifyConfig configures the async cost-verification queue producer
type VerifyConfig struct {
	// RedisURL enables the producer when set (e.g. redis://localhost:6379/0).
	RedisURL string
	// QueueKey is the Redis list jobs are pushed to (default goledger:verify).
	QueueKey string
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load() (*Config, error) {
	// Ignore error if .env file doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:      getEnv("GOLEDGER_PORT", "8080"),
			LogFormat: getEnv("GOLEDGER_LOG_FORMAT", "json"),
			LogLevel:  getEnv("GOLEDGER_LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			Type: getEnv("GOLEDGER_STORAGE_TYPE", "sqlite"),
			SQLite: SQLiteConfig{
				Path: getEnv("GOLEDGER_SQLITE_PATH", "data/goledger.db"),
			},
			PostgreSQL: PostgreSQLConfig{
				URL: os.Getenv("GOLEDGER_POSTGRES_URL"),
			},
			MongoDB: MongoDBConfig{
				URL:      os.Getenv("GOLEDGER_MONGODB_URL"),
				Database: getEnv("GOLEDGER_MONGODB_DATABASE", "goledger"),
			},
		},
		Pricing: PricingConfig{
			CatalogPath:     os.Getenv("GOLEDGER_PRICING_CATALOG"),
			CatalogJSONPath: os.Getenv("GOLEDGER_PRICING_CATALOG_JSON"),
		},
		Verify: VerifyConfig{
			RedisURL: os.Getenv("GOLEDGER_REDIS_URL"),
			QueueKey: getEnv("GOLEDGER_VERIFY_QUEUE_KEY", "goledger:verify"),
		},
	}

	var err error
	if cfg.Storage.PostgreSQL.MaxConns, err = getEnvInt("GOLEDGER_POSTGRES_MAX_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.Janitor.IntervalSeconds, err = getEnvInt("GOLEDGER_JANITOR_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.Janitor.BatchSize, err = getEnvInt("GOLEDGER_JANITOR_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled, err = getEnvBool("GOLEDGER_METRICS_ENABLED", true); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("invalid GOLEDGER_STORAGE_TYPE %q (valid: memory, sqlite, postgresql, mongodb)", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgreSQL.URL == "" {
		return fmt.Errorf("GOLEDGER_POSTGRES_URL is required for postgresql storage")
	}
	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URL == "" {
		return fmt.Errorf("GOLEDGER_MONGODB_URL is required for mongodb storage")
	}
	switch c.Server.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("invalid GOLEDGER_LOG_FORMAT %q (valid: json, pretty)", c.Server.LogFormat)
	}
	if c.Janitor.IntervalSeconds <= 0 {
		return fmt.Errorf("GOLEDGER_JANITOR_INTERVAL_SECONDS must be positive")
	}
	if c.Janitor.BatchSize <= 0 {
		return fmt.Errorf("GOLEDGER_JANITOR_BATCH_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}
