package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/gate"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/txn"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
	BackendDynamoDB = "dynamodb"
	BackendMongoDB  = "mongodb"
)

// Config represents the full application configuration surface.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Stock    StockConfig
	Seed     SeedConfig
	Orders   OrdersConfig
	LogLevel string
}

type ServerConfig struct {
	HTTPPort string
	GRPCPort string
}

// StoreConfig selects the record store and holds the settings of every
// backend; only the selected one is used.
type StoreConfig struct {
	Backend        string
	MySQLDSN       string
	RedisAddr      string
	BoltPath       string
	DynamoDBTable  string
	MongoURI       string
	MongoDB        string
	IdempotencyTTL time.Duration
}

// StockConfig holds the concurrency control defaults.
type StockConfig struct {
	Strategy         domain.Strategy
	RetryMaxAttempts int
	RetryDelay       time.Duration
	RetryBackoff     string
	SerialGate       string
	Propagation      txn.Propagation
}

// SeedConfig is the record created at startup. An empty ItemID seeds
// nothing.
type SeedConfig struct {
	ItemID   string
	Quantity int64
}

// OrdersConfig sizes the queue and worker pool that persist placed orders.
type OrdersConfig struct {
	Workers   int
	QueueSize int
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		_ = godotenv.Load()
	}

	var errs error
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort: getenvWithDefault("APP_HTTP_PORT", "8080"),
			GRPCPort: getenvWithDefault("APP_GRPC_PORT", "50051"),
		},
		Store: StoreConfig{
			Backend:        getenvWithDefault("STORE_BACKEND", BackendMemory),
			MySQLDSN:       getenvWithDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/stockguard?parseTime=true"),
			RedisAddr:      getenvWithDefault("REDIS_ADDR", "localhost:6379"),
			BoltPath:       getenvWithDefault("BOLT_PATH", "stockguard.db"),
			DynamoDBTable:  getenvWithDefault("DYNAMODB_TABLE", "stock"),
			MongoURI:       getenvWithDefault("MONGODB_URI", "mongodb://localhost:27017"),
			MongoDB:        getenvWithDefault("MONGODB_DB", "stockguard"),
			IdempotencyTTL: durationEnv("IDEMPOTENCY_TTL", 24*time.Hour, &errs),
		},
		Stock: StockConfig{
			RetryMaxAttempts: intEnv("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts, &errs),
			RetryDelay:       durationEnv("RETRY_DELAY", retry.DefaultDelay, &errs),
			RetryBackoff:     getenvWithDefault("RETRY_BACKOFF", "fixed"),
			SerialGate:       getenvWithDefault("SERIAL_GATE", "global"),
		},
		Seed: SeedConfig{
			ItemID:   os.Getenv("SEED_ITEM_ID"),
			Quantity: int64(intEnv("SEED_QUANTITY", 100, &errs)),
		},
		Orders: OrdersConfig{
			Workers:   intEnv("ORDER_WORKERS", 10, &errs),
			QueueSize: intEnv("ORDER_QUEUE_SIZE", 10000, &errs),
		},
		LogLevel: getenvWithDefault("LOG_LEVEL", "info"),
	}
	if _, ok := os.LookupEnv("SEED_ITEM_ID"); !ok {
		cfg.Seed.ItemID = "iphone-15"
	}

	strategy, err := domain.ParseStrategy(getenvWithDefault("STOCK_STRATEGY", string(domain.StrategyOptimistic)))
	errs = multierr.Append(errs, err)
	cfg.Stock.Strategy = strategy

	propagation, err := txn.ParsePropagation(getenvWithDefault("TX_PROPAGATION", "join"))
	errs = multierr.Append(errs, err)
	cfg.Stock.Propagation = propagation

	if errs != nil {
		return nil, errs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that enum values are known and limits are positive.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs error
	switch c.Store.Backend {
	case BackendMemory, BackendMySQL, BackendRedis, BackendBolt, BackendDynamoDB, BackendMongoDB:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	if c.Stock.RetryMaxAttempts < 1 {
		errs = multierr.Append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Stock.RetryDelay < 0 {
		errs = multierr.Append(errs, errors.New("RETRY_DELAY must not be negative"))
	}
	if _, err := retry.NewBackoff(c.Stock.RetryBackoff, c.Stock.RetryDelay); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("RETRY_BACKOFF: %w", err))
	}
	if _, err := gate.New(c.Stock.SerialGate); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("SERIAL_GATE: %w", err))
	}
	if c.Orders.Workers < 1 {
		errs = multierr.Append(errs, errors.New("ORDER_WORKERS must be at least 1"))
	}
	if c.Orders.QueueSize < 0 {
		errs = multierr.Append(errs, errors.New("ORDER_QUEUE_SIZE must not be negative"))
	}
	if c.Seed.Quantity < 0 {
		errs = multierr.Append(errs, errors.New("SEED_QUANTITY must not be negative"))
	}

	return errs
}

// RetryPolicy builds the default optimistic retry policy.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	b, err := retry.NewBackoff(c.Stock.RetryBackoff, c.Stock.RetryDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts: c.Stock.RetryMaxAttempts,
		Backoff:     b,
		Retryable:   domain.IsConflict,
	}, nil
}

func getenvWithDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int, errs *error) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func durationEnv(key string, fallback time.Duration, errs *error) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
