// Package config loads server configuration from environment variables and
// an optional .env file in the working directory.
//
// Storage:
//   - ADAPTER: one of postgres, sqlite, redis or memory (default "postgres").
//   - DATABASE_URL: PostgreSQL connection string, required for postgres.
//   - NOTIFY_CHANNEL: Postgres LISTEN/NOTIFY channel (default "gate_changes").
//   - SQLITE_PATH: database file for sqlite (default "gatez.db").
//   - REDIS_URL: redis:// URL, required for redis.
//   - REDIS_PREFIX: key prefix for redis (default "gatez:").
//   - MIGRATE_ON_START: run embedded migrations at startup (default true).
//   - CACHE_TTL: read-through cache lifetime, "0s" disables (default "0s").
//
// Server:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - API_KEYS: comma separated id=bcrypt-hash pairs. Empty disables auth.
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per client (default 10).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - OTEL_EXPORTER_OTLP_ENDPOINT: enables tracing when set.
//   - OTEL_SERVICE_NAME: service name on exported spans (default "gatez").
//
// Seeding:
//   - SEED_FILE: YAML or JSON seed document imported at startup.
//   - SEED_WATCH: re-import SEED_FILE when it changes (default false).
//   - SEED_REPLACE: features missing from the seed file are removed on import
//     (default false).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	AdapterPostgres = "postgres"
	AdapterSQLite   = "sqlite"
	AdapterRedis    = "redis"
	AdapterMemory   = "memory"
)

var (
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Config holds the runtime configuration for the gatez server.
type Config struct {
	Adapter        string        `env:"ADAPTER" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	NotifyChannel  string        `env:"NOTIFY_CHANNEL" envDefault:"gate_changes"`
	SQLitePath     string        `env:"SQLITE_PATH" envDefault:"gatez.db"`
	MigrateOnStart bool          `env:"MIGRATE_ON_START" envDefault:"true"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"0s"`

	RedisURL            string        `env:"REDIS_URL"`
	RedisPrefix         string        `env:"REDIS_PREFIX" envDefault:"gatez:"`
	RedisRetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RedisRetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	HTTPAddr        string            `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string            `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel        string            `env:"LOG_LEVEL" envDefault:"info"`
	APIKeys         map[string]string `env:"API_KEYS" envKeyValSeparator:"="`
	AuthRateLimit   int               `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxJSONBodySize int64             `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	OTLPEndpoint    string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName     string            `env:"OTEL_SERVICE_NAME" envDefault:"gatez"`

	SeedFile    string `env:"SEED_FILE"`
	SeedWatch   bool   `env:"SEED_WATCH" envDefault:"false"`
	SeedReplace bool   `env:"SEED_REPLACE" envDefault:"false"`
}

// Load reads configuration from the environment, applying defaults where
// appropriate. A .env file is loaded first when present; variables already
// set in the environment win. It returns an error if adapter-specific
// requirements are missing or if values fail validation.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Adapter = strings.ToLower(strings.TrimSpace(c.Adapter))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	c.SeedFile = strings.TrimSpace(c.SeedFile)
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	switch c.Adapter {
	case AdapterPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres adapter", ErrInvalidConfig)
		}
	case AdapterSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: SQLITE_PATH is required for the sqlite adapter", ErrInvalidConfig)
		}
	case AdapterRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: REDIS_URL is required for the redis adapter", ErrInvalidConfig)
		}
		if c.RedisRetryAttempts < 1 {
			return fmt.Errorf("%w: REDIS_RETRY_ATTEMPTS must be > 0", ErrInvalidConfig)
		}
		if c.RedisRetryInterval <= 0 || c.RedisConnectTimeout <= 0 {
			return fmt.Errorf("%w: redis retry interval and connect timeout must be > 0", ErrInvalidConfig)
		}
	case AdapterMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAdapter, c.Adapter)
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: CACHE_TTL must be >= 0", ErrInvalidConfig)
	}
	if c.AuthRateLimit <= 0 {
		return fmt.Errorf("%w: AUTH_RATE_LIMIT must be > 0", ErrInvalidConfig)
	}
	if c.MaxJSONBodySize < 1 {
		return fmt.Errorf("%w: MAX_JSON_BODY_SIZE must be a positive integer (bytes)", ErrInvalidConfig)
	}
	for id, hash := range c.APIKeys {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(hash) == "" {
			return fmt.Errorf("%w: API_KEYS entries must be id=hash", ErrInvalidConfig)
		}
	}
	if c.SeedWatch && c.SeedFile == "" {
		return fmt.Errorf("%w: SEED_WATCH requires SEED_FILE", ErrInvalidConfig)
	}
	return nil
}

// AuthEnabled reports whether API keys are configured.
func (c Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}
