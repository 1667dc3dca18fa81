package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/config"
	"github.com/matt-riley/gatez/internal/logging"
	"github.com/matt-riley/gatez/internal/metrics"
	"github.com/matt-riley/gatez/internal/repository"
)

// store is an opened storage backend.
type store struct {
	adapter   adapter.Adapter
	ping      func(context.Context) error
	close     func()
	poolStats metrics.PoolStatsFunc
}

// openStore connects to the backend named by cfg.Adapter and, when
// cfg.MigrateOnStart is set, brings its schema up to date. The backend's
// connection pool is exposed on m, which may be nil.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (store, error) {
	st, err := dialStore(ctx, cfg, log)
	if err != nil {
		return store{}, err
	}
	if m != nil {
		m.RegisterPool(st.adapter.Name(), st.poolStats)
	}
	return st, nil
}

func dialStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store, error) {
	switch cfg.Adapter {
	case config.AdapterPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return store{}, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := repository.MigratePostgres(ctx, pool, log); err != nil {
				pool.Close()
				return store{}, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		repo := repository.NewPostgresRepositoryWithChannel(pool, cfg.NotifyChannel)
		return store{adapter: repo, ping: repo.Ping, close: pool.Close, poolStats: pgxPoolStats(pool)}, nil

	case config.AdapterSQLite:
		db, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return store{}, fmt.Errorf("open sqlite: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := repository.MigrateSQLite(ctx, db, log); err != nil {
				_ = db.Close()
				return store{}, fmt.Errorf("migrate sqlite: %w", err)
			}
		}
		repo := repository.NewSQLiteRepository(db)
		return store{adapter: repo, ping: repo.Ping, close: func() { _ = db.Close() }, poolStats: sqlPoolStats(db)}, nil

	case config.AdapterRedis:
		redis.SetLogger(logging.NewPrintfLogger(logging.Component(log, "redis")))
		client, err := repository.ConnectRedis(ctx, repository.RedisConfig{
			URL:            cfg.RedisURL,
			RetryAttempts:  cfg.RedisRetryAttempts,
			RetryInterval:  cfg.RedisRetryInterval,
			ConnectTimeout: cfg.RedisConnectTimeout,
		})
		if err != nil {
			return store{}, fmt.Errorf("connect redis: %w", err)
		}
		repo := repository.NewRedisRepository(client, cfg.RedisPrefix)
		return store{adapter: repo, ping: repo.Ping, close: func() { _ = client.Close() }, poolStats: redisPoolStats(client)}, nil

	case config.AdapterMemory:
		log.Warn("using the memory adapter, state is lost on restart")
		return store{
			adapter: adapter.NewMemory(),
			ping:    func(context.Context) error { return nil },
			close:   func() {},
		}, nil

	default:
		return store{}, fmt.Errorf("%w: %q", config.ErrUnknownAdapter, cfg.Adapter)
	}
}

func pgxPoolStats(pool *pgxpool.Pool) metrics.PoolStatsFunc {
	return func() metrics.PoolStats {
		stat := pool.Stat()
		return metrics.PoolStats{
			Acquired: int64(stat.AcquiredConns()),
			Idle:     int64(stat.IdleConns()),
			Total:    int64(stat.TotalConns()),
			Max:      int64(stat.MaxConns()),
		}
	}
}

func sqlPoolStats(db *sql.DB) metrics.PoolStatsFunc {
	return func() metrics.PoolStats {
		stat := db.Stats()
		return metrics.PoolStats{
			Acquired: int64(stat.InUse),
			Idle:     int64(stat.Idle),
			Total:    int64(stat.OpenConnections),
			Max:      int64(stat.MaxOpenConnections),
		}
	}
}

func redisPoolStats(client *redis.Client) metrics.PoolStatsFunc {
	return func() metrics.PoolStats {
		stat := client.PoolStats()
		return metrics.PoolStats{
			Acquired: int64(stat.TotalConns) - int64(stat.IdleConns),
			Idle:     int64(stat.IdleConns),
			Total:    int64(stat.TotalConns),
			Max:      int64(client.Options().PoolSize),
		}
	}
}
