package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orguetta/finely/internal/config"
	"github.com/orguetta/finely/internal/store"
	pgstore "github.com/orguetta/finely/internal/store/postgres"
	redisstore "github.com/orguetta/finely/internal/store/redis"
	"github.com/orguetta/finely/pkg/database"
)

// openStore builds the session store selected by SESSION_STORE. The returned
// close function releases any connection the store holds.
func openStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.SessionStore {
	case config.StoreMemory:
		logger.Warn("using in-memory session store, sessions end with the process")
		return store.NewMemory(), noop, nil

	case config.StoreFile:
		logger.Info("using file session store", slog.String("path", cfg.SessionFile))
		return store.NewFile(cfg.SessionFile), noop, nil

	case config.StoreRedis:
		redisCfg := database.DefaultRedisConfig()
		redisCfg.Host = cfg.RedisHost
		redisCfg.Port = cfg.RedisPort
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB

		rdb, err := database.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("using redis session store",
			slog.String("addr", rdb.Options().Addr),
			slog.Int("db", cfg.RedisDB),
		)
		return redisstore.NewSessionStore(rdb, cfg.SessionName, cfg.SessionTTL), rdb.Close, nil

	case config.StorePostgres:
		pgCfg := database.DefaultPostgresConfig()
		pgCfg.Host = cfg.PostgresHost
		pgCfg.Port = cfg.PostgresPort
		pgCfg.User = cfg.PostgresUser
		pgCfg.Password = cfg.PostgresPassword
		pgCfg.DBName = cfg.PostgresDB
		pgCfg.SSLMode = cfg.PostgresSSLMode
		pgCfg.MaxConns = cfg.PostgresMaxConns

		pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pgstore.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate session store: %w", err)
		}
		if err := database.RegisterPoolMetrics(reg, pool, serviceName); err != nil {
			logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}
		database.SetSlowQueryLogging(cfg.SlowQuery, logger)
		logger.Info("using postgres session store", slog.String("host", cfg.PostgresHost))

		closeFn := func() error {
			pool.Close()
			return nil
		}
		return pgstore.NewSessionStore(pool, cfg.SessionName, cfg.SessionTTL), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}
