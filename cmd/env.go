package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/dedup"
	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/enrich/provider"
	"github.com/sells-group/lead-enrich/internal/merge"
	"github.com/sells-group/lead-enrich/internal/resilience"
	"github.com/sells-group/lead-enrich/internal/store"
)

// appEnv holds the store and services shared by every command.
type appEnv struct {
	Store        store.Store
	Redis        *redis.Client // nil when breaker state is in memory
	Breaker      *resilience.Breaker
	Orchestrator *enrich.Orchestrator
	Detector     *dedup.Detector
	Merger       *merge.Coordinator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, connects the store and breaker state, and
// builds the enrichment, dedup, and merge services. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	enrichCfg, err := cfg.Enrichment()
	if err != nil {
		return nil, eris.Wrap(err, "load task config")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st}

	stateStore, rdb, err := initBreakerState(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Redis = rdb

	env.Breaker = resilience.NewBreaker(stateStore, cfg.BreakerConfigs(enrichCfg),
		resilience.WithStateChange(func(provider string, from, to resilience.CircuitState) {
			zap.L().Warn("circuit breaker state change",
				zap.String("provider", provider),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)

	env.Orchestrator = enrich.New(enrichCfg, provider.BuildRegistry(enrichCfg), env.Breaker,
		enrich.WithMaxRetries(cfg.Batch.MaxRetries),
		enrich.WithRetryBackoff(retryConfig("enrich", "task")),
	)
	env.Detector = dedup.NewDetector(st,
		dedup.WithThreshold(cfg.Dedup.Threshold),
		dedup.WithCandidateLimit(cfg.Dedup.CandidateLimit),
	)
	env.Merger = merge.NewCoordinator(st)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("shared_breakers", rdb != nil),
		zap.Int("providers", len(env.Breaker.Providers())),
		zap.Int("enabled_tasks", len(enrichCfg.EnabledTasks())),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	err := resilience.Do(ctx, retryConfig("store", "connect"), func(ctx context.Context) error {
		var err error
		switch cfg.Store.Driver {
		case "sqlite":
			dsn := cfg.Store.DatabaseURL
			if dsn == "" {
				dsn = "lead-enrich.db"
			}
			st, err = store.NewSQLite(dsn)
		case "postgres":
			st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
				MaxConns: cfg.Store.MaxConns,
				MinConns: cfg.Store.MinConns,
			})
		default:
			return eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
		}
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initBreakerState returns the Redis-backed breaker state when redis.addr is
// set, and process-local state otherwise.
func initBreakerState(ctx context.Context) (resilience.StateStore, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		zap.L().Debug("redis not configured, circuit breaker state is process-local")
		return resilience.NewMemoryStateStore(), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	err := resilience.Do(ctx, retryConfig("redis", "ping"), func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrap(err, "connect redis")
	}
	return resilience.NewRedisStateStore(rdb, cfg.Redis.KeyPrefix), rdb, nil
}

func retryConfig(service, operation string) resilience.RetryConfig {
	rc := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	rc.OnRetry = resilience.RetryLogger(service, operation)
	return rc
}
