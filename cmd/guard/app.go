package main

import (
	"context"
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/guardapi/guard/internal/aggregator"
	"github.com/guardapi/guard/internal/breaker"
	"github.com/guardapi/guard/internal/cache"
	"github.com/guardapi/guard/internal/config"
	"github.com/guardapi/guard/internal/database"
	"github.com/guardapi/guard/internal/decision"
	"github.com/guardapi/guard/internal/keystore"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/quota"
	"github.com/guardapi/guard/internal/ratelimit"
	"github.com/guardapi/guard/internal/retention"
	"github.com/guardapi/guard/internal/server"
	"github.com/guardapi/guard/internal/usagelog"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// app holds the connections and components built from configuration
type app struct {
	cfg   *config.Config
	plans models.PlanCatalog

	db         *database.DB
	redis      *cache.Redis
	clickhouse *sqlx.DB

	keys      *keystore.Service
	limiter   ratelimit.Limiter
	tracker   quota.Tracker
	usage     usagelog.Store
	writer    *usagelog.Writer
	breakers  *breaker.Manager
	engine    *decision.Engine
	aggregate *aggregator.Aggregator
	sweeper   *retention.Sweeper
}

// connect opens the backing stores the configuration selects
func connect(cfg *config.Config) (*app, error) {
	plans, err := cfg.PlanCatalog()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, plans: plans}

	if cfg.NeedsPostgres() {
		a.db, err = database.New(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
	}

	if cfg.NeedsRedis() {
		a.redis, err = cache.New(cfg.Redis.URL, cfg.Redis.DialTimeout)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
	}

	if cfg.Usage.Backend == "clickhouse" {
		a.clickhouse, err = database.NewClickHouse(&cfg.ClickHouse)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
	}

	return a, nil
}

// buildKeys creates the key service
func (a *app) buildKeys() {
	var store keystore.Store
	if a.cfg.Keys.Store == "postgres" {
		store = keystore.NewPostgresStore(a.db.Pool)
	} else {
		store = keystore.NewMemoryStore()
	}

	var resolveCache keystore.ResolveCache
	switch a.cfg.Keys.Cache {
	case "redis":
		resolveCache = keystore.NewRedisResolveCache(a.redis.Client, a.cfg.Keys.CacheTTL)
	case "memory":
		resolveCache = keystore.NewMemoryResolveCache(a.cfg.Keys.CacheTTL)
	default:
		resolveCache = keystore.NoopResolveCache()
	}

	a.keys = keystore.NewService(store, resolveCache, keystore.Options{
		MaxPerOwner: a.cfg.Keys.MaxPerOwner,
		Hash: &argon2id.Params{
			Memory:      a.cfg.Keys.HashMemoryKiB,
			Iterations:  a.cfg.Keys.HashIterations,
			Parallelism: a.cfg.Keys.HashParallelism,
			SaltLength:  16,
			KeyLength:   32,
		},
		Plans: a.plans,
	})
}

// buildUsageStore creates the usage log store
func (a *app) buildUsageStore(ctx context.Context) error {
	switch a.cfg.Usage.Backend {
	case "postgres":
		a.usage = usagelog.NewPostgresStore(a.db.Pool)
	case "clickhouse":
		ch := usagelog.NewClickHouseStore(a.clickhouse)
		if err := ch.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
		a.usage = ch
	default:
		a.usage = usagelog.NewMemoryStore()
	}
	return nil
}

// buildAdmission creates the counters, usage writer, decision engine and aggregator
func (a *app) buildAdmission(ctx context.Context) error {
	if err := a.buildUsageStore(ctx); err != nil {
		return err
	}

	if a.cfg.RateLimit.Backend == "redis" {
		a.limiter = ratelimit.NewRedisLimiter(a.redis.Client)
	} else {
		a.limiter = ratelimit.NewMemoryLimiter()
	}
	if a.cfg.Quota.Backend == "redis" {
		a.tracker = quota.NewRedisTracker(a.redis.Client)
	} else {
		a.tracker = quota.NewMemoryTracker()
	}

	var sinks []usagelog.Sink
	if a.cfg.Kafka.Enabled() {
		sinks = append(sinks, usagelog.NewKafkaSink(usagelog.KafkaConfig{
			Brokers:      a.cfg.Kafka.Brokers,
			Topic:        a.cfg.Kafka.Topic,
			BatchTimeout: a.cfg.Kafka.BatchTimeout,
		}))
		log.Info().Strs("brokers", a.cfg.Kafka.Brokers).Str("topic", a.cfg.Kafka.Topic).Msg("Usage events mirrored to Kafka")
	}

	wcfg := usagelog.DefaultWriterConfig()
	wcfg.BufferSize = a.cfg.Usage.BufferSize
	wcfg.BatchSize = a.cfg.Usage.BatchSize
	if a.cfg.Usage.FlushInterval > 0 {
		wcfg.FlushInterval = a.cfg.Usage.FlushInterval
	}
	if a.cfg.Usage.EnqueueTimeout > 0 {
		wcfg.EnqueueTimeout = a.cfg.Usage.EnqueueTimeout
	}
	a.writer = usagelog.NewWriter(a.usage, wcfg, sinks...)

	bcfg := breaker.DefaultConfig()
	if a.cfg.Breaker.MaxRequests > 0 {
		bcfg.MaxRequests = a.cfg.Breaker.MaxRequests
	}
	if a.cfg.Breaker.Interval > 0 {
		bcfg.Interval = a.cfg.Breaker.Interval
	}
	if a.cfg.Breaker.Timeout > 0 {
		bcfg.Timeout = a.cfg.Breaker.Timeout
	}
	if a.cfg.Breaker.FailureThreshold > 0 {
		bcfg.FailureThreshold = a.cfg.Breaker.FailureThreshold
	}
	if a.cfg.Decision.StoreTimeout > 0 {
		bcfg.CallTimeout = a.cfg.Decision.StoreTimeout
	}
	if a.cfg.Decision.RetryBackoff > 0 {
		bcfg.RetryBackoff = a.cfg.Decision.RetryBackoff
	}

	a.breakers = breaker.NewManager(bcfg)
	a.engine = decision.New(a.keys, a.limiter, a.tracker, a.writer, a.plans,
		decision.WithBreakers(a.breakers))
	a.aggregate = aggregator.New(a.usage, a.limiter, a.tracker, a.plans)
	return nil
}

// buildSweeper creates the retention sweeper
func (a *app) buildSweeper() {
	a.sweeper = retention.NewSweeper(a.keys, a.usage, a.plans, &retention.Config{
		Interval:  a.cfg.Retention.Interval,
		BatchSize: a.cfg.Retention.BatchSize,
	})
}

// healthChecks lists a probe per open connection
func (a *app) healthChecks() map[string]server.HealthCheck {
	checks := make(map[string]server.HealthCheck)
	if a.db != nil {
		checks["postgres"] = a.db.Health
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	if a.clickhouse != nil {
		checks["clickhouse"] = a.clickhouse.PingContext
	}
	return checks
}

// close releases connections
func (a *app) close() {
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ClickHouse connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
