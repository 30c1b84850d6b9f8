package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// EnvPrefix is prepended to every environment override
const EnvPrefix = "GUARD"

// Config holds all configuration for the application
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	ClickHouse     ClickHouseConfig     `mapstructure:"clickhouse"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Plans          PlansConfig          `mapstructure:"plans"`
	Keys           KeysConfig           `mapstructure:"keys"`
	RateLimit      BackendConfig        `mapstructure:"ratelimit"`
	Quota          BackendConfig        `mapstructure:"quota"`
	AdminRateLimit AdminRateLimitConfig `mapstructure:"admin_rate_limit"`
	Decision       DecisionConfig       `mapstructure:"decision"`
	Breaker        BreakerConfig        `mapstructure:"breaker"`
	Usage          UsageConfig          `mapstructure:"usage"`
	Retention      RetentionConfig      `mapstructure:"retention"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	CORS           CORSConfig           `mapstructure:"cors"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	Name            string        `mapstructure:"name"`
	URL             string        `mapstructure:"url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type ClickHouseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Enabled reports whether a usage mirror to Kafka is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

type AuthConfig struct {
	MasterKey        string `mapstructure:"master_key"`
	EnforceMasterKey bool   `mapstructure:"enforce_master_key"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTIssuer        string `mapstructure:"jwt_issuer"`
}

type PlanConfig struct {
	RPM       int           `mapstructure:"rpm"`
	Monthly   int64         `mapstructure:"monthly"`
	Retention time.Duration `mapstructure:"retention"`
	PriceUSD  string        `mapstructure:"price_usd"`
}

type PlansConfig struct {
	Free PlanConfig `mapstructure:"free"`
	Pro  PlanConfig `mapstructure:"pro"`
}

type KeysConfig struct {
	Store                 string        `mapstructure:"store"`
	MaxPerOwner           int           `mapstructure:"max_per_owner"`
	Cache                 string        `mapstructure:"cache"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	LastSeenFlushInterval time.Duration `mapstructure:"last_seen_flush_interval"`
	HashMemoryKiB         uint32        `mapstructure:"hash_memory_kib"`
	HashIterations        uint32        `mapstructure:"hash_iterations"`
	HashParallelism       uint8         `mapstructure:"hash_parallelism"`
}

// BackendConfig selects between the shared (redis) and single-process (memory) counter stores
type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

type AdminRateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPM     int  `mapstructure:"rpm"`
}

type DecisionConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type UsageConfig struct {
	Backend        string        `mapstructure:"backend"`
	BufferSize     int           `mapstructure:"buffer_size"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	CloseTimeout   time.Duration `mapstructure:"close_timeout"`
}

type RetentionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `mapstructure:"prometheus_enabled"`
	PrometheusPort    int  `mapstructure:"prometheus_port"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// legacyEnv binds environment names used by existing deployments
var legacyEnv = map[string][]string{
	"auth.master_key": {"GUARD_MASTER_KEY"},
	"database.url":    {"GUARD_DATABASE_URL", "DATABASE_URL"},
	"redis.url":       {"GUARD_REDIS_URL", "REDIS_URL"},
	"server.env":      {"GUARD_SERVER_ENV", "APP_ENV"},
	"server.port":     {"GUARD_SERVER_PORT", "PORT"},
}

// Load reads embedded defaults, merges the YAML file at path (if any), and
// applies GUARD_* environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.Server.Env == "production" {
		if c.Auth.MasterKey == "" {
			return fmt.Errorf("GUARD_MASTER_KEY is required in production")
		}
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if !oneOf(c.Keys.Store, "postgres", "memory") {
		return fmt.Errorf("keys.store must be postgres or memory, got %q", c.Keys.Store)
	}
	if !oneOf(c.Keys.Cache, "redis", "memory", "none") {
		return fmt.Errorf("keys.cache must be redis, memory or none, got %q", c.Keys.Cache)
	}
	if !oneOf(c.RateLimit.Backend, "redis", "memory") {
		return fmt.Errorf("ratelimit.backend must be redis or memory, got %q", c.RateLimit.Backend)
	}
	if !oneOf(c.Quota.Backend, "redis", "memory") {
		return fmt.Errorf("quota.backend must be redis or memory, got %q", c.Quota.Backend)
	}
	if !oneOf(c.Usage.Backend, "postgres", "clickhouse", "memory") {
		return fmt.Errorf("usage.backend must be postgres, clickhouse or memory, got %q", c.Usage.Backend)
	}
	if c.Usage.BufferSize <= 0 || c.Usage.BatchSize <= 0 {
		return fmt.Errorf("usage.buffer_size and usage.batch_size must be positive")
	}
	if _, err := c.PlanCatalog(); err != nil {
		return err
	}
	return nil
}

// NeedsRedis reports whether any configured component uses Redis
func (c *Config) NeedsRedis() bool {
	return c.RateLimit.Backend == "redis" || c.Quota.Backend == "redis" || c.Keys.Cache == "redis"
}

// NeedsPostgres reports whether any configured component uses Postgres
func (c *Config) NeedsPostgres() bool {
	return c.Keys.Store == "postgres" || c.Usage.Backend == "postgres"
}

// PlanCatalog builds the plan catalog from configuration
func (c *Config) PlanCatalog() (models.PlanCatalog, error) {
	catalog := models.DefaultPlans()
	for name, pc := range map[models.PlanName]PlanConfig{
		models.PlanFree: c.Plans.Free,
		models.PlanPro:  c.Plans.Pro,
	} {
		p := catalog[name]
		if pc.RPM > 0 {
			p.RPM = pc.RPM
		}
		if pc.Monthly > 0 {
			p.Monthly = pc.Monthly
		}
		if pc.Retention > 0 {
			p.Retention = pc.Retention
		}
		if pc.PriceUSD != "" {
			price, err := decimal.NewFromString(pc.PriceUSD)
			if err != nil {
				return nil, fmt.Errorf("plans.%s.price_usd: %w", name, err)
			}
			p.PriceUSD = price
		}
		catalog[name] = p
	}
	return catalog, nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
