package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres", cfg.Keys.Store)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, 4096, cfg.Usage.BufferSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Usage.EnqueueTimeout)
	assert.Equal(t, "guard.usage", cfg.Kafka.Topic)
	assert.False(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.NeedsRedis())
	assert.True(t, cfg.NeedsPostgres())

	plans, err := cfg.PlanCatalog()
	require.NoError(t, err)
	assert.Equal(t, 30, plans[models.PlanFree].RPM)
	assert.Equal(t, int64(10000), plans[models.PlanFree].Monthly)
	assert.Equal(t, 24*time.Hour, plans[models.PlanFree].Retention)
	assert.Equal(t, "10", plans[models.PlanPro].PriceUSD.String())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  free:
    rpm: 60
usage:
  backend: clickhouse
`), 0o600))

	t.Setenv("GUARD_RATELIMIT_BACKEND", "memory")
	t.Setenv("GUARD_QUOTA_BACKEND", "memory")
	t.Setenv("GUARD_KEYS_CACHE", "memory")
	t.Setenv("GUARD_KEYS_STORE", "memory")
	t.Setenv("GUARD_USAGE_FLUSH_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "clickhouse", cfg.Usage.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Usage.FlushInterval)
	assert.False(t, cfg.NeedsRedis())
	assert.False(t, cfg.NeedsPostgres())

	plans, err := cfg.PlanCatalog()
	require.NoError(t, err)
	assert.Equal(t, 60, plans[models.PlanFree].RPM)
	assert.Equal(t, 300, plans[models.PlanPro].RPM)
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("GUARD_MASTER_KEY", "legacy-master")
	t.Setenv("GUARD_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://legacy@db:5432/guard")
	t.Setenv("PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-master", cfg.Auth.MasterKey)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres://legacy@db:5432/guard", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "production requires master key", mutate: func(c *Config) {
			c.Server.Env = "production"
			c.Auth.MasterKey = ""
		}, wantErr: true},
		{name: "production with master key", mutate: func(c *Config) {
			c.Server.Env = "production"
			c.Auth.MasterKey = "m"
		}},
		{name: "unknown key store", mutate: func(c *Config) { c.Keys.Store = "mysql" }, wantErr: true},
		{name: "unknown cache", mutate: func(c *Config) { c.Keys.Cache = "memcached" }, wantErr: true},
		{name: "unknown limiter", mutate: func(c *Config) { c.RateLimit.Backend = "etcd" }, wantErr: true},
		{name: "unknown usage backend", mutate: func(c *Config) { c.Usage.Backend = "s3" }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.Usage.BatchSize = 0 }, wantErr: true},
		{name: "bad price", mutate: func(c *Config) { c.Plans.Pro.PriceUSD = "ten" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
