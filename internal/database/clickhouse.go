package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/guardapi/guard/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// NewClickHouse opens a ClickHouse connection through database/sql and verifies it
func NewClickHouse(cfg *config.ClickHouseConfig) (*sqlx.DB, error) {
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}

	db, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	log.Info().Msg("ClickHouse connection established")

	return db, nil
}
