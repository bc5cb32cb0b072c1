package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns = 10
	defaultMinConns = 2
)

// Config enables persistence when URL is set.
type Config struct {
	URL      string `mapstructure:"url"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

func InitDB(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = defaultMaxConns
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MinConns = defaultMinConns
	if config.MinConns > 0 && config.MinConns <= poolConfig.MaxConns {
		poolConfig.MinConns = config.MinConns
	}

	if schema := config.Schema; schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema

		// poolers such as PgBouncer may reset session settings, so set it again per connection
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
				slog.Warn("Failed to set search_path in AfterConnect", "error", err)
				return err
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL",
		"schema", config.Schema,
		"max_conns", poolConfig.MaxConns)
	return pool, nil
}
