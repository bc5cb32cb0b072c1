package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies the embedded migrations to config.Schema, creating
// the schema first. An empty schema means public.
func RunMigrations(ctx context.Context, config Config) error {
	schema := config.Schema
	if schema == "" {
		schema = "public"
	}
	slog.Info("Running database migrations", "schema", schema)

	db, err := sql.Open("pgx", config.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	// one connection so the search_path set below applies to goose
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := ensureSchemaExists(ctx, db, schema); err != nil {
		return err
	}

	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Migration applied", "version", r.Source.Version, "duration", r.Duration)
	}

	slog.Info("Database migrations completed successfully", "applied", len(results))
	return nil
}

func ensureSchemaExists(ctx context.Context, db *sql.DB, schema string) error {
	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	if _, err := db.ExecContext(ctx, "SET search_path TO "+ident); err != nil {
		return fmt.Errorf("failed to set search_path: %w", err)
	}
	return nil
}
