// Package db persists known SDK channels in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies forward migration files in order inside one transaction.
// Every shipped migration is idempotent, so re-running is safe.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrationFiles)))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", logPrefix, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, sql := range migrationFiles {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit failed: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// MigrationStatus prints whether the sdk_channels schema exists and how many channels it holds.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const statusLogPrefix = "db:MigrationStatus"

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT to_regclass('public.sdk_channels') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}
	if !exists {
		fmt.Printf("Migration status: not applied (run 'sdkconnect migrate up'). %d migration files in %s\n", len(files), migrationPath)
		return nil
	}

	var total, live int
	err = pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE valid_until IS NULL OR valid_until > now()) FROM sdk_channels`).Scan(&total, &live)
	if err != nil {
		return fmt.Errorf("%s - failed to count channels: %w", statusLogPrefix, err)
	}
	fmt.Printf("Migration status: applied (%d migration files in %s); %d channels stored, %d still valid\n",
		len(files), migrationPath, total, live)
	return nil
}

// MigrationDown applies the latest *.down.sql from migrationPath inside a transaction.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const downLogPrefix = "db:MigrationDown"

	name, sql, err := LoadDownMigration(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load down migration: %w", downLogPrefix, err)
	}
	if name == "" {
		fmt.Printf("Migration down: no rollback files in %s\n", migrationPath)
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin failed: %w", downLogPrefix, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%s - %s failed: %w", downLogPrefix, name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit failed: %w", downLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Rolled back %s", downLogPrefix, name))
	return nil
}
