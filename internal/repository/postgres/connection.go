package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryConfig holds configuration for repository implementations
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
	Logger *slog.Logger
}

// TableNames holds dynamically prefixed table names
type TableNames struct {
	Sessions string
	Usage    string
}

// NewTableNames creates table names with the given prefix
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Sessions: fmt.Sprintf("%ssessions", prefix),
		Usage:    fmt.Sprintf("%susage", prefix),
	}
}

// CreateConnectionPool creates a new pgx connection pool.
//
// When the connection goes through a transaction pooler (port 6543), pgx's
// default prepared-statement caching breaks with "prepared statement already
// exists" errors. QueryExecModeCacheDescribe keeps the extended protocol
// (needed for JSONB parameters) without creating prepared statements. An
// explicit default_query_exec_mode in the connection string takes precedence.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for pooler compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the session and usage tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, tables *TableNames) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				conversation_id TEXT PRIMARY KEY,
				history         JSONB NOT NULL DEFAULT '[]'::jsonb,
				message_count   INTEGER NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`, tables.Sessions),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				conversation_id TEXT PRIMARY KEY,
				units           BIGINT NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`, tables.Usage),
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
