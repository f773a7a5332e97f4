package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"valet/internal/domain/repositories"
)

// PostgresUsageRepository implements the UsageRepository interface using
// PostgreSQL.
type PostgresUsageRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

// NewUsageRepository creates a new PostgresUsageRepository
func NewUsageRepository(config *RepositoryConfig) repositories.UsageRepository {
	return &PostgresUsageRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// LoadAll returns every stored counter, keyed by conversation id.
func (r *PostgresUsageRepository) LoadAll(ctx context.Context) (map[string]int, error) {
	query := fmt.Sprintf(`SELECT conversation_id, units FROM %s`, r.tables.Usage)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var conversationID string
		var units int64
		if err := rows.Scan(&conversationID, &units); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		usage[conversationID] = int(units)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}

	return usage, nil
}

// Save replaces the stored counter for a conversation.
func (r *PostgresUsageRepository) Save(ctx context.Context, conversationID string, units int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, units, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE
		SET units = EXCLUDED.units,
		    updated_at = EXCLUDED.updated_at
	`, r.tables.Usage)

	if _, err := r.pool.Exec(ctx, query, conversationID, int64(units), time.Now()); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// Delete removes the stored counter for a conversation.
func (r *PostgresUsageRepository) Delete(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, r.tables.Usage)
	if _, err := r.pool.Exec(ctx, query, conversationID); err != nil {
		return fmt.Errorf("delete usage: %w", err)
	}
	return nil
}
