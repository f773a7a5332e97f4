package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	chatModels "valet/internal/domain/models/chat"
	"valet/internal/domain/repositories"
)

// PostgresSessionRepository implements the SessionRepository interface using
// PostgreSQL. Each conversation's history is one JSONB row; Save replaces it
// wholesale, which keeps the durability contract trivial: the row either
// holds the previous commit or the new one.
type PostgresSessionRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

// NewSessionRepository creates a new PostgresSessionRepository
func NewSessionRepository(config *RepositoryConfig) repositories.SessionRepository {
	return &PostgresSessionRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// LoadAll returns every stored history, keyed by conversation id.
func (r *PostgresSessionRepository) LoadAll(ctx context.Context) (map[string]chatModels.History, error) {
	query := fmt.Sprintf(`SELECT conversation_id, history FROM %s`, r.tables.Sessions)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]chatModels.History)
	for rows.Next() {
		var conversationID string
		var raw []byte
		if err := rows.Scan(&conversationID, &raw); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		var history chatModels.History
		if err := json.Unmarshal(raw, &history); err != nil {
			// A corrupt row must not take the whole process down; skip it.
			r.logger.Error("skipping undecodable session row",
				"conversation_id", conversationID,
				"error", err,
			)
			continue
		}
		sessions[conversationID] = history
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}

// Save atomically replaces the stored history for a conversation.
func (r *PostgresSessionRepository) Save(ctx context.Context, conversationID string, history chatModels.History) error {
	payload, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, history, message_count, updated_at)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE
		SET history = EXCLUDED.history,
		    message_count = EXCLUDED.message_count,
		    updated_at = EXCLUDED.updated_at
	`, r.tables.Sessions)

	if _, err := r.pool.Exec(ctx, query, conversationID, string(payload), len(history), time.Now()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the stored history for a conversation.
func (r *PostgresSessionRepository) Clear(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, r.tables.Sessions)
	if _, err := r.pool.Exec(ctx, query, conversationID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
