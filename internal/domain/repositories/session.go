package repositories

import (
	"context"

	chatModels "valet/internal/domain/models/chat"
)

// SessionRepository persists committed conversation histories, keyed by
// conversation id. Every Save/Clear must be fully durable before returning;
// a process restart reloads the last committed state exactly.
type SessionRepository interface {
	// LoadAll returns every stored history, keyed by conversation id.
	// Called once at process start.
	LoadAll(ctx context.Context) (map[string]chatModels.History, error)

	// Save atomically replaces the stored history for a conversation.
	Save(ctx context.Context, conversationID string, history chatModels.History) error

	// Clear removes the stored history for a conversation.
	Clear(ctx context.Context, conversationID string) error
}
