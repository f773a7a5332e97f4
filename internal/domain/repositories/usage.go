package repositories

import "context"

// UsageRepository persists per-conversation resource-unit counters as a
// keyed integer record, independent from the session record.
type UsageRepository interface {
	// LoadAll returns every stored counter, keyed by conversation id.
	LoadAll(ctx context.Context) (map[string]int, error)

	// Save replaces the stored counter for a conversation.
	Save(ctx context.Context, conversationID string, units int) error

	// Delete removes the stored counter for a conversation.
	Delete(ctx context.Context, conversationID string) error
}
