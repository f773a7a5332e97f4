package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"valet/internal/config"
	chatModels "valet/internal/domain/models/chat"
	"valet/internal/domain/repositories"
)

// UsageTracker counts consumed resource units per conversation and enforces
// the admission quota. Counters are loaded eagerly at startup and every
// mutation is persisted before it becomes visible.
type UsageTracker struct {
	repo   repositories.UsageRepository
	limits *config.Limits
	logger *slog.Logger

	mu    sync.Mutex
	units map[string]int
}

// NewUsageTracker eagerly loads all persisted counters.
func NewUsageTracker(ctx context.Context, repo repositories.UsageRepository, limits *config.Limits, logger *slog.Logger) (*UsageTracker, error) {
	units, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if units == nil {
		units = make(map[string]int)
	}

	return &UsageTracker{
		repo:   repo,
		limits: limits,
		logger: logger,
		units:  units,
	}, nil
}

// Usage returns the consumed units for a conversation.
func (t *UsageTracker) Usage(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.units[conversationID]
}

// Admit reports whether a new turn may start. The quota value itself still
// admits; only usage beyond it refuses.
func (t *UsageTracker) Admit(conversationID string) bool {
	return t.Usage(conversationID) <= t.limits.QuotaUnits
}

// Charge adds delta units and persists the new counter.
func (t *UsageTracker) Charge(ctx context.Context, conversationID string, delta int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.units[conversationID] + delta
	if err := t.repo.Save(ctx, conversationID, total); err != nil {
		return fmt.Errorf("charge usage %s: %w", conversationID, err)
	}
	t.units[conversationID] = total

	t.logger.Debug("usage charged",
		"conversation_id", conversationID,
		"delta", delta,
		"total", total,
	)
	return nil
}

// Reset zeroes the counter and persists the reset.
func (t *UsageTracker) Reset(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.repo.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("reset usage %s: %w", conversationID, err)
	}
	delete(t.units, conversationID)
	return nil
}

// TurnCost is the resource cost of one completed turn: estimated input plus
// output tokens plus a flat overhead for system prompt and tool schemas.
func (t *UsageTracker) TurnCost(input, output string) int {
	return chatModels.EstimateTokens(input) + chatModels.EstimateTokens(output) + t.limits.TurnOverheadUnits
}
