package chat

import (
	"context"
	"log/slog"

	"valet/internal/config"
	chatModels "valet/internal/domain/models/chat"
	chatSvc "valet/internal/domain/services/chat"
)

// SummaryPrefix marks the system message that replaces summarized history.
const SummaryPrefix = "[Previous Conversation Summary]: "

// Compactor keeps committed histories within the cost envelope by replacing
// older messages with a short summary. Compaction mutates the committed
// session directly, before a turn starts, so the shrunken history is what
// gets persisted and billed from then on.
type Compactor struct {
	sessions   *SessionStore
	summarizer chatSvc.Summarizer
	limits     *config.Limits
	logger     *slog.Logger
}

// NewCompactor creates a new Compactor.
func NewCompactor(sessions *SessionStore, summarizer chatSvc.Summarizer, limits *config.Limits, logger *slog.Logger) *Compactor {
	return &Compactor{
		sessions:   sessions,
		summarizer: summarizer,
		limits:     limits,
		logger:     logger,
	}
}

// Normalize returns a snapshot of the committed history, compacted first
// when it exceeds the configured envelope. Compaction is best-effort: on
// summarization failure or empty result the history is returned unchanged
// and the turn proceeds over-budget.
func (c *Compactor) Normalize(ctx context.Context, conversationID string) chatModels.History {
	hist := c.sessions.Snapshot(conversationID)
	if !c.shouldCompact(hist) {
		return hist
	}

	keep := c.limits.CompactKeepMessages
	toSummarize := hist[:len(hist)-keep]
	kept := hist[len(hist)-keep:]

	summary, err := c.summarizer.Summarize(ctx, toSummarize)
	if err != nil || summary == "" {
		c.logger.Warn("summarization failed, keeping history unchanged",
			"conversation_id", conversationID,
			"error", err,
		)
		return hist
	}

	compacted := make(chatModels.History, 0, keep+1)
	compacted = append(compacted, chatModels.Message{
		Role:    chatModels.RoleSystem,
		Content: SummaryPrefix + summary,
	})
	compacted = append(compacted, kept...)

	if err := c.sessions.Commit(ctx, conversationID, compacted); err != nil {
		c.logger.Error("failed to persist compacted history",
			"conversation_id", conversationID,
			"error", err,
		)
		return hist
	}

	c.logger.Info("history compacted",
		"conversation_id", conversationID,
		"before", len(hist),
		"after", len(compacted),
	)
	return compacted.Clone()
}

// shouldCompact applies the trigger policy: over the message or token
// threshold, and never below the minimum kept length.
func (c *Compactor) shouldCompact(hist chatModels.History) bool {
	if len(hist) <= c.limits.CompactKeepMessages {
		return false
	}
	return len(hist) > c.limits.CompactAfterMessages ||
		hist.EstimateTokens() > c.limits.CompactAfterTokens
}
