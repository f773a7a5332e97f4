package chat

import (
	"context"
	"errors"

	chatModels "valet/internal/domain/models/chat"
)

// MessageID identifies a message published on the display surface.
type MessageID string

// Errors a Display implementation may return from Edit. ErrBadFormatting
// means the rich-formatted payload was rejected and a plain retry may
// succeed; ErrNotModified means the message already holds the given text.
var (
	ErrBadFormatting = errors.New("display: formatting rejected")
	ErrNotModified   = errors.New("display: message not modified")
)

// Display is the publish capability implemented by the transport binding.
// Both operations are idempotent enough to be retried after a
// formatting-only failure.
type Display interface {
	// SendNew publishes a fresh message and returns its handle.
	SendNew(ctx context.Context, conversationID, text string) (MessageID, error)

	// Edit replaces the text of a previously published message. When
	// markdown is false the text is published without rich formatting.
	Edit(ctx context.Context, id MessageID, text string, markdown bool) error
}

// ToolContext carries the per-turn collaborators handed to the agent
// capability for tool execution.
type ToolContext struct {
	ConversationID string
	Display        Display

	// Submit re-enters the turn scheduler. Tools that set up recurring
	// work (reminders, scheduled checks) use it to trigger later turns.
	Submit func(ctx context.Context, conversationID, input string) error
}

// AgentStream is one turn's progress event sequence. Events are delivered
// in emission order; after the channel closes, Err reports whether the run
// ended in failure (the scanner drain-then-check idiom).
type AgentStream interface {
	Events() <-chan chatModels.Event
	Err() error
}

// AgentRunner is the external agent capability: run one agent turn over the
// given history plus input, yielding progress events and ending in exactly
// one FinalEvent unless it fails or is cancelled.
type AgentRunner interface {
	Run(ctx context.Context, input string, history chatModels.History, tc ToolContext) (AgentStream, error)
}

// Summarizer is the external non-streaming summarization capability used by
// history compaction.
type Summarizer interface {
	Summarize(ctx context.Context, history chatModels.History) (string, error)
}

// TurnScheduler admits, runs, and preempts agent turns. At most one turn is
// in flight per conversation at any instant.
type TurnScheduler interface {
	// Submit starts a new turn, preempting any turn still running for the
	// conversation. It returns domain.ErrQuotaExceeded when admission is
	// refused; the turn itself runs asynchronously.
	Submit(ctx context.Context, conversationID, input string) error

	// Cancel requests cancellation of the active turn. It reports whether
	// a turn was running.
	Cancel(conversationID string) bool
}
