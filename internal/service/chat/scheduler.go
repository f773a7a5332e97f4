package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"valet/internal/config"
	"valet/internal/domain"
	chatModels "valet/internal/domain/models/chat"
	chatSvc "valet/internal/domain/services/chat"
)

// quotaMessage is published when a conversation has exhausted its budget.
const quotaMessage = "⚠️ Session usage quota exceeded. Use the clear command to reset."

// stoppedMessage is published when a turn is cancelled or preempted.
const stoppedMessage = "Stopped."

// task is one in-flight turn. The scheduler's map holds at most one live
// task per conversation id.
type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler enforces single-flight-with-preemption turn execution: a new
// message for a conversation cancels the turn already running for it, and
// only the current task may commit history or charge usage.
type Scheduler struct {
	agent     chatSvc.AgentRunner
	display   chatSvc.Display
	sessions  *SessionStore
	usage     *UsageTracker
	compactor *Compactor
	limits    *config.Limits
	logger    *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewScheduler creates the coordination root of the turn engine.
func NewScheduler(
	agent chatSvc.AgentRunner,
	display chatSvc.Display,
	sessions *SessionStore,
	usage *UsageTracker,
	compactor *Compactor,
	limits *config.Limits,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		agent:     agent,
		display:   display,
		sessions:  sessions,
		usage:     usage,
		compactor: compactor,
		limits:    limits,
		logger:    logger,
		tasks:     make(map[string]*task),
	}
}

// Submit starts a new turn for the conversation, preempting any turn that
// is still running. Admission and compaction happen synchronously; the turn
// itself runs on its own goroutine detached from the caller's context.
// Returns domain.ErrQuotaExceeded when the conversation is over budget.
func (s *Scheduler) Submit(ctx context.Context, conversationID, input string) error {
	// Fire-and-forget preemption: signal the old task and move on. The old
	// task observes cancellation at its next suspension point and unwinds
	// without committing.
	s.mu.Lock()
	if old := s.tasks[conversationID]; old != nil {
		old.cancel()
	}
	s.mu.Unlock()

	if !s.usage.Admit(conversationID) {
		if _, err := s.display.SendNew(ctx, conversationID, quotaMessage); err != nil {
			s.logger.Warn("failed to publish quota message",
				"conversation_id", conversationID,
				"error", err,
			)
		}
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrQuotaExceeded)
	}

	snapshot := s.compactor.Normalize(ctx, conversationID)

	// The turn must outlive the inbound request, so its context is detached
	// from the caller's and cancelled only by preemption or Cancel.
	turnCtx, cancel := context.WithCancel(context.Background())
	t := &task{ctx: turnCtx, cancel: cancel, done: make(chan struct{})}

	// Re-cancel at registration: two racing submits may both have signalled
	// the same stale task above, and only one registration may survive.
	s.mu.Lock()
	if cur := s.tasks[conversationID]; cur != nil {
		cur.cancel()
	}
	s.tasks[conversationID] = t
	s.mu.Unlock()

	go s.runTurn(t, conversationID, input, snapshot)

	return nil
}

// Cancel requests cancellation of the conversation's active turn and
// reports whether one was running.
func (s *Scheduler) Cancel(conversationID string) bool {
	s.mu.Lock()
	t := s.tasks[conversationID]
	s.mu.Unlock()

	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
	}
	t.cancel()
	return true
}

// Running reports whether a turn is currently in flight for the
// conversation.
func (s *Scheduler) Running(conversationID string) bool {
	s.mu.Lock()
	t := s.tasks[conversationID]
	s.mu.Unlock()
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the conversation's current task, if any, has finished.
// Intended for tests and orderly shutdown.
func (s *Scheduler) Wait(conversationID string) {
	s.mu.Lock()
	t := s.tasks[conversationID]
	s.mu.Unlock()
	if t != nil {
		<-t.done
	}
}

// runTurn drives one turn to completion: drains agent events into a fresh
// renderer, then finalizes. Cancellation observed at any suspension point
// discards the turn without side effects.
func (s *Scheduler) runTurn(t *task, conversationID, input string, snapshot chatModels.History) {
	defer close(t.done)
	defer t.cancel()

	ctx := t.ctx

	renderer := NewRenderer(s.display, conversationID, s.limits, s.logger)
	renderer.Start(ctx)

	toolCtx := chatSvc.ToolContext{
		ConversationID: conversationID,
		Display:        s.display,
		Submit:         s.Submit,
	}

	finalText := ""

	stream, err := s.agent.Run(ctx, input, snapshot.Clone(), toolCtx)
	if err != nil {
		finalText = s.surfaceAgentError(ctx, conversationID, err)
	} else {
	drain:
		for {
			select {
			case <-ctx.Done():
				s.publishStopped(ctx, conversationID)
				return
			case ev, ok := <-stream.Events():
				if !ok {
					if err := stream.Err(); err != nil {
						finalText = s.surfaceAgentError(ctx, conversationID, err)
					}
					break drain
				}
				if final, isFinal := ev.(chatModels.FinalEvent); isFinal {
					finalText = final.Content
				}
				renderer.OnEvent(ctx, ev)
			}
		}
	}

	// Cancellation wins over finalize: a superseded task must not mutate
	// shared state.
	if ctx.Err() != nil {
		s.publishStopped(ctx, conversationID)
		return
	}

	if finalText == "" {
		return
	}

	s.finalize(t, conversationID, input, finalText, snapshot)
}

// finalize delivers overflow text, commits the new history onto the
// pre-turn snapshot, and charges usage. It runs only on the non-cancelled
// exit path and only while the task is still current.
func (s *Scheduler) finalize(t *task, conversationID, input, finalText string, snapshot chatModels.History) {
	ctx := t.ctx

	// Final text beyond the rendered surface goes out as follow-up
	// messages, starting early enough to cover what the log block displaced.
	if len(finalText) > s.limits.DisplayLimit {
		remaining := finalText[s.limits.OverflowStart:]
		for start := 0; start < len(remaining); start += s.limits.MaxMessageSize {
			end := start + s.limits.MaxMessageSize
			if end > len(remaining) {
				end = len(remaining)
			}
			if _, err := s.display.SendNew(ctx, conversationID, remaining[start:end]); err != nil {
				s.logger.Warn("failed to deliver overflow chunk",
					"conversation_id", conversationID,
					"error", err,
				)
			}
		}
	}

	if ctx.Err() != nil || !s.isCurrent(conversationID, t) {
		s.logger.Info("superseded turn discarded at finalize",
			"conversation_id", conversationID,
		)
		return
	}

	committed := snapshot.Clone()
	committed = append(committed,
		chatModels.Message{Role: chatModels.RoleUser, Content: input},
		chatModels.Message{Role: chatModels.RoleAssistant, Content: finalText},
	)

	if err := s.sessions.Commit(ctx, conversationID, committed); err != nil {
		s.logger.Error("failed to commit session",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	if err := s.usage.Charge(ctx, conversationID, s.usage.TurnCost(input, finalText)); err != nil {
		s.logger.Error("failed to charge usage",
			"conversation_id", conversationID,
			"error", err,
		)
	}

	s.logger.Info("turn committed",
		"conversation_id", conversationID,
		"history_len", len(committed),
	)
}

// surfaceAgentError converts an agent failure into the recorded final text
// and publishes it once. The turn still finalizes so the error is visible
// in later context.
func (s *Scheduler) surfaceAgentError(ctx context.Context, conversationID string, err error) string {
	finalText := fmt.Sprintf("Error in agent loop: %v", err)
	s.logger.Error("agent loop error",
		"conversation_id", conversationID,
		"error", err,
	)
	if _, pubErr := s.display.SendNew(context.WithoutCancel(ctx), conversationID, finalText); pubErr != nil {
		s.logger.Warn("failed to publish agent error",
			"conversation_id", conversationID,
			"error", pubErr,
		)
	}
	return finalText
}

// publishStopped emits the cancellation notice. The turn context is already
// cancelled here, so the publish uses a detached context.
func (s *Scheduler) publishStopped(ctx context.Context, conversationID string) {
	if _, err := s.display.SendNew(context.WithoutCancel(ctx), conversationID, stoppedMessage); err != nil {
		s.logger.Warn("failed to publish stop notice",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// isCurrent reports whether t is still the registered task for the
// conversation.
func (s *Scheduler) isCurrent(conversationID string, t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[conversationID] == t
}
