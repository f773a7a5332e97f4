package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	chatModels "valet/internal/domain/models/chat"
	"valet/internal/domain/repositories"
)

// SessionStore keeps committed conversation histories in memory and writes
// every mutation through to the repository before it is visible. Commits for
// the same conversation are serialized; different conversations never block
// each other on persistence.
type SessionStore struct {
	repo   repositories.SessionRepository
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]chatModels.History

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSessionStore eagerly loads all persisted histories.
func NewSessionStore(ctx context.Context, repo repositories.SessionRepository, logger *slog.Logger) (*SessionStore, error) {
	sessions, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if sessions == nil {
		sessions = make(map[string]chatModels.History)
	}

	logger.Info("session store loaded", "conversations", len(sessions))

	return &SessionStore{
		repo:     repo,
		logger:   logger,
		sessions: sessions,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Snapshot returns a copy of the last committed history for the
// conversation, or an empty history if none exists. Callers own the copy.
func (s *SessionStore) Snapshot(conversationID string) chatModels.History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[conversationID].Clone()
}

// Commit atomically replaces the committed history and persists it before
// returning.
func (s *SessionStore) Commit(ctx context.Context, conversationID string, history chatModels.History) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	stored := history.Clone()
	if err := s.repo.Save(ctx, conversationID, stored); err != nil {
		return fmt.Errorf("commit session %s: %w", conversationID, err)
	}

	s.mu.Lock()
	s.sessions[conversationID] = stored
	s.mu.Unlock()

	return nil
}

// Clear resets the history to empty and persists the reset.
func (s *SessionStore) Clear(ctx context.Context, conversationID string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.Clear(ctx, conversationID); err != nil {
		return fmt.Errorf("clear session %s: %w", conversationID, err)
	}

	s.mu.Lock()
	delete(s.sessions, conversationID)
	s.mu.Unlock()

	return nil
}

// lockFor returns the per-conversation commit lock, creating it lazily.
func (s *SessionStore) lockFor(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}
