package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	chatSvc "valet/internal/domain/services/chat"
)

// Update is one display change fanned out to connected stream clients.
type Update struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"` // "new" or "edit"
	Text      string `json:"text"`
	Markdown  bool   `json:"markdown"`
}

type message struct {
	conversationID string
	text           string
}

// Hub is the in-process display surface. It implements the Display
// capability consumed by the turn engine and fans every update out to the
// SSE clients subscribed to the conversation. Slow clients drop updates
// rather than block the turn.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	messages map[chatSvc.MessageID]*message
	clients  map[string]map[string]chan Update
}

// NewHub creates an empty display hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		messages: make(map[chatSvc.MessageID]*message),
		clients:  make(map[string]map[string]chan Update),
	}
}

// SendNew publishes a fresh message and returns its handle.
func (h *Hub) SendNew(ctx context.Context, conversationID, text string) (chatSvc.MessageID, error) {
	id := chatSvc.MessageID(uuid.New().String())

	h.mu.Lock()
	h.messages[id] = &message{conversationID: conversationID, text: text}
	h.broadcastLocked(conversationID, Update{
		MessageID: string(id),
		Kind:      "new",
		Text:      text,
		Markdown:  true,
	})
	h.mu.Unlock()

	return id, nil
}

// Edit replaces the text of a previously published message.
func (h *Hub) Edit(ctx context.Context, id chatSvc.MessageID, text string, markdown bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[id]
	if !ok {
		return fmt.Errorf("display message %s not found", id)
	}
	if msg.text == text {
		return chatSvc.ErrNotModified
	}
	msg.text = text

	h.broadcastLocked(msg.conversationID, Update{
		MessageID: string(id),
		Kind:      "edit",
		Text:      text,
		Markdown:  markdown,
	})
	return nil
}

// AddClient registers a stream client for a conversation and returns its id
// and update channel. The channel is buffered; updates beyond the buffer
// are dropped for that client.
func (h *Hub) AddClient(conversationID string) (string, <-chan Update) {
	clientID := uuid.New().String()
	ch := make(chan Update, 32)

	h.mu.Lock()
	if h.clients[conversationID] == nil {
		h.clients[conversationID] = make(map[string]chan Update)
	}
	h.clients[conversationID][clientID] = ch
	h.mu.Unlock()

	h.logger.Debug("display client added",
		"conversation_id", conversationID,
		"client_id", clientID,
	)
	return clientID, ch
}

// RemoveClient unregisters a stream client and closes its channel.
func (h *Hub) RemoveClient(conversationID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv := h.clients[conversationID]
	if conv == nil {
		return
	}
	if ch, ok := conv[clientID]; ok {
		delete(conv, clientID)
		close(ch)
	}
	if len(conv) == 0 {
		delete(h.clients, conversationID)
	}
}

// broadcastLocked delivers an update to every client of the conversation.
// Callers hold h.mu.
func (h *Hub) broadcastLocked(conversationID string, update Update) {
	for clientID, ch := range h.clients[conversationID] {
		select {
		case ch <- update:
		default:
			h.logger.Warn("dropping display update for slow client",
				"conversation_id", conversationID,
				"client_id", clientID,
			)
		}
	}
}
