package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	chatSvc "valet/internal/domain/services/chat"
	"valet/internal/handler/sse"
	"valet/internal/httputil"
	chatService "valet/internal/service/chat"
	"valet/internal/service/display"
)

// ChatHandler exposes the turn engine over HTTP: message submission, the
// SSE display stream, and the admin controls (clear, cancel, usage).
type ChatHandler struct {
	scheduler chatSvc.TurnScheduler
	sessions  *chatService.SessionStore
	usage     *chatService.UsageTracker
	hub       *display.Hub
	sseConfig *sse.Config
	logger    *slog.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(
	scheduler chatSvc.TurnScheduler,
	sessions *chatService.SessionStore,
	usage *chatService.UsageTracker,
	hub *display.Hub,
	sseConfig *sse.Config,
	logger *slog.Logger,
) *ChatHandler {
	return &ChatHandler{
		scheduler: scheduler,
		sessions:  sessions,
		usage:     usage,
		hub:       hub,
		sseConfig: sseConfig,
		logger:    logger,
	}
}

type submitMessageRequest struct {
	Text string `json:"text"`
}

func (req *submitMessageRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Text, validation.Required, validation.Length(1, 32768)),
	)
}

// SubmitMessage handles POST /api/conversations/{id}/messages.
// The turn runs asynchronously; clients follow progress on the stream URL.
func (h *ChatHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var req submitMessageRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.scheduler.Submit(r.Context(), conversationID, req.Text); err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("message submitted",
		"conversation_id", conversationID,
		"user_id", httputil.GetUserID(r),
		"chars", len(req.Text),
	)

	httputil.RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"stream_url": fmt.Sprintf("/api/conversations/%s/stream", conversationID),
	})
}

// StreamConversation handles GET /api/conversations/{id}/stream.
// Streams display updates for the conversation via Server-Sent Events.
func (h *ChatHandler) StreamConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	writer, ok := sse.NewWriter(w)
	if !ok {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	clientID, updates := h.hub.AddClient(conversationID)
	defer h.hub.RemoveClient(conversationID, clientID)

	h.logger.Debug("SSE client connected",
		"conversation_id", conversationID,
		"client_id", clientID,
	)

	keepAlive := time.NewTicker(h.sseConfig.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("keepalive write failed, closing stream",
					"conversation_id", conversationID,
					"client_id", clientID,
					"error", err,
				)
				return
			}
		case update, open := <-updates:
			if !open {
				return
			}
			if err := writer.WriteEvent("display", update); err != nil {
				h.logger.Debug("display write failed, closing stream",
					"conversation_id", conversationID,
					"client_id", clientID,
					"error", err,
				)
				return
			}
		}
	}
}

// ClearConversation handles POST /api/conversations/{id}/clear.
// Resets the history and the usage counter so the conversation can
// continue under a fresh budget.
func (h *ChatHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	if err := h.sessions.Clear(r.Context(), conversationID); err != nil {
		h.logger.Error("failed to clear session", "conversation_id", conversationID, "error", err)
		handleError(w, err)
		return
	}
	if err := h.usage.Reset(r.Context(), conversationID); err != nil {
		h.logger.Error("failed to reset usage", "conversation_id", conversationID, "error", err)
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"status":          "cleared",
	})
}

// CancelTurn handles POST /api/conversations/{id}/cancel.
func (h *ChatHandler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	if !h.scheduler.Cancel(conversationID) {
		httputil.RespondError(w, http.StatusNotFound, "nothing is running")
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"status":          "cancelled",
	})
}

// GetUsage handles GET /api/conversations/{id}/usage.
func (h *ChatHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"units":           h.usage.Usage(conversationID),
	})
}

// ResetUsage handles POST /api/conversations/{id}/usage/reset.
func (h *ChatHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	if err := h.usage.Reset(r.Context(), conversationID); err != nil {
		h.logger.Error("failed to reset usage", "conversation_id", conversationID, "error", err)
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"status":          "reset",
	})
}

// HealthCheck handles GET /health.
func (h *ChatHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
