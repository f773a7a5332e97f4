package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"valet/internal/config"
	chatModels "valet/internal/domain/models/chat"
	chatSvc "valet/internal/domain/services/chat"
)

type entryKind int

const (
	kindToolUse entryKind = iota
	kindObservation
	kindStream
)

type renderEntry struct {
	kind entryKind
	text string
}

// Renderer converts one turn's progress events into throttled edits of a
// single display message. It owns the render buffer for the turn; the
// buffer is discarded with the Renderer when the turn ends.
//
// The published surface is a fenced log block of recent tool activity
// followed by the streamed answer, hard-capped at the display limit.
// Rendering failures never fail the turn.
type Renderer struct {
	display chatSvc.Display
	convID  string
	limits  *config.Limits
	logger  *slog.Logger

	limiter   *rate.Limiter
	messageID chatSvc.MessageID
	buffer    []renderEntry
	streamIx  int // index of the open final_stream entry, -1 if none
	finished  bool
}

// NewRenderer creates a renderer for one turn.
func NewRenderer(display chatSvc.Display, conversationID string, limits *config.Limits, logger *slog.Logger) *Renderer {
	return &Renderer{
		display:  display,
		convID:   conversationID,
		limits:   limits,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(limits.RenderInterval.Std()), 1),
		streamIx: -1,
	}
}

// Start publishes the initial placeholder message.
func (r *Renderer) Start(ctx context.Context) {
	id, err := r.display.SendNew(ctx, r.convID, "Thinking...")
	if err != nil {
		r.logger.Warn("failed to publish initial status message",
			"conversation_id", r.convID,
			"error", err,
		)
		return
	}
	r.messageID = id
}

// OnEvent folds one progress event into the buffer and re-renders.
// A terminal FinalEvent overwrites the stream content wholesale and forces
// an unthrottled render.
func (r *Renderer) OnEvent(ctx context.Context, ev chatModels.Event) {
	switch e := ev.(type) {
	case chatModels.ThinkingEvent:
		// informational only

	case chatModels.ToolUseEvent:
		r.buffer = append(r.buffer, renderEntry{kind: kindToolUse, text: e.Tool})
		r.render(ctx, false)

	case chatModels.ObservationEvent:
		r.buffer = append(r.buffer, renderEntry{kind: kindObservation, text: e.Result})
		r.render(ctx, false)

	case chatModels.FinalStreamEvent:
		if r.streamIx >= 0 {
			r.buffer[r.streamIx].text += e.Delta
		} else {
			r.buffer = append(r.buffer, renderEntry{kind: kindStream, text: e.Delta})
			r.streamIx = len(r.buffer) - 1
		}
		r.render(ctx, false)

	case chatModels.FinalEvent:
		if r.streamIx >= 0 {
			r.buffer[r.streamIx].text = e.Content
		} else {
			r.buffer = append(r.buffer, renderEntry{kind: kindStream, text: e.Content})
			r.streamIx = len(r.buffer) - 1
		}
		r.finished = true
		r.render(ctx, true)
	}
}

// render publishes the formatted buffer, at most once per interval unless
// forced.
func (r *Renderer) render(ctx context.Context, force bool) {
	if !force && !r.limiter.Allow() {
		return
	}

	text := r.formatText()
	if text == "" {
		return
	}

	if r.messageID == "" {
		r.Start(ctx)
		if r.messageID == "" {
			return
		}
	}

	err := r.display.Edit(ctx, r.messageID, text, true)
	switch {
	case err == nil, errors.Is(err, chatSvc.ErrNotModified):
		return
	case errors.Is(err, chatSvc.ErrBadFormatting):
		// Rich formatting was rejected; retry once without it.
		if err := r.display.Edit(ctx, r.messageID, text, false); err != nil && !errors.Is(err, chatSvc.ErrNotModified) {
			r.logger.Warn("plain render retry failed",
				"conversation_id", r.convID,
				"error", err,
			)
		}
	default:
		r.logger.Warn("render failed",
			"conversation_id", r.convID,
			"error", err,
		)
	}
}

// formatText composes the published surface: a fenced log block of the last
// few tool entries, then the current stream content.
func (r *Renderer) formatText() string {
	var logs []string
	for _, entry := range r.buffer {
		switch entry.kind {
		case kindToolUse:
			logs = append(logs, fmt.Sprintf("🔧 Executing: %s...", entry.text))
		case kindObservation:
			result := strings.ReplaceAll(entry.text, "Tool '", "")
			result = strings.ReplaceAll(result, "' output:", "")
			if len(result) > r.limits.ObservationPreview {
				result = result[:r.limits.ObservationPreview] + "..."
			}
			logs = append(logs, "  ↳ Result: "+result)
		}
	}

	var b strings.Builder
	if len(logs) > 0 {
		if len(logs) > r.limits.RenderLogLines {
			logs = logs[len(logs)-r.limits.RenderLogLines:]
		}
		b.WriteString("```\n")
		b.WriteString(strings.Join(logs, "\n"))
		b.WriteString("\n```\n")
	}

	stream := ""
	if r.streamIx >= 0 {
		stream = r.buffer[r.streamIx].text
	}
	if stream != "" {
		b.WriteString(stream)
	} else if len(logs) == 0 {
		return "Thinking..."
	}

	text := b.String()
	if len(text) > r.limits.DisplayLimit {
		text = text[:r.limits.DisplayLimit] + "..."
	}
	return text
}
