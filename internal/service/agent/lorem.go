// Package agent provides a mock implementation of the agent-run and
// summarization capabilities for development and testing without real API
// keys. Production deployments wire a real agent binding instead.
package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	chatModels "valet/internal/domain/models/chat"
	chatSvc "valet/internal/domain/services/chat"
)

// LoremRunner streams a canned response word by word, mimicking the event
// shape of a real agent turn: a thinking event, a tool round, then a
// final_stream sequence terminated by a final event.
type LoremRunner struct {
	// WordDelay is the pause between streamed words.
	WordDelay time.Duration
}

// NewLoremRunner creates a runner with a small default delay.
func NewLoremRunner() *LoremRunner {
	return &LoremRunner{WordDelay: 50 * time.Millisecond}
}

type loremStream struct {
	events chan chatModels.Event
	err    error
}

func (s *loremStream) Events() <-chan chatModels.Event { return s.events }
func (s *loremStream) Err() error                      { return s.err }

// Run emits a scripted event sequence. Cancellation stops emission at the
// next suspension point.
func (r *LoremRunner) Run(ctx context.Context, input string, history chatModels.History, tc chatSvc.ToolContext) (chatSvc.AgentStream, error) {
	stream := &loremStream{events: make(chan chatModels.Event)}

	go func() {
		defer close(stream.events)

		reply := "You said: " + input + ". (mock agent response, " +
			"history length " + strconv.Itoa(len(history)) + ")"

		script := []chatModels.Event{
			chatModels.ThinkingEvent{Content: "considering the request"},
			chatModels.ToolUseEvent{Tool: "echo", Args: map[string]interface{}{"text": input}},
			chatModels.ObservationEvent{Result: input},
		}
		for _, word := range strings.SplitAfter(reply, " ") {
			script = append(script, chatModels.FinalStreamEvent{Delta: word})
		}
		script = append(script, chatModels.FinalEvent{Content: reply})

		for _, ev := range script {
			select {
			case <-ctx.Done():
				stream.err = ctx.Err()
				return
			case stream.events <- ev:
			}
			if _, streaming := ev.(chatModels.FinalStreamEvent); streaming && r.WordDelay > 0 {
				select {
				case <-ctx.Done():
					stream.err = ctx.Err()
					return
				case <-time.After(r.WordDelay):
				}
			}
		}
	}()

	return stream, nil
}

// LoremSummarizer produces a fixed-shape summary from the first and last
// message of the slice, good enough to exercise compaction end to end.
type LoremSummarizer struct{}

// Summarize implements the summarization capability.
func (LoremSummarizer) Summarize(ctx context.Context, history chatModels.History) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	first := preview(history[0].Content)
	last := preview(history[len(history)-1].Content)
	return "The conversation began with \"" + first + "\" and most recently covered \"" + last + "\".", nil
}

func preview(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
