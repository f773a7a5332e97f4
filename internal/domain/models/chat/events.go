package chat

// Event is one element of the agent capability's progress stream.
// The set of implementations is closed: ThinkingEvent, ToolUseEvent,
// ObservationEvent, FinalStreamEvent and FinalEvent. Consumers switch
// exhaustively over these types.
type Event interface {
	isEvent()
}

// ThinkingEvent is informational reasoning output. Renderers may ignore it.
type ThinkingEvent struct {
	Content string
}

// ToolUseEvent reports that the agent is invoking a tool.
type ToolUseEvent struct {
	Tool string
	Args map[string]interface{}
}

// ObservationEvent carries the result of a tool invocation back from the
// agent loop.
type ObservationEvent struct {
	Result string
}

// FinalStreamEvent is an incremental chunk of the final answer. Consecutive
// deltas are concatenated by the renderer.
type FinalStreamEvent struct {
	Delta string
}

// FinalEvent terminates the stream and carries the full final text. It
// replaces any accumulated stream content wholesale.
type FinalEvent struct {
	Content string
}

func (ThinkingEvent) isEvent()    {}
func (ToolUseEvent) isEvent()     {}
func (ObservationEvent) isEvent() {}
func (FinalStreamEvent) isEvent() {}
func (FinalEvent) isEvent()       {}
