package chat

// Roles a message in a conversation history can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single entry in a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is an ordered sequence of messages. Insertion order is
// chronological and is never reordered.
type History []Message

// Clone returns an independent copy of the history. Turn execution works on
// clones so the committed history is only ever mutated at finalize.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// EstimateTokens returns a cheap token estimate for a piece of text.
// Character count divided by four; not exact, only monotonic and fast.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateTokens sums the token estimate over all message contents.
func (h History) EstimateTokens() int {
	total := 0
	for _, m := range h {
		total += EstimateTokens(m.Content)
	}
	return total
}
