// Package tokencount provides token estimation for routing decisions.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for policy sizing. Can be replaced with tiktoken for exact
// counts if needed.
package tokencount

// Counter estimates token counts for request documents.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateMessages estimates tokens for a decoded message list plus declared
// tools. Accounts for per-message formatting overhead and the schema cost of
// each tool definition.
func (c *Counter) EstimateMessages(messages []any, tools int) int {
	total := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		total += contentLength(msg["content"]) / 4
		total += 10
	}
	total += 50 * tools
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return max((len(text)+3)/4, 1)
}

// contentLength returns the character weight of a message content value.
// String content counts directly; part arrays count their text fields.
func contentLength(content any) int {
	switch v := content.(type) {
	case string:
		return len(v)
	case []any:
		n := 0
		for _, p := range v {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := part["text"].(string); ok {
				n += len(s)
			}
		}
		return n
	default:
		return 0
	}
}
