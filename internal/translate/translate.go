// Package translate converts between the two chat-style wire formats the
// gateway speaks: the Chat Completions shape ("chat") and the Responses
// shape ("responses"). Requests, responses, and streaming chunks all
// translate as decoded JSON documents so unknown fields survive the trip.
package translate

// Conversation carries optional conversation threading parameters injected
// into translated requests.
type Conversation struct {
	ID                 string
	PreviousResponseID string
}

// Messages returns the message list of a document in either format:
// "messages", "input.messages", or a bare "input" array, in that order.
func Messages(doc map[string]any) []any {
	if v, ok := doc["messages"].([]any); ok {
		return v
	}
	if input, ok := doc["input"].(map[string]any); ok {
		if v, ok := input["messages"].([]any); ok {
			return v
		}
	}
	if v, ok := doc["input"].([]any); ok {
		return v
	}
	return nil
}

// SetMessages writes msgs back to the location Messages would read from.
// When the document has no message container yet, the canonical location
// for the given API format is created.
func SetMessages(doc map[string]any, api string, msgs []any) {
	if _, ok := doc["messages"].([]any); ok {
		doc["messages"] = msgs
		return
	}
	if input, ok := doc["input"].(map[string]any); ok {
		if _, ok := input["messages"].([]any); ok {
			input["messages"] = msgs
			return
		}
	}
	if _, ok := doc["input"].([]any); ok {
		doc["input"] = msgs
		return
	}
	if api == "responses" {
		doc["input"] = msgs
		return
	}
	doc["messages"] = msgs
}

// asMap returns v as a JSON object, or nil.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// asSlice returns v as a JSON array, or nil.
func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// asString returns v as a string, or "".
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt converts a decoded JSON number to int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// copyIfPresent copies key from src to dst when set.
func copyIfPresent(dst, src map[string]any, key string) {
	if v, ok := src[key]; ok && v != nil {
		dst[key] = v
	}
}
