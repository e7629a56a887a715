package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// StreamTranslator converts upstream SSE events into client-facing SSE data
// payloads. Translate is called once per upstream event; Finish once when
// the upstream stream ends. The relay appends the [DONE] terminator itself.
type StreamTranslator interface {
	Translate(event string, data []byte) [][]byte
	Finish() [][]byte
}

// NewStreamTranslator returns the translator for the given direction, or
// nil when the formats match and bytes should relay untouched.
func NewStreamTranslator(from, to string) StreamTranslator {
	switch {
	case from == to:
		return nil
	case from == "responses" && to == "chat":
		return &responsesToChatStream{}
	case from == "chat" && to == "responses":
		return &chatToResponsesStream{}
	default:
		return nil
	}
}

// ResponsesChunkToChatChunk converts one responses stream chunk into a chat
// completion chunk. first controls the assistant role marker.
func ResponsesChunkToChatChunk(chunk map[string]any, first bool) map[string]any {
	delta := map[string]any{}
	if first {
		delta["role"] = "assistant"
	}

	if s, ok := chunk["output_text_delta"].(string); ok {
		delta["content"] = s
	} else if deltas := asSlice(chunk["output_deltas"]); deltas != nil {
		for _, d := range deltas {
			od := asMap(d)
			if od == nil {
				continue
			}
			switch asString(od["type"]) {
			case "message", "function_call_output":
				if s, ok := od["content"].(string); ok {
					delta["content"] = s
				}
			}
			if _, ok := delta["content"]; ok {
				break
			}
		}
	}

	var toolCalls []any
	for idx, d := range asSlice(chunk["output_deltas"]) {
		od := asMap(d)
		if od == nil || asString(od["type"]) != "function_call" {
			continue
		}
		call := map[string]any{"index": idx, "type": "function"}
		if id, ok := od["call_id"]; ok && id != nil {
			call["id"] = id
		}
		fn := map[string]any{}
		copyIfPresent(fn, od, "name")
		copyIfPresent(fn, od, "arguments")
		call["function"] = fn
		toolCalls = append(toolCalls, call)
	}
	if len(toolCalls) > 0 {
		delta["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"id":      chunk["id"],
		"object":  "chat.completion.chunk",
		"created": chunk["created"],
		"model":   chunk["model"],
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	if usage := asMap(chunk["usage"]); usage != nil {
		out["usage"] = usageToChat(usage)
	}
	return out
}

// responsesToChatStream converts a responses event stream into chat
// completion chunks. It accepts both typed response.* events and plain
// delta chunks.
type responsesToChatStream struct {
	started   bool
	sawTool   bool
	finished  bool
	toolIndex int
	id        string
	model     string
	created   any
	usage     map[string]any // chat vocabulary, emitted with the finish
}

func (s *responsesToChatStream) Translate(event string, data []byte) [][]byte {
	chunk := map[string]any{}
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Unparseable events relay verbatim.
		return [][]byte{data}
	}

	typ := event
	if t := asString(chunk["type"]); t != "" {
		typ = t
	}

	switch {
	case typ == "response.created" || typ == "response.in_progress":
		s.captureResponse(asMap(chunk["response"]))
		return nil
	case typ == "response.output_text.delta":
		s.capture(chunk)
		delta := map[string]any{"content": asString(chunk["delta"])}
		return s.emit(s.contentChunk(delta))
	case typ == "response.output_item.added":
		item := asMap(chunk["item"])
		if item == nil || asString(item["type"]) != "function_call" {
			return nil
		}
		idx, ok := asInt(chunk["output_index"])
		if !ok {
			idx = s.toolIndex
		}
		s.toolIndex = idx + 1
		s.sawTool = true
		id := asString(item["call_id"])
		if id == "" {
			id = asString(item["id"])
		}
		call := map[string]any{
			"index": idx,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      item["name"],
				"arguments": "",
			},
		}
		return s.emit(s.contentChunk(map[string]any{"tool_calls": []any{call}}))
	case typ == "response.function_call_arguments.delta":
		idx, ok := asInt(chunk["output_index"])
		if !ok {
			idx = max(s.toolIndex-1, 0)
		}
		s.sawTool = true
		call := map[string]any{
			"index":    idx,
			"function": map[string]any{"arguments": asString(chunk["delta"])},
		}
		return s.emit(s.contentChunk(map[string]any{"tool_calls": []any{call}}))
	case typ == "response.completed" || typ == "response.incomplete" || typ == "response.failed":
		resp := asMap(chunk["response"])
		s.captureResponse(resp)
		if resp != nil {
			if usage := asMap(resp["usage"]); usage != nil {
				s.usage = usageToChat(usage)
			}
		}
		return s.Finish()
	case strings.HasPrefix(typ, "response."):
		// Structural events with no chat equivalent.
		return nil
	}

	// Plain delta chunk.
	s.capture(chunk)
	if deltas := asSlice(chunk["output_deltas"]); deltas != nil {
		for _, d := range deltas {
			if od := asMap(d); od != nil && asString(od["type"]) == "function_call" {
				s.sawTool = true
			}
		}
	}
	if usage := asMap(chunk["usage"]); usage != nil {
		s.usage = usageToChat(usage)
	}
	out := ResponsesChunkToChatChunk(chunk, !s.started)
	s.started = true
	return s.marshal(out)
}

// Finish emits the finish chunk (and trailing usage chunk when captured)
// exactly once.
func (s *responsesToChatStream) Finish() [][]byte {
	if s.finished {
		return nil
	}
	s.finished = true
	reason := "stop"
	if s.sawTool {
		reason = "tool_calls"
	}
	finish := map[string]any{
		"id":      s.chunkID(),
		"object":  "chat.completion.chunk",
		"created": s.createdAt(),
		"model":   s.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": reason,
		}},
	}
	out := s.marshal(finish)
	if s.usage != nil {
		usage := map[string]any{
			"id":      s.chunkID(),
			"object":  "chat.completion.chunk",
			"created": s.createdAt(),
			"model":   s.model,
			"choices": []any{},
			"usage":   s.usage,
		}
		out = append(out, s.marshal(usage)...)
	}
	return out
}

func (s *responsesToChatStream) capture(chunk map[string]any) {
	if id := asString(chunk["id"]); id != "" {
		s.id = id
	}
	if m := asString(chunk["model"]); m != "" {
		s.model = m
	}
	if c, ok := chunk["created"]; ok && c != nil {
		s.created = c
	}
}

func (s *responsesToChatStream) captureResponse(resp map[string]any) {
	if resp == nil {
		return
	}
	if id := asString(resp["id"]); id != "" {
		s.id = id
	}
	if m := asString(resp["model"]); m != "" {
		s.model = m
	}
	if c, ok := resp["created_at"]; ok && c != nil {
		s.created = c
	}
}

// contentChunk wraps a delta into a chat chunk, adding the assistant role
// marker on the first emission.
func (s *responsesToChatStream) contentChunk(delta map[string]any) map[string]any {
	if !s.started {
		s.started = true
		delta["role"] = "assistant"
	}
	return map[string]any{
		"id":      s.chunkID(),
		"object":  "chat.completion.chunk",
		"created": s.createdAt(),
		"model":   s.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
}

func (s *responsesToChatStream) chunkID() string {
	if s.id == "" {
		s.id = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s.id
}

func (s *responsesToChatStream) createdAt() any {
	if s.created == nil {
		return 0
	}
	return s.created
}

func (s *responsesToChatStream) emit(chunk map[string]any) [][]byte {
	return s.marshal(chunk)
}

func (s *responsesToChatStream) marshal(chunk map[string]any) [][]byte {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return [][]byte{data}
}

// chatToResponsesStream converts chat completion chunks into responses
// delta chunks. Finish reasons have no responses equivalent; the stream
// terminator marks completion.
type chatToResponsesStream struct{}

func (s *chatToResponsesStream) Translate(event string, data []byte) [][]byte {
	chunk := map[string]any{}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return [][]byte{data}
	}

	out := map[string]any{
		"id":      chunk["id"],
		"created": chunk["created"],
		"model":   chunk["model"],
	}
	emit := false

	if choices := asSlice(chunk["choices"]); len(choices) > 0 {
		if choice := asMap(choices[0]); choice != nil {
			if delta := asMap(choice["delta"]); delta != nil {
				if content, ok := delta["content"].(string); ok {
					out["output_text_delta"] = content
					emit = true
				}
				if deltas := toolCallDeltas(asSlice(delta["tool_calls"])); len(deltas) > 0 {
					out["output_deltas"] = deltas
					emit = true
				}
			}
		}
	}
	if usage := asMap(chunk["usage"]); usage != nil {
		out["usage"] = usageToResponses(usage)
		emit = true
	}
	if !emit {
		return nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return [][]byte{payload}
}

func (s *chatToResponsesStream) Finish() [][]byte { return nil }

// toolCallDeltas maps chat tool_call deltas into responses output deltas.
func toolCallDeltas(calls []any) []any {
	var out []any
	for _, c := range calls {
		call := asMap(c)
		if call == nil {
			continue
		}
		od := map[string]any{"type": "function_call"}
		if id, ok := call["id"]; ok && id != nil {
			od["call_id"] = id
		}
		if fn := asMap(call["function"]); fn != nil {
			copyIfPresent(od, fn, "name")
			copyIfPresent(od, fn, "arguments")
		}
		out = append(out, od)
	}
	return out
}
