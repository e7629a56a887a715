package translate

import (
	"fmt"
	"strings"
	"time"
)

// ResponsesToChatResponse converts a responses API response document into
// the chat completion format.
func ResponsesToChatResponse(doc map[string]any) map[string]any {
	content, hasText := outputText(doc)
	toolCalls := outputToolCalls(asSlice(doc["output"]))

	msg := map[string]any{"role": "assistant"}
	switch {
	case hasText:
		msg["content"] = content
	case len(toolCalls) > 0:
		msg["content"] = nil
	default:
		msg["content"] = ""
	}
	finish := "stop"
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		finish = "tool_calls"
	}

	out := map[string]any{
		"id":      doc["id"],
		"object":  "chat.completion",
		"created": createdOf(doc),
		"model":   doc["model"],
		"choices": []any{map[string]any{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	}
	if usage := asMap(doc["usage"]); usage != nil {
		out["usage"] = usageToChat(usage)
	}
	return out
}

// outputText returns the assistant text of a responses document: the
// output_text field when present, otherwise the newline-join of textual
// output items.
func outputText(doc map[string]any) (string, bool) {
	if s, ok := doc["output_text"].(string); ok {
		return s, true
	}
	var parts []string
	for _, it := range asSlice(doc["output"]) {
		item := asMap(it)
		if item == nil {
			continue
		}
		switch asString(item["type"]) {
		case "message", "function_call_output":
			if s := itemText(item["content"]); s != "" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// itemText extracts the text of an output item's content, which is either
// a string or an array of text parts.
func itemText(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	var parts []string
	for _, p := range asSlice(content) {
		part := asMap(p)
		if part == nil {
			continue
		}
		switch asString(part["type"]) {
		case "output_text", "text":
			if s := asString(part["text"]); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// outputToolCalls maps function_call output items into chat tool calls.
func outputToolCalls(output []any) []any {
	var calls []any
	for _, it := range output {
		item := asMap(it)
		if item == nil || asString(item["type"]) != "function_call" {
			continue
		}
		id := asString(item["call_id"])
		if id == "" {
			id = asString(item["id"])
		}
		calls = append(calls, map[string]any{
			"id":   id,
			"type": "function",
			"function": map[string]any{
				"name":      item["name"],
				"arguments": item["arguments"],
			},
		})
	}
	return calls
}

// createdOf reads the creation timestamp in either field spelling, falling
// back to now.
func createdOf(doc map[string]any) any {
	if v, ok := doc["created_at"]; ok && v != nil {
		return v
	}
	if v, ok := doc["created"]; ok && v != nil {
		return v
	}
	return time.Now().Unix()
}

// usageToChat maps responses usage fields onto the chat vocabulary,
// preserving cached and reasoning token details.
func usageToChat(usage map[string]any) map[string]any {
	prompt, _ := asInt(usage["input_tokens"])
	completion, _ := asInt(usage["output_tokens"])
	total, ok := asInt(usage["total_tokens"])
	if !ok {
		total = prompt + completion
	}
	out := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}
	if details := asMap(usage["input_tokens_details"]); details != nil {
		if cached, ok := asInt(details["cached_tokens"]); ok {
			out["prompt_tokens_details"] = map[string]any{"cached_tokens": cached}
		}
	}
	if details := asMap(usage["output_tokens_details"]); details != nil {
		if reasoning, ok := asInt(details["reasoning_tokens"]); ok {
			out["completion_tokens_details"] = map[string]any{"reasoning_tokens": reasoning}
		}
	}
	return out
}

// usageToResponses is the inverse of usageToChat.
func usageToResponses(usage map[string]any) map[string]any {
	input, _ := asInt(usage["prompt_tokens"])
	output, _ := asInt(usage["completion_tokens"])
	total, ok := asInt(usage["total_tokens"])
	if !ok {
		total = input + output
	}
	out := map[string]any{
		"input_tokens":  input,
		"output_tokens": output,
		"total_tokens":  total,
	}
	if details := asMap(usage["prompt_tokens_details"]); details != nil {
		if cached, ok := asInt(details["cached_tokens"]); ok {
			out["input_tokens_details"] = map[string]any{"cached_tokens": cached}
		}
	}
	if details := asMap(usage["completion_tokens_details"]); details != nil {
		if reasoning, ok := asInt(details["reasoning_tokens"]); ok {
			out["output_tokens_details"] = map[string]any{"reasoning_tokens": reasoning}
		}
	}
	return out
}

// ChatToResponsesResponse converts a chat completion response document into
// the responses format. Only the first choice is represented.
func ChatToResponsesResponse(doc map[string]any) map[string]any {
	out := map[string]any{
		"id":         doc["id"],
		"object":     "response",
		"created_at": createdOf(doc),
		"model":      doc["model"],
	}

	var msg map[string]any
	if choices := asSlice(doc["choices"]); len(choices) > 0 {
		if choice := asMap(choices[0]); choice != nil {
			msg = asMap(choice["message"])
		}
	}

	var output []any
	text := ""
	if msg != nil {
		if s, ok := msg["content"].(string); ok {
			text = s
			output = append(output, map[string]any{
				"type":    "message",
				"id":      fmt.Sprintf("msg-%v", doc["id"]),
				"role":    "assistant",
				"content": s,
			})
		}
		for idx, tc := range asSlice(msg["tool_calls"]) {
			call := asMap(tc)
			if call == nil {
				continue
			}
			fn := asMap(call["function"])
			if fn == nil {
				continue
			}
			output = append(output, map[string]any{
				"type":      "function_call",
				"id":        fmt.Sprintf("call-%d", idx),
				"call_id":   call["id"],
				"name":      fn["name"],
				"arguments": fn["arguments"],
			})
		}
	}
	out["output_text"] = text
	out["output"] = output
	if usage := asMap(doc["usage"]); usage != nil {
		out["usage"] = usageToResponses(usage)
	}
	return out
}
