package translate

// minOutputTokens is the floor applied to max_output_tokens in the
// responses format; upstreams reject smaller values.
const minOutputTokens = 16

// forwardedRequestKeys pass through chat -> responses unchanged.
var forwardedRequestKeys = []string{
	"temperature", "top_p", "stop", "presence_penalty",
	"frequency_penalty", "logit_bias", "user", "n", "stream",
}

// excludedExtraKeys are never merged as extras in responses -> chat: they
// are either translated explicitly or belong to the responses format only.
var excludedExtraKeys = map[string]struct{}{
	"model": {}, "messages": {}, "input": {}, "temperature": {}, "top_p": {},
	"max_output_tokens": {}, "stop": {}, "presence_penalty": {},
	"frequency_penalty": {}, "logit_bias": {}, "user": {}, "n": {},
	"tools": {}, "tool_choice": {}, "response_format": {}, "stream": {},
	"conversation": {}, "conversation_id": {}, "previous_response_id": {},
}

// ChatToResponsesRequest converts a chat completion request document into
// the responses format. conv, when non-nil, threads the request into an
// existing conversation.
func ChatToResponsesRequest(doc map[string]any, conv *Conversation) map[string]any {
	out := map[string]any{}
	copyIfPresent(out, doc, "model")

	msgs := asSlice(doc["messages"])
	converted := make([]any, 0, len(msgs))
	for _, m := range msgs {
		msg := asMap(m)
		if msg == nil {
			converted = append(converted, m)
			continue
		}
		converted = append(converted, chatMessageToResponses(msg))
	}
	out["input"] = map[string]any{"messages": converted}

	if v, ok := maxTokensOf(doc); ok {
		out["max_output_tokens"] = max(v, minOutputTokens)
	}
	if tools := asSlice(doc["tools"]); tools != nil {
		out["tools"] = flattenTools(tools)
	}
	if tc, ok := doc["tool_choice"]; ok && tc != nil {
		out["tool_choice"] = flattenToolChoice(tc)
	}
	if rf := asMap(doc["response_format"]); rf != nil {
		out["response_format"] = normalizeResponseFormat(rf)
	}
	for _, key := range forwardedRequestKeys {
		copyIfPresent(out, doc, key)
	}
	if conv != nil {
		if conv.ID != "" {
			out["conversation"] = conv.ID
		}
		if conv.PreviousResponseID != "" {
			out["previous_response_id"] = conv.PreviousResponseID
		}
	}
	return out
}

// chatMessageToResponses maps one chat message, translating the legacy
// function role and the content part vocabulary.
func chatMessageToResponses(msg map[string]any) map[string]any {
	out := map[string]any{}
	role := asString(msg["role"])
	if role == "function" {
		role = "tool"
	}
	out["role"] = role

	content, hasContent := msg["content"]
	switch {
	case !hasContent || content == nil:
		// Assistant tool-call messages need an empty string; upstreams
		// reject null content alongside tool_calls.
		if role == "assistant" && msg["tool_calls"] != nil {
			out["content"] = ""
		} else if hasContent {
			out["content"] = nil
		}
	default:
		out["content"] = mapContentParts(content)
	}

	copyIfPresent(out, msg, "name")
	copyIfPresent(out, msg, "tool_call_id")
	copyIfPresent(out, msg, "tool_calls")
	return out
}

// mapContentParts rewrites chat content parts into the responses
// vocabulary: text -> input_text, image_url -> input_image. String content
// and unknown part types pass through verbatim.
func mapContentParts(content any) any {
	parts := asSlice(content)
	if parts == nil {
		return content
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		part := asMap(p)
		if part == nil {
			out = append(out, p)
			continue
		}
		switch asString(part["type"]) {
		case "text":
			out = append(out, map[string]any{
				"type": "input_text",
				"text": part["text"],
			})
		case "image_url":
			mapped := map[string]any{"type": "input_image"}
			switch img := part["image_url"].(type) {
			case map[string]any:
				mapped["image_url"] = img["url"]
				if detail, ok := img["detail"]; ok {
					mapped["detail"] = detail
				}
			default:
				mapped["image_url"] = img
			}
			out = append(out, mapped)
		default:
			out = append(out, p)
		}
	}
	return out
}

// maxTokensOf reads the output token budget, preferring the newer
// max_completion_tokens field.
func maxTokensOf(doc map[string]any) (int, bool) {
	if v, ok := asInt(doc["max_completion_tokens"]); ok {
		return v, true
	}
	if v, ok := asInt(doc["max_tokens"]); ok {
		return v, true
	}
	return 0, false
}

// flattenTools converts nested chat tool definitions into the flat
// responses form. Non-function entries pass through verbatim.
func flattenTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool := asMap(t)
		if tool == nil || asString(tool["type"]) != "function" {
			out = append(out, t)
			continue
		}
		fn := asMap(tool["function"])
		if fn == nil {
			out = append(out, t)
			continue
		}
		flat := map[string]any{"type": "function", "name": fn["name"]}
		copyIfPresent(flat, fn, "description")
		copyIfPresent(flat, fn, "parameters")
		out = append(out, flat)
	}
	return out
}

// flattenToolChoice maps {type:function, function:{name}} into the flat
// responses form. Strings and unrecognized shapes pass through.
func flattenToolChoice(tc any) any {
	choice := asMap(tc)
	if choice == nil {
		return tc
	}
	if asString(choice["type"]) != "function" {
		return tc
	}
	fn := asMap(choice["function"])
	if fn == nil {
		return tc
	}
	out := map[string]any{"type": "function", "name": fn["name"]}
	copyIfPresent(out, fn, "arguments")
	return out
}

// normalizeResponseFormat rebuilds a response_format object around its
// type, keeping extra fields without letting them override the type.
func normalizeResponseFormat(rf map[string]any) map[string]any {
	out := map[string]any{"type": rf["type"]}
	for k, v := range rf {
		if k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}

// ResponsesToChatRequest converts a responses request document into the
// chat completion format. Unknown top-level fields merge through as extras.
func ResponsesToChatRequest(doc map[string]any) map[string]any {
	out := map[string]any{}
	copyIfPresent(out, doc, "model")

	msgs := Messages(doc)
	converted := make([]any, 0, len(msgs))
	for _, m := range msgs {
		msg := asMap(m)
		if msg == nil {
			converted = append(converted, m)
			continue
		}
		cm := map[string]any{"role": roleOrUser(asString(msg["role"]))}
		if content, ok := msg["content"]; ok {
			cm["content"] = content
		}
		copyIfPresent(cm, msg, "name")
		copyIfPresent(cm, msg, "tool_call_id")
		copyIfPresent(cm, msg, "tool_calls")
		converted = append(converted, cm)
	}
	out["messages"] = converted

	if v, ok := asInt(doc["max_output_tokens"]); ok {
		out["max_tokens"] = v
	}
	if tools := asSlice(doc["tools"]); tools != nil {
		out["tools"] = nestTools(tools)
	}
	copyIfPresent(out, doc, "tool_choice")
	if rf := asMap(doc["response_format"]); rf != nil {
		out["response_format"] = normalizeResponseFormat(rf)
	}
	for _, key := range forwardedRequestKeys {
		copyIfPresent(out, doc, key)
	}
	mergeExtras(out, doc)
	return out
}

// roleOrUser normalizes unrecognized roles to "user".
func roleOrUser(role string) string {
	switch role {
	case "system", "user", "assistant", "tool", "function", "developer":
		return role
	default:
		return "user"
	}
}

// nestTools converts flat responses tool definitions into the nested chat
// form. Entries without type "function" are dropped; chat upstreams
// reject them.
func nestTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool := asMap(t)
		if tool == nil || asString(tool["type"]) != "function" {
			continue
		}
		fn := map[string]any{"name": tool["name"]}
		copyIfPresent(fn, tool, "description")
		if params, ok := tool["parameters"]; ok && params != nil {
			fn["parameters"] = params
		} else {
			fn["parameters"] = map[string]any{}
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

// mergeExtras copies unrecognized top-level keys from src into dst,
// skipping translated fields and anything dst already carries.
func mergeExtras(dst, src map[string]any) {
	for k, v := range src {
		if _, excluded := excludedExtraKeys[k]; excluded {
			continue
		}
		if _, exists := dst[k]; exists {
			continue
		}
		dst[k] = v
	}
}
