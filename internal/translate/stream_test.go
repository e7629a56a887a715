package translate

import (
	"encoding/json"
	"testing"
)

func parseChunks(t *testing.T, payloads [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(payloads))
	for _, p := range payloads {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("chunk not JSON: %v (%s)", err, p)
		}
		out = append(out, m)
	}
	return out
}

func chunkDelta(t *testing.T, chunk map[string]any) map[string]any {
	t.Helper()
	choices := chunk["choices"].([]any)
	if len(choices) == 0 {
		t.Fatalf("no choices in %v", chunk)
	}
	return choices[0].(map[string]any)["delta"].(map[string]any)
}

func TestNewStreamTranslator(t *testing.T) {
	t.Parallel()

	if NewStreamTranslator("chat", "chat") != nil {
		t.Error("same-format translation should be nil (raw relay)")
	}
	if NewStreamTranslator("responses", "chat") == nil {
		t.Error("responses->chat translator missing")
	}
	if NewStreamTranslator("chat", "responses") == nil {
		t.Error("chat->responses translator missing")
	}
}

func TestResponsesChunkToChatChunk(t *testing.T) {
	t.Parallel()

	chunk := decode(t, `{
		"id": "resp_s1",
		"created": 1717000000,
		"model": "gpt-4o",
		"output_text_delta": "hel"
	}`)

	out := ResponsesChunkToChatChunk(chunk, true)
	if out["object"] != "chat.completion.chunk" || out["id"] != "resp_s1" {
		t.Errorf("envelope = %v", out)
	}
	delta := chunkDelta(t, out)
	if delta["role"] != "assistant" {
		t.Errorf("first chunk should carry role: %v", delta)
	}
	if delta["content"] != "hel" {
		t.Errorf("content = %v", delta["content"])
	}

	// Subsequent chunks omit the role.
	out2 := ResponsesChunkToChatChunk(chunk, false)
	if _, ok := chunkDelta(t, out2)["role"]; ok {
		t.Error("non-first chunk should not carry role")
	}
}

func TestResponsesChunkToChatChunk_ToolDeltas(t *testing.T) {
	t.Parallel()

	chunk := decode(t, `{
		"id": "resp_s2",
		"model": "m",
		"output_deltas": [
			{"type": "function_call", "call_id": "call_1", "name": "f", "arguments": "{\"a\""},
			{"type": "function_call", "arguments": ":1}"}
		]
	}`)

	delta := chunkDelta(t, ResponsesChunkToChatChunk(chunk, false))
	calls := delta["tool_calls"].([]any)
	if len(calls) != 2 {
		t.Fatalf("tool_calls = %d, want 2", len(calls))
	}
	first := calls[0].(map[string]any)
	if first["index"] != 0 || first["id"] != "call_1" || first["type"] != "function" {
		t.Errorf("first call = %v", first)
	}
	fn := first["function"].(map[string]any)
	if fn["name"] != "f" || fn["arguments"] != `{"a"` {
		t.Errorf("first fn = %v", fn)
	}
	second := calls[1].(map[string]any)
	if second["index"] != 1 {
		t.Errorf("second index = %v", second["index"])
	}
	if _, ok := second["id"]; ok {
		t.Error("argument continuation should not carry id")
	}
}

func TestResponsesToChatStream_DialectChunks(t *testing.T) {
	t.Parallel()

	s := &responsesToChatStream{}
	var got []map[string]any

	for _, data := range []string{
		`{"id": "r1", "created": 1, "model": "m", "output_text_delta": "he"}`,
		`{"id": "r1", "created": 1, "model": "m", "output_text_delta": "llo"}`,
		`{"id": "r1", "created": 1, "model": "m", "usage": {"input_tokens": 3, "output_tokens": 2}}`,
	} {
		got = append(got, parseChunks(t, s.Translate("", []byte(data)))...)
	}
	got = append(got, parseChunks(t, s.Finish())...)

	if len(got) != 5 {
		t.Fatalf("chunks = %d, want 5 (2 deltas + usage chunk + finish + usage trailer)", len(got))
	}
	if chunkDelta(t, got[0])["role"] != "assistant" {
		t.Error("first chunk missing role")
	}
	if chunkDelta(t, got[0])["content"] != "he" || chunkDelta(t, got[1])["content"] != "llo" {
		t.Errorf("content deltas = %v %v", got[0], got[1])
	}
	if _, ok := chunkDelta(t, got[1])["role"]; ok {
		t.Error("second chunk should not repeat role")
	}

	finish := got[3]
	choices := finish["choices"].([]any)
	if reason := choices[0].(map[string]any)["finish_reason"]; reason != "stop" {
		t.Errorf("finish_reason = %v, want stop", reason)
	}

	usageChunk := got[4]
	usage := usageChunk["usage"].(map[string]any)
	if usage["prompt_tokens"] != float64(3) || usage["completion_tokens"] != float64(2) {
		t.Errorf("usage = %v", usage)
	}

	// Finish is idempotent.
	if extra := s.Finish(); extra != nil {
		t.Errorf("second Finish emitted %d payloads", len(extra))
	}
}

func TestResponsesToChatStream_TypedEvents(t *testing.T) {
	t.Parallel()

	s := &responsesToChatStream{}
	var got []map[string]any

	feed := []struct {
		event string
		data  string
	}{
		{"response.created", `{"type": "response.created", "response": {"id": "resp_t", "model": "gpt-4o", "created_at": 99}}`},
		{"response.output_text.delta", `{"type": "response.output_text.delta", "delta": "hi"}`},
		{"response.output_item.added", `{"type": "response.output_item.added", "output_index": 1, "item": {"type": "function_call", "id": "fc_1", "call_id": "call_9", "name": "f"}}`},
		{"response.function_call_arguments.delta", `{"type": "response.function_call_arguments.delta", "output_index": 1, "delta": "{}"}`},
		{"response.completed", `{"type": "response.completed", "response": {"id": "resp_t", "model": "gpt-4o", "usage": {"input_tokens": 5, "output_tokens": 1}}}`},
	}
	for _, f := range feed {
		got = append(got, parseChunks(t, s.Translate(f.event, []byte(f.data)))...)
	}

	// text delta, tool open, tool args, finish, usage
	if len(got) != 5 {
		t.Fatalf("chunks = %d, want 5", len(got))
	}
	if got[0]["id"] != "resp_t" || got[0]["model"] != "gpt-4o" {
		t.Errorf("identity not captured from response.created: %v", got[0])
	}
	if chunkDelta(t, got[0])["content"] != "hi" {
		t.Errorf("text delta = %v", got[0])
	}

	toolOpen := chunkDelta(t, got[1])["tool_calls"].([]any)[0].(map[string]any)
	if toolOpen["index"] != float64(1) || toolOpen["id"] != "call_9" {
		t.Errorf("tool open = %v", toolOpen)
	}
	if toolOpen["function"].(map[string]any)["name"] != "f" {
		t.Errorf("tool open fn = %v", toolOpen)
	}

	argsDelta := chunkDelta(t, got[2])["tool_calls"].([]any)[0].(map[string]any)
	if argsDelta["function"].(map[string]any)["arguments"] != "{}" {
		t.Errorf("args delta = %v", argsDelta)
	}

	finish := got[3]
	reason := finish["choices"].([]any)[0].(map[string]any)["finish_reason"]
	if reason != "tool_calls" {
		t.Errorf("finish_reason = %v, want tool_calls after tool deltas", reason)
	}

	usage := got[4]["usage"].(map[string]any)
	if usage["prompt_tokens"] != float64(5) {
		t.Errorf("usage = %v", usage)
	}

	// The completed event already finished the stream.
	if extra := s.Finish(); extra != nil {
		t.Errorf("Finish after completed emitted %d payloads", len(extra))
	}
}

func TestResponsesToChatStream_Unparseable(t *testing.T) {
	t.Parallel()

	s := &responsesToChatStream{}
	out := s.Translate("", []byte("not json"))
	if len(out) != 1 || string(out[0]) != "not json" {
		t.Errorf("unparseable event should relay verbatim, got %q", out)
	}
}

func TestChatToResponsesStream(t *testing.T) {
	t.Parallel()

	s := &chatToResponsesStream{}
	var got []map[string]any

	feed := []string{
		`{"id": "c1", "created": 7, "model": "m", "choices": [{"index": 0, "delta": {"role": "assistant", "content": "he"}, "finish_reason": null}]}`,
		`{"id": "c1", "created": 7, "model": "m", "choices": [{"index": 0, "delta": {"tool_calls": [{"index": 0, "id": "call_2", "type": "function", "function": {"name": "f", "arguments": "{"}}]}, "finish_reason": null}]}`,
		`{"id": "c1", "created": 7, "model": "m", "choices": [{"index": 0, "delta": {}, "finish_reason": "stop"}]}`,
		`{"id": "c1", "created": 7, "model": "m", "choices": [], "usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}}`,
	}
	for _, data := range feed {
		got = append(got, parseChunks(t, s.Translate("", []byte(data)))...)
	}
	if extra := s.Finish(); extra != nil {
		t.Errorf("Finish emitted %d payloads, want none", len(extra))
	}

	// content, tool delta, usage; the bare finish_reason chunk emits nothing
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if got[0]["output_text_delta"] != "he" || got[0]["id"] != "c1" {
		t.Errorf("text chunk = %v", got[0])
	}

	deltas := got[1]["output_deltas"].([]any)
	od := deltas[0].(map[string]any)
	if od["type"] != "function_call" || od["call_id"] != "call_2" || od["name"] != "f" || od["arguments"] != "{" {
		t.Errorf("output delta = %v", od)
	}

	usage := got[2]["usage"].(map[string]any)
	if usage["input_tokens"] != float64(4) || usage["output_tokens"] != float64(2) || usage["total_tokens"] != float64(6) {
		t.Errorf("usage = %v", usage)
	}
}

func TestStreamChunkBijection(t *testing.T) {
	t.Parallel()

	// chat chunk -> responses chunk -> chat chunk preserves the delta.
	chatToResp := &chatToResponsesStream{}
	respToChat := &responsesToChatStream{started: true}

	src := `{"id": "c9", "created": 3, "model": "m", "choices": [{"index": 0, "delta": {"content": "piece"}, "finish_reason": null}]}`
	mid := chatToResp.Translate("", []byte(src))
	if len(mid) != 1 {
		t.Fatalf("mid chunks = %d", len(mid))
	}
	out := parseChunks(t, respToChat.Translate("", mid[0]))
	if len(out) != 1 {
		t.Fatalf("out chunks = %d", len(out))
	}
	if chunkDelta(t, out[0])["content"] != "piece" {
		t.Errorf("round-tripped delta = %v", out[0])
	}
	if out[0]["id"] != "c9" || out[0]["model"] != "m" {
		t.Errorf("round-tripped envelope = %v", out[0])
	}
}
