package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// Chunk is one unit of a decoded response stream: a chat completion chunk
// body, the terminal marker, or a failure.
type Chunk struct {
	Data []byte
	Done bool
	Err  error
}

// ReadStream decodes AWS binary event stream frames from an
// invoke-with-response-stream body and emits chat completion chunks for
// the model's family. Each frame payload is {"bytes":"<base64>"} holding
// the family's native event JSON. The channel closes when the stream ends.
func ReadStream(ctx context.Context, modelID string, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	machine := newChunkMachine(modelID)
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, c := range machine.finish() {
					if !sendChunk(ctx, ch, c) {
						return
					}
				}
				sendChunk(ctx, ch, Chunk{Done: true})
				return
			}
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("decode bedrock event stream: %w", err)})
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			errType := headerValue(msg.Headers, ":exception-type")
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("bedrock exception %s: %s", errType, payload)})
			return
		case "event":
		default:
			continue
		}

		event, err := extractEventBytes(msg.Payload)
		if err != nil {
			sendChunk(ctx, ch, Chunk{Err: fmt.Errorf("bedrock event payload: %w", err)})
			return
		}

		for _, c := range machine.handle(event) {
			if !sendChunk(ctx, ch, c) {
				return
			}
		}
	}
}

// sendChunk delivers c unless the consumer has stopped reading. Terminal
// and data sends alike must not block once the reader is gone: the channel
// holds one buffered chunk, and an abandoned reader would pin this
// goroutine and the response body forever.
func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// headerValue reads a string header from an event stream message.
func headerValue(headers eventstream.Headers, name string) string {
	if v, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(v)
	}
	return ""
}

// extractEventBytes base64-decodes the "bytes" field of a frame payload.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field")
	}
	return base64.StdEncoding.DecodeString(b64)
}

// chunkMachine turns one family's native stream events into chat chunks.
type chunkMachine interface {
	handle(event []byte) []Chunk
	finish() []Chunk
}

func newChunkMachine(modelID string) chunkMachine {
	base := chunkBase{id: newChunkID(), model: modelID}
	if Family(modelID) == FamilyAnthropic {
		return &anthropicMachine{chunkBase: base}
	}
	return &textMachine{chunkBase: base, family: Family(modelID)}
}

func newChunkID() string {
	return "chatcmpl-" + fmt.Sprintf("%d", time.Now().UnixNano())
}

// chunkBase carries the identity shared by every emitted chunk.
type chunkBase struct {
	id           string
	model        string
	promptTokens int
	outputTokens int
	finished     bool
}

// anthropicMachine follows the Anthropic messages event protocol:
// message_start, content_block_delta, message_delta, message_stop.
type anthropicMachine struct {
	chunkBase
	stopReason string
}

func (m *anthropicMachine) handle(event []byte) []Chunk {
	r := gjson.ParseBytes(event)
	switch r.Get("type").String() {
	case "message_start":
		if id := r.Get("message.id").String(); id != "" {
			m.id = id
		}
		m.promptTokens = int(r.Get("message.usage.input_tokens").Int())
		return []Chunk{{Data: m.deltaChunk(map[string]any{"role": "assistant"}, "")}}

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []Chunk{{Data: m.deltaChunk(map[string]any{"content": r.Get("delta.text").String()}, "")}}
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			return []Chunk{{Data: m.toolDeltaChunk(idx, r.Get("delta.partial_json").String())}}
		}
		return nil

	case "message_delta":
		m.outputTokens = int(r.Get("usage.output_tokens").Int())
		m.stopReason = r.Get("delta.stop_reason").String()
		return nil

	case "message_stop":
		m.finished = true
		return []Chunk{
			{Data: m.deltaChunk(map[string]any{}, mapStopReason(m.stopReason))},
			{Data: m.usageChunk()},
		}
	}
	return nil
}

func (m *anthropicMachine) finish() []Chunk {
	if m.finished {
		return nil
	}
	return []Chunk{{Data: m.deltaChunk(map[string]any{}, "stop")}}
}

// textMachine covers the plain-text stream families (titan, meta,
// mistral): each event carries a text fragment and eventually a stop
// reason.
type textMachine struct {
	chunkBase
	family  string
	started bool
}

func (m *textMachine) handle(event []byte) []Chunk {
	r := gjson.ParseBytes(event)

	var text, stopReason string
	switch m.family {
	case FamilyTitan:
		text = r.Get("outputText").String()
		stopReason = r.Get("completionReason").String()
		if n := r.Get("inputTextTokenCount").Int(); n > 0 {
			m.promptTokens = int(n)
		}
		if n := r.Get("totalOutputTextTokenCount").Int(); n > 0 {
			m.outputTokens = int(n)
		}
	case FamilyMeta:
		text = r.Get("generation").String()
		stopReason = r.Get("stop_reason").String()
		if n := r.Get("prompt_token_count").Int(); n > 0 {
			m.promptTokens = int(n)
		}
		if n := r.Get("generation_token_count").Int(); n > 0 {
			m.outputTokens = int(n)
		}
	default:
		out := r.Get("outputs.0")
		text = out.Get("text").String()
		stopReason = out.Get("stop_reason").String()
	}

	var chunks []Chunk
	if !m.started {
		m.started = true
		chunks = append(chunks, Chunk{Data: m.deltaChunk(map[string]any{"role": "assistant"}, "")})
	}
	if text != "" {
		chunks = append(chunks, Chunk{Data: m.deltaChunk(map[string]any{"content": text}, "")})
	}
	if stopReason != "" {
		m.finished = true
		chunks = append(chunks,
			Chunk{Data: m.deltaChunk(map[string]any{}, mapStopReason(stopReason))},
			Chunk{Data: m.usageChunk()},
		)
	}
	return chunks
}

func (m *textMachine) finish() []Chunk {
	if m.finished {
		return nil
	}
	return []Chunk{{Data: m.deltaChunk(map[string]any{}, "stop")}}
}

// deltaChunk builds one chat.completion.chunk body.
func (b *chunkBase) deltaChunk(delta map[string]any, finishReason string) []byte {
	var fr any
	if finishReason != "" {
		fr = finishReason
	}
	chunk := map[string]any{
		"id":      b.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   b.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": fr,
		}},
	}
	out, _ := json.Marshal(chunk)
	return out
}

// toolDeltaChunk builds a tool-call argument delta chunk.
func (b *chunkBase) toolDeltaChunk(index int, argumentsDelta string) []byte {
	chunk := map[string]any{
		"id":      b.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   b.model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index":    index,
					"function": map[string]any{"arguments": argumentsDelta},
				}},
			},
			"finish_reason": nil,
		}},
	}
	out, _ := json.Marshal(chunk)
	return out
}

// usageChunk builds the trailing usage-only chunk.
func (b *chunkBase) usageChunk() []byte {
	chunk := map[string]any{
		"id":      b.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   b.model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     b.promptTokens,
			"completion_tokens": b.outputTokens,
			"total_tokens":      b.promptTokens + b.outputTokens,
		},
	}
	out, _ := json.Marshal(chunk)
	return out
}
