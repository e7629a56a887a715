// Package bedrock adapts chat-shaped requests to AWS Bedrock model
// families and maps their answers back to the chat completion shape. The
// gateway signs requests with SigV4 and calls
// /model/{id}/invoke[-with-response-stream]; this package owns the bodies.
package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Provider families recognized in Bedrock model ids.
const (
	FamilyAnthropic = "anthropic"
	FamilyTitan     = "amazon"
	FamilyMeta      = "meta"
	FamilyMistral   = "mistral"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// Region extracts the AWS region from a Bedrock endpoint host of the form
// bedrock-runtime.<region>.amazonaws.com. Unparseable hosts fall back to
// us-east-1.
func Region(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 3 && strings.HasPrefix(parts[0], "bedrock") {
		return parts[1]
	}
	return "us-east-1"
}

// Family returns the provider family for a model id, skipping a leading
// cross-region prefix (us.anthropic.claude... routes like anthropic).
func Family(modelID string) string {
	parts := strings.Split(modelID, ".")
	for _, p := range parts {
		switch p {
		case FamilyAnthropic, FamilyTitan, FamilyMeta, FamilyMistral:
			return p
		}
	}
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

// BuildRequest converts a chat-shaped document into the invoke body for
// the model's family.
func BuildRequest(modelID string, doc map[string]any) ([]byte, error) {
	system, turns := splitMessages(doc)
	maxTokens := maxTokensOf(doc)

	var body map[string]any
	switch Family(modelID) {
	case FamilyAnthropic:
		msgs := make([]map[string]any, 0, len(turns))
		for _, t := range turns {
			msgs = append(msgs, map[string]any{"role": t.role, "content": t.content})
		}
		body = map[string]any{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens,
			"messages":          msgs,
		}
		if system != "" {
			body["system"] = system
		}
		copySampling(body, doc, "temperature", "top_p")
		if stop := stopSequences(doc); len(stop) > 0 {
			body["stop_sequences"] = stop
		}

	case FamilyTitan:
		cfg := map[string]any{"maxTokenCount": maxTokens}
		if v, ok := doc["temperature"]; ok {
			cfg["temperature"] = v
		}
		if v, ok := doc["top_p"]; ok {
			cfg["topP"] = v
		}
		if stop := stopSequences(doc); len(stop) > 0 {
			cfg["stopSequences"] = stop
		}
		body = map[string]any{
			"inputText":            flattenPrompt(system, turns),
			"textGenerationConfig": cfg,
		}

	case FamilyMeta:
		body = map[string]any{
			"prompt":      flattenPrompt(system, turns),
			"max_gen_len": maxTokens,
		}
		copySampling(body, doc, "temperature", "top_p")

	case FamilyMistral:
		body = map[string]any{
			"prompt":     instPrompt(system, turns),
			"max_tokens": maxTokens,
		}
		copySampling(body, doc, "temperature", "top_p")
		if stop := stopSequences(doc); len(stop) > 0 {
			body["stop"] = stop
		}

	default:
		return nil, fmt.Errorf("unsupported bedrock model family in %q", modelID)
	}
	return json.Marshal(body)
}

// ParseResponse converts a family-specific invoke answer into a chat
// completion body.
func ParseResponse(modelID string, body []byte) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var text, stopReason string
	var promptTokens, completionTokens int
	switch Family(modelID) {
	case FamilyAnthropic:
		var sb strings.Builder
		for _, block := range r.Get("content").Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
		}
		text = sb.String()
		stopReason = r.Get("stop_reason").String()
		promptTokens = int(r.Get("usage.input_tokens").Int())
		completionTokens = int(r.Get("usage.output_tokens").Int())

	case FamilyTitan:
		result := r.Get("results.0")
		text = result.Get("outputText").String()
		stopReason = result.Get("completionReason").String()
		promptTokens = int(r.Get("inputTextTokenCount").Int())
		completionTokens = int(result.Get("tokenCount").Int())

	case FamilyMeta:
		text = r.Get("generation").String()
		stopReason = r.Get("stop_reason").String()
		promptTokens = int(r.Get("prompt_token_count").Int())
		completionTokens = int(r.Get("generation_token_count").Int())

	case FamilyMistral:
		out := r.Get("outputs.0")
		text = out.Get("text").String()
		stopReason = out.Get("stop_reason").String()

	default:
		return nil, fmt.Errorf("unsupported bedrock model family in %q", modelID)
	}

	completion := map[string]any{
		"id":      newCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   modelID,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": mapStopReason(stopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
	return json.Marshal(completion)
}

// mapStopReason normalizes family stop reasons to chat finish reasons.
func mapStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "max_tokens", "length", "max_gen_len":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

type turn struct {
	role    string
	content string
}

// splitMessages separates system text from the conversational turns,
// flattening content parts to plain text.
func splitMessages(doc map[string]any) (system string, turns []turn) {
	msgs, _ := doc["messages"].([]any)
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := contentText(msg["content"])
		switch role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += text
		case "assistant":
			turns = append(turns, turn{role: "assistant", content: text})
		default:
			turns = append(turns, turn{role: "user", content: text})
		}
	}
	return system, turns
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, p := range c {
			if part, ok := p.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}

// flattenPrompt renders the conversation as labeled lines for the
// plain-prompt families.
func flattenPrompt(system string, turns []turn) string {
	var sb strings.Builder
	if system != "" {
		sb.WriteString("System: ")
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	for _, t := range turns {
		if t.role == "assistant" {
			sb.WriteString("Assistant: ")
		} else {
			sb.WriteString("User: ")
		}
		sb.WriteString(t.content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

// instPrompt renders the conversation in the [INST] template Mistral
// instruct models expect.
func instPrompt(system string, turns []turn) string {
	var sb strings.Builder
	sb.WriteString("<s>")
	for _, t := range turns {
		if t.role == "assistant" {
			sb.WriteString(t.content)
			sb.WriteString("</s>")
			continue
		}
		sb.WriteString("[INST] ")
		if system != "" {
			sb.WriteString(system)
			sb.WriteString("\n\n")
			system = ""
		}
		sb.WriteString(t.content)
		sb.WriteString(" [/INST]")
	}
	return sb.String()
}

func maxTokensOf(doc map[string]any) int {
	for _, key := range []string{"max_output_tokens", "max_completion_tokens", "max_tokens"} {
		switch v := doc[key].(type) {
		case float64:
			if v > 0 {
				return int(v)
			}
		case int:
			if v > 0 {
				return v
			}
		}
	}
	return defaultMaxTokens
}

func copySampling(body, doc map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			body[k] = v
		}
	}
}

func stopSequences(doc map[string]any) []string {
	switch v := doc["stop"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
