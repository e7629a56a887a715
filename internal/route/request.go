package route

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/tokencount"
	"github.com/labiium/routiium/internal/translate"
)

// Builder assembles routing requests from decoded request documents,
// honoring the configured privacy mode.
type Builder struct {
	privacy string
	counter *tokencount.Counter
}

// NewBuilder returns a Builder for the given privacy mode (features,
// summary, or full; unknown values degrade to features).
func NewBuilder(privacy string) *Builder {
	switch privacy {
	case gateway.PrivacySummary, gateway.PrivacyFull:
	default:
		privacy = gateway.PrivacyFeatures
	}
	return &Builder{privacy: privacy, counter: tokencount.NewCounter()}
}

// Privacy returns the active privacy mode.
func (b *Builder) Privacy() string { return b.privacy }

// Build constructs the wire RouteRequest for one inbound request. The
// content block is populated only for summary and full privacy.
func (b *Builder) Build(doc map[string]any, alias, api string, stream bool) *gateway.RouteRequest {
	msgs := translate.Messages(doc)
	tools, _ := doc["tools"].([]any)

	rr := &gateway.RouteRequest{
		SchemaVersion: gateway.RouteSchemaVersion,
		RequestID:     NewRequestID(),
		Alias:         alias,
		API:           api,
		Stream:        stream,
		Caps:          capsOf(msgs, len(tools)),
		EstTokens:     b.counter.EstimateMessages(msgs, len(tools)),
		Privacy:       b.privacy,
	}
	switch b.privacy {
	case gateway.PrivacySummary:
		rr.Content = summaryContent(msgs)
	case gateway.PrivacyFull:
		rr.Content = fullContent(msgs)
	}
	return rr
}

// summaryChars bounds the last-turn excerpt sent at summary privacy.
const summaryChars = 100

func summaryContent(msgs []any) *gateway.RouteContent {
	last := lastTurnText(msgs, "user")
	if last == "" {
		return nil
	}
	excerpt := last
	if len(excerpt) > summaryChars {
		// Back off to a rune start so the excerpt never splits a
		// multi-byte character.
		cut := summaryChars
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	return &gateway.RouteContent{
		Summary:      excerpt,
		Fingerprints: []string{fingerprint(last)},
	}
}

// fullTurns is how many trailing turns accompany a full-privacy request.
const fullTurns = 5

func fullContent(msgs []any) *gateway.RouteContent {
	content := &gateway.RouteContent{}
	if sys := lastTurnText(msgs, "system"); sys != "" {
		content.SystemPrompt = sys
	}
	start := max(len(msgs)-fullTurns, 0)
	for _, m := range msgs[start:] {
		text := messageText(m)
		if text == "" {
			continue
		}
		content.Turns = append(content.Turns, text)
		content.Fingerprints = append(content.Fingerprints, fingerprint(text))
	}
	if content.SystemPrompt == "" && len(content.Turns) == 0 {
		return nil
	}
	return content
}

// capsOf derives the capability hints: text always, tools when declared,
// vision when any message carries an image part.
func capsOf(msgs []any, tools int) []string {
	caps := []string{"text"}
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		if hasImagePart(parts) {
			caps = append(caps, "vision")
			break
		}
	}
	if tools > 0 {
		caps = append(caps, "tools")
	}
	return caps
}

func hasImagePart(parts []any) bool {
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		switch part["type"] {
		case "image_url", "input_image":
			return true
		}
	}
	return false
}

// lastTurnText returns the text of the last message with the given role.
func lastTurnText(msgs []any, role string) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg, ok := msgs[i].(map[string]any)
		if !ok || msg["role"] != role {
			continue
		}
		if text := messageText(msg); text != "" {
			return text
		}
	}
	return ""
}

// messageText flattens a message's content to plain text.
func messageText(m any) string {
	msg, ok := m.(map[string]any)
	if !ok {
		return ""
	}
	switch content := msg["content"].(type) {
	case string:
		return content
	case []any:
		var out string
		for _, p := range content {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				out += text
			}
		}
		return out
	}
	return ""
}

// fingerprint returns the truncated content digest sent alongside privacy
// payloads so the policy service can deduplicate without the text.
func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// ConversationID extracts the conversation identity from a request
// document: a conversation string or object id, then conversation_id, then
// previous_response_id. Query parameters override the body at the handler.
func ConversationID(doc map[string]any) string {
	switch conv := doc["conversation"].(type) {
	case string:
		if conv != "" {
			return conv
		}
	case map[string]any:
		if id, ok := conv["id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := doc["conversation_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := doc["previous_response_id"].(string); ok && id != "" {
		return id
	}
	return ""
}
