package app

import (
	"github.com/tidwall/gjson"

	gateway "github.com/labiium/routiium/internal"
)

// ExtractUsage reads token usage from an upstream response body or stream
// chunk in either wire format. Returns nil when the document carries no
// usage block. Later chunks supersede earlier ones, so stream relays call
// this per event and keep the last non-nil result.
func ExtractUsage(body []byte) *gateway.EventTokens {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		// Typed responses events nest the final usage under response.
		usage = gjson.GetBytes(body, "response.usage")
	}
	if !usage.IsObject() {
		return nil
	}

	tok := &gateway.EventTokens{}
	if v := usage.Get("prompt_tokens"); v.Exists() {
		tok.Prompt = int(v.Int())
		tok.Completion = int(usage.Get("completion_tokens").Int())
		setIfPresent(&tok.Cached, usage.Get("prompt_tokens_details.cached_tokens"))
		setIfPresent(&tok.Reasoning, usage.Get("completion_tokens_details.reasoning_tokens"))
		return tok
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		tok.Prompt = int(v.Int())
		tok.Completion = int(usage.Get("output_tokens").Int())
		setIfPresent(&tok.Cached, usage.Get("input_tokens_details.cached_tokens"))
		setIfPresent(&tok.Reasoning, usage.Get("output_tokens_details.reasoning_tokens"))
		return tok
	}
	return nil
}

func setIfPresent(dst **int, v gjson.Result) {
	if v.Exists() {
		n := int(v.Int())
		*dst = &n
	}
}
