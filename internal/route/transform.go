package route

import (
	gateway "github.com/labiium/routiium/internal"
)

// ApplyTransform rewrites the outbound document per the plan's transform:
// model rewrite, parameter add/remove, and temperature / max-token
// overrides. A nil transform is a no-op.
func ApplyTransform(doc map[string]any, tr *gateway.RequestTransform) {
	if tr == nil {
		return
	}
	if tr.RewriteModel != "" {
		doc["model"] = tr.RewriteModel
	}
	for k, v := range tr.AddParameters {
		doc[k] = v
	}
	for _, k := range tr.RemoveParameters {
		delete(doc, k)
	}
	if tr.OverrideTemperature != nil {
		doc["temperature"] = *tr.OverrideTemperature
	}
	if tr.OverrideMaxTokens != nil {
		setMaxTokens(doc, *tr.OverrideMaxTokens)
	}
}

// ClampMaxTokens enforces a plan's max_output_tokens limit, lowering the
// document's value when it exceeds the cap or setting it when absent.
func ClampMaxTokens(doc map[string]any, limit int) {
	for _, key := range []string{"max_output_tokens", "max_completion_tokens", "max_tokens"} {
		if v, ok := doc[key]; ok {
			if n, ok := asNumber(v); ok && n > limit {
				doc[key] = limit
			}
			return
		}
	}
	setMaxTokens(doc, limit)
}

// setMaxTokens writes the token cap to whichever key the document already
// uses, defaulting to max_tokens for a bare document.
func setMaxTokens(doc map[string]any, n int) {
	for _, key := range []string{"max_output_tokens", "max_completion_tokens", "max_tokens"} {
		if _, ok := doc[key]; ok {
			doc[key] = n
			return
		}
	}
	doc["max_tokens"] = n
}

// ExceedsInputLimit reports whether the document's estimated input tokens
// exceed the plan's max_input_tokens limit.
func ExceedsInputLimit(doc map[string]any, estTokens int, plan *gateway.RoutePlan) bool {
	if plan.Limits == nil || plan.Limits.MaxInputTokens == nil {
		return false
	}
	return estTokens > *plan.Limits.MaxInputTokens
}

func asNumber(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
