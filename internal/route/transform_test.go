package route

import (
	"testing"

	gateway "github.com/labiium/routiium/internal"
)

func TestApplyTransform(t *testing.T) {
	t.Parallel()

	temp := 0.2
	maxTok := 512
	doc := map[string]any{
		"model":       "gpt-4o",
		"temperature": 0.9,
		"seed":        float64(7),
	}
	ApplyTransform(doc, &gateway.RequestTransform{
		RewriteModel:        "gpt-4o-mini",
		AddParameters:       map[string]any{"top_p": 0.5},
		RemoveParameters:    []string{"seed"},
		OverrideTemperature: &temp,
		OverrideMaxTokens:   &maxTok,
	})

	if doc["model"] != "gpt-4o-mini" {
		t.Fatalf("model = %v", doc["model"])
	}
	if doc["top_p"] != 0.5 {
		t.Fatalf("top_p = %v", doc["top_p"])
	}
	if _, ok := doc["seed"]; ok {
		t.Fatal("seed should be removed")
	}
	if doc["temperature"] != 0.2 {
		t.Fatalf("temperature = %v", doc["temperature"])
	}
	if doc["max_tokens"] != 512 {
		t.Fatalf("max_tokens = %v", doc["max_tokens"])
	}
}

func TestApplyTransform_Nil(t *testing.T) {
	t.Parallel()

	doc := map[string]any{"model": "gpt-4o"}
	ApplyTransform(doc, nil)
	if doc["model"] != "gpt-4o" {
		t.Fatalf("doc mutated: %v", doc)
	}
}

func TestClampMaxTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  map[string]any
		key  string
		want int
	}{
		{"lowers existing max_tokens", map[string]any{"max_tokens": float64(4096)}, "max_tokens", 1000},
		{"keeps lower max_tokens", map[string]any{"max_tokens": float64(100)}, "max_tokens", 100},
		{"lowers max_output_tokens", map[string]any{"max_output_tokens": float64(9000)}, "max_output_tokens", 1000},
		{"lowers max_completion_tokens", map[string]any{"max_completion_tokens": float64(9000)}, "max_completion_tokens", 1000},
		{"sets when absent", map[string]any{}, "max_tokens", 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ClampMaxTokens(tt.doc, 1000)
			got, ok := asNumber(tt.doc[tt.key])
			if !ok || got != tt.want {
				t.Fatalf("%s = %v, want %d", tt.key, tt.doc[tt.key], tt.want)
			}
		})
	}
}

func TestExceedsInputLimit(t *testing.T) {
	t.Parallel()

	limit := 100
	plan := &gateway.RoutePlan{Limits: &gateway.RouteLimits{MaxInputTokens: &limit}}

	if ExceedsInputLimit(map[string]any{}, 99, plan) {
		t.Fatal("99 <= 100 should pass")
	}
	if !ExceedsInputLimit(map[string]any{}, 101, plan) {
		t.Fatal("101 > 100 should exceed")
	}
	if ExceedsInputLimit(map[string]any{}, 1_000_000, &gateway.RoutePlan{}) {
		t.Fatal("no limits means no cap")
	}
}
