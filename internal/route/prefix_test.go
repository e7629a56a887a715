package route

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/labiium/routiium/internal"
)

func TestParsePrefixRules(t *testing.T) {
	t.Parallel()

	rules, err := ParsePrefixRules(
		"prefix=claude-,base=https://api.anthropic.com,key_env=ANTHROPIC_API_KEY,mode=chat;" +
			"prefix=llama-,base_url=http://localhost:11434/v1",
	)
	if err != nil {
		t.Fatalf("ParsePrefixRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if rules[0].Prefix != "claude-" || rules[0].BaseURL != "https://api.anthropic.com" {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[0].AuthEnv != "ANTHROPIC_API_KEY" || rules[0].Mode != "chat" {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[1].Prefix != "llama-" || rules[1].BaseURL != "http://localhost:11434/v1" {
		t.Fatalf("rule 1 = %+v", rules[1])
	}
}

func TestParsePrefixRules_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"unknown key", "prefix=x,base=http://h,bogus=1"},
		{"missing base", "prefix=x,key_env=KEY"},
		{"not k=v", "prefix=x,base=http://h;whatever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePrefixRules(tt.in); err == nil {
				t.Fatalf("ParsePrefixRules(%q) = nil error, want error", tt.in)
			}
		})
	}
}

func TestParsePrefixRules_Empty(t *testing.T) {
	t.Parallel()

	rules, err := ParsePrefixRules(" ; ")
	if err != nil {
		t.Fatalf("ParsePrefixRules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("len = %d, want 0", len(rules))
	}
}

func TestPrefixRouter_Resolve(t *testing.T) {
	t.Parallel()

	p := NewPrefixRouter([]PrefixRule{
		{Prefix: "claude-", BaseURL: "https://api.anthropic.com", AuthEnv: "ANTHROPIC_API_KEY", Mode: gateway.ModeChat},
		{Prefix: "", BaseURL: "https://catchall.example"},
	})

	plan, err := p.Resolve(context.Background(), &gateway.RouteRequest{Alias: "claude-sonnet"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Upstream.BaseURL != "https://api.anthropic.com" {
		t.Fatalf("base = %q", plan.Upstream.BaseURL)
	}
	if plan.Upstream.ModelID != "claude-sonnet" {
		t.Fatalf("model = %q, alias should pass through", plan.Upstream.ModelID)
	}
	if plan.Upstream.AuthEnv != "ANTHROPIC_API_KEY" {
		t.Fatalf("auth env = %q", plan.Upstream.AuthEnv)
	}
	if plan.Backend != "prefix" {
		t.Fatalf("backend = %q, want prefix", plan.Backend)
	}

	// Empty prefix matches everything, so any alias lands on the catchall.
	plan, err = p.Resolve(context.Background(), &gateway.RouteRequest{Alias: "gpt-4o"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Upstream.BaseURL != "https://catchall.example" {
		t.Fatalf("base = %q, want catchall", plan.Upstream.BaseURL)
	}
	if plan.Upstream.Mode != gateway.ModeChat {
		t.Fatalf("mode = %q, want chat default", plan.Upstream.Mode)
	}
}

func TestPrefixRouter_NoMatch(t *testing.T) {
	t.Parallel()

	p := NewPrefixRouter([]PrefixRule{{Prefix: "claude-", BaseURL: "https://api.anthropic.com"}})
	_, err := p.Resolve(context.Background(), &gateway.RouteRequest{Alias: "gpt-4o"})
	if !errors.Is(err, gateway.ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}
