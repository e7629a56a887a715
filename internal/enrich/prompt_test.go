package enrich

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func roles(t *testing.T, msgs []any) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		role, _ := m.(map[string]any)["role"].(string)
		out = append(out, role)
	}
	return out
}

func TestPromptConfig_PromptFor(t *testing.T) {
	t.Parallel()

	cfg := &PromptConfig{
		Enabled:  true,
		Global:   "global prompt",
		PerModel: map[string]string{"gpt-4o": "model prompt"},
		PerAPI:   map[string]string{"responses": "api prompt"},
	}

	tests := []struct {
		name   string
		cfg    *PromptConfig
		model  string
		api    string
		want   string
		wantOK bool
	}{
		{"per-model wins", cfg, "gpt-4o", "responses", "model prompt", true},
		{"per-api fallback", cfg, "gpt-4.1", "responses", "api prompt", true},
		{"global fallback", cfg, "gpt-4.1", "chat", "global prompt", true},
		{"disabled", &PromptConfig{Global: "x"}, "gpt-4o", "chat", "", false},
		{"nothing configured", &PromptConfig{Enabled: true}, "gpt-4o", "chat", "", false},
		{"nil config", nil, "gpt-4o", "chat", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tt.cfg.PromptFor(tt.model, tt.api)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("PromptFor(%q, %q) = %q, %v; want %q, %v", tt.model, tt.api, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPromptConfig_Mode(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]string{
		"":        ModePrepend,
		"prepend": ModePrepend,
		"append":  ModeAppend,
		"replace": ModeReplace,
		"bogus":   ModePrepend,
	} {
		cfg := &PromptConfig{InjectionMode: raw}
		if got := cfg.Mode(); got != want {
			t.Errorf("Mode(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestInjectSystemPrompt(t *testing.T) {
	t.Parallel()

	t.Run("prepend", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"messages": [{"role": "user", "content": "hi"}]}`)
		if !InjectSystemPrompt(doc, "chat", "be brief", ModePrepend) {
			t.Fatal("not applied")
		}
		msgs := doc["messages"].([]any)
		if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"system", "user"}) {
			t.Errorf("roles = %v", got)
		}
		if content := msgs[0].(map[string]any)["content"]; content != "be brief" {
			t.Errorf("prompt = %v", content)
		}
	})

	t.Run("append after last system", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"messages": [
			{"role": "system", "content": "one"},
			{"role": "system", "content": "two"},
			{"role": "user", "content": "hi"}
		]}`)
		InjectSystemPrompt(doc, "chat", "three", ModeAppend)
		msgs := doc["messages"].([]any)
		if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"system", "system", "system", "user"}) {
			t.Errorf("roles = %v", got)
		}
		if content := msgs[2].(map[string]any)["content"]; content != "three" {
			t.Errorf("msgs[2] = %v", content)
		}
	})

	t.Run("append without system goes last", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"messages": [{"role": "user", "content": "hi"}]}`)
		InjectSystemPrompt(doc, "chat", "late", ModeAppend)
		msgs := doc["messages"].([]any)
		if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"user", "system"}) {
			t.Errorf("roles = %v", got)
		}
	})

	t.Run("replace drops existing system messages", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"messages": [
			{"role": "system", "content": "old"},
			{"role": "user", "content": "hi"},
			{"role": "system", "content": "older"}
		]}`)
		InjectSystemPrompt(doc, "chat", "new", ModeReplace)
		msgs := doc["messages"].([]any)
		if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"system", "user"}) {
			t.Errorf("roles = %v", got)
		}
		if content := msgs[0].(map[string]any)["content"]; content != "new" {
			t.Errorf("prompt = %v", content)
		}
	})

	t.Run("responses input array", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"model": "m", "input": [{"role": "user", "content": "hi"}]}`)
		InjectSystemPrompt(doc, "responses", "sys", ModePrepend)
		msgs := doc["input"].([]any)
		if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"system", "user"}) {
			t.Errorf("roles = %v", got)
		}
	})

	t.Run("no message list leaves doc untouched", func(t *testing.T) {
		t.Parallel()
		doc := decode(t, `{"model": "m", "input": "plain string"}`)
		if InjectSystemPrompt(doc, "responses", "sys", ModePrepend) {
			t.Error("applied to a doc without messages")
		}
		if doc["input"] != "plain string" {
			t.Errorf("input mutated: %v", doc["input"])
		}
	})
}

func TestInjectSystemPrompt_Idempotent(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{ModePrepend, ModeAppend, ModeReplace} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			doc := decode(t, `{"messages": [
				{"role": "system", "content": "client"},
				{"role": "user", "content": "hi"}
			]}`)
			InjectSystemPrompt(doc, "chat", "injected", mode)
			once := append([]any(nil), doc["messages"].([]any)...)

			InjectSystemPrompt(doc, "chat", "injected", mode)
			if twice := doc["messages"].([]any); !reflect.DeepEqual(once, twice) {
				t.Errorf("mode %s not idempotent:\nonce:  %v\ntwice: %v", mode, once, twice)
			}
		})
	}
}

func TestPrompter_Reload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.yaml")
	cfg := `
enabled: true
global: be helpful
per_model:
  gpt-4o: be terse
injection_mode: append
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	p := NewPrompter()
	if snap := p.Snapshot(); snap.Enabled {
		t.Error("fresh prompter should be disabled")
	}
	if err := p.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	snap := p.Snapshot()
	if !snap.Enabled || snap.Global != "be helpful" || snap.Mode() != ModeAppend {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.PerModel["gpt-4o"] != "be terse" {
		t.Errorf("per_model = %v", snap.PerModel)
	}

	// A failed reload keeps the previous snapshot.
	if err := p.Reload(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Reload of missing file should error")
	}
	if p.Snapshot() != snap {
		t.Error("failed reload replaced the snapshot")
	}
}

func TestPrompter_Apply(t *testing.T) {
	t.Parallel()

	p := NewPrompter()
	doc := decode(t, `{"messages": [{"role": "user", "content": "hi"}]}`)
	if p.Apply(doc, "gpt-4o", "chat") {
		t.Error("disabled prompter applied a prompt")
	}

	p.snap.Store(&PromptConfig{Enabled: true, Global: "injected"})
	if !p.Apply(doc, "gpt-4o", "chat") {
		t.Fatal("enabled prompter did not apply")
	}
	msgs := doc["messages"].([]any)
	if got := roles(t, msgs); !reflect.DeepEqual(got, []string{"system", "user"}) {
		t.Errorf("roles = %v", got)
	}
}
