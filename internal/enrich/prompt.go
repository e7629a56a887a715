// Package enrich rewrites outbound request documents before they reach an
// upstream: system prompt injection and discovered tool merging. All
// configuration is held in atomic snapshots so reloads never affect a
// request already in flight.
package enrich

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.yaml.in/yaml/v3"

	"github.com/labiium/routiium/internal/translate"
)

// PromptConfig is the system prompt configuration file. Prompt selection
// walks per_model, then per_api, then global.
type PromptConfig struct {
	Enabled       bool              `yaml:"enabled" json:"enabled"`
	Global        string            `yaml:"global" json:"global"`
	PerModel      map[string]string `yaml:"per_model" json:"per_model"`
	PerAPI        map[string]string `yaml:"per_api" json:"per_api"`
	InjectionMode string            `yaml:"injection_mode" json:"injection_mode"`
}

// PromptFor selects the prompt for a model and API surface, or false when
// nothing is configured.
func (c *PromptConfig) PromptFor(model, api string) (string, bool) {
	if c == nil || !c.Enabled {
		return "", false
	}
	if model != "" {
		if p, ok := c.PerModel[model]; ok && p != "" {
			return p, true
		}
	}
	if api != "" {
		if p, ok := c.PerAPI[api]; ok && p != "" {
			return p, true
		}
	}
	if c.Global != "" {
		return c.Global, true
	}
	return "", false
}

// Mode returns the injection mode, defaulting unknown values to prepend.
func (c *PromptConfig) Mode() string {
	switch c.InjectionMode {
	case ModeAppend, ModeReplace:
		return c.InjectionMode
	default:
		return ModePrepend
	}
}

// Injection modes.
const (
	ModePrepend = "prepend"
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// Prompter holds the active system prompt configuration. The zero value is
// unusable; construct with NewPrompter.
type Prompter struct {
	snap atomic.Pointer[PromptConfig]
}

// NewPrompter returns a Prompter with injection disabled.
func NewPrompter() *Prompter {
	p := &Prompter{}
	p.snap.Store(&PromptConfig{})
	return p
}

// Reload reads the prompt configuration from path and swaps it in
// atomically. The previous snapshot stays active on error.
func (p *Prompter) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read system prompt config: %w", err)
	}
	cfg := &PromptConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse system prompt config %s: %w", path, err)
	}
	p.snap.Store(cfg)
	return nil
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (p *Prompter) Snapshot() *PromptConfig {
	return p.snap.Load()
}

// Apply injects the configured system prompt into doc for the given model
// and API surface. It reports whether the document carries the configured
// prompt after the call.
func (p *Prompter) Apply(doc map[string]any, model, api string) bool {
	cfg := p.Snapshot()
	prompt, ok := cfg.PromptFor(model, api)
	if !ok {
		return false
	}
	return InjectSystemPrompt(doc, api, prompt, cfg.Mode())
}

// InjectSystemPrompt inserts a system message with the given prompt into
// doc's message list. prepend inserts at the front, append inserts after
// the last system message (or at the end when there is none), replace
// drops every existing system message and inserts at the front. Requests
// without a message list are left untouched. Re-applying the same prompt
// is a no-op, so enrichment is idempotent.
func InjectSystemPrompt(doc map[string]any, api, prompt, mode string) bool {
	msgs := translate.Messages(doc)
	if msgs == nil {
		return false
	}

	if mode != ModeReplace && hasSystemPrompt(msgs, prompt) {
		return true
	}

	sys := map[string]any{"role": "system", "content": prompt}
	var out []any
	switch mode {
	case ModeAppend:
		if pos := lastSystemIndex(msgs); pos >= 0 {
			out = append(out, msgs[:pos+1]...)
			out = append(out, sys)
			out = append(out, msgs[pos+1:]...)
		} else {
			out = append(out, msgs...)
			out = append(out, sys)
		}
	case ModeReplace:
		out = append(out, sys)
		for _, m := range msgs {
			if !isSystem(m) {
				out = append(out, m)
			}
		}
	default:
		out = append(out, sys)
		out = append(out, msgs...)
	}

	translate.SetMessages(doc, api, out)
	return true
}

func isSystem(msg any) bool {
	m, ok := msg.(map[string]any)
	if !ok {
		return false
	}
	role, _ := m["role"].(string)
	return role == "system"
}

func lastSystemIndex(msgs []any) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if isSystem(msgs[i]) {
			return i
		}
	}
	return -1
}

func hasSystemPrompt(msgs []any, prompt string) bool {
	for _, msg := range msgs {
		if !isSystem(msg) {
			continue
		}
		if content, _ := msg.(map[string]any)["content"].(string); content == prompt {
			return true
		}
	}
	return false
}
