// Package pricing maps model identifiers to per-million-token rates and
// prices analytics token counts.
package pricing

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"go.yaml.in/yaml/v3"

	gateway "github.com/labiium/routiium/internal"
)

// Price holds per-million-token rates for one model family.
type Price struct {
	Input     float64  `yaml:"input" json:"input"`
	Output    float64  `yaml:"output" json:"output"`
	Cached    *float64 `yaml:"cached" json:"cached,omitempty"`
	Reasoning *float64 `yaml:"reasoning" json:"reasoning,omitempty"`
	Currency  string   `yaml:"currency" json:"currency,omitempty"`
}

type tableFile struct {
	Models  map[string]Price `yaml:"models"`
	Default *Price           `yaml:"default"`
}

// Table resolves model ids to prices by longest-prefix match. Reload swaps
// the whole table atomically, so lookups never see partial state.
type Table struct {
	snap atomic.Pointer[tableFile]
}

// Empty returns a table with no entries; Cost returns nil for every model.
func Empty() *Table {
	t := &Table{}
	t.snap.Store(&tableFile{})
	return t
}

// Load reads a pricing table from a YAML or JSON file.
func Load(path string) (*Table, error) {
	t := Empty()
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the file and swaps the table in place.
func (t *Table) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing: %w", err)
	}
	t.snap.Store(&f)
	return nil
}

// Len returns the number of configured model prefixes.
func (t *Table) Len() int {
	return len(t.snap.Load().Models)
}

// Lookup returns the price for the longest configured prefix of model,
// falling back to the default entry.
func (t *Table) Lookup(model string) (Price, bool) {
	f := t.snap.Load()
	bestLen := -1
	var best Price
	for prefix, p := range f.Models {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = p
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	if f.Default != nil {
		return *f.Default, true
	}
	return Price{}, false
}

// Cost prices the given token counts for model. Returns nil when no price
// matches or tokens are absent. Cached and reasoning rates fall back to the
// input and output rates respectively. Total is the sum of the present
// components, each rounded to 6 decimals.
func (t *Table) Cost(model string, tok *gateway.EventTokens) *gateway.EventCost {
	if tok == nil {
		return nil
	}
	p, ok := t.Lookup(model)
	if !ok {
		return nil
	}
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	cost := &gateway.EventCost{
		Input:    round6(float64(tok.Prompt) * p.Input / 1e6),
		Output:   round6(float64(tok.Completion) * p.Output / 1e6),
		Currency: currency,
	}
	total := cost.Input + cost.Output
	if tok.Cached != nil {
		rate := p.Input
		if p.Cached != nil {
			rate = *p.Cached
		}
		v := round6(float64(*tok.Cached) * rate / 1e6)
		cost.Cached = &v
		total += v
	}
	if tok.Reasoning != nil {
		rate := p.Output
		if p.Reasoning != nil {
			rate = *p.Reasoning
		}
		v := round6(float64(*tok.Reasoning) * rate / 1e6)
		cost.Reasoning = &v
		total += v
	}
	cost.Total = round6(total)
	return cost
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
