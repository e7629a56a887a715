package route

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"regexp"
	"sort"
	"sync/atomic"

	"go.yaml.in/yaml/v3"

	gateway "github.com/labiium/routiium/internal"
)

// tableFile is the on-disk routing table shape, YAML or JSON.
type tableFile struct {
	Aliases          map[string]string        `yaml:"aliases" json:"aliases"`
	Backends         map[string]tableBackend  `yaml:"backends" json:"backends"`
	Rules            []tableRule              `yaml:"rules" json:"rules"`
	DefaultBackend   string                   `yaml:"default_backend" json:"default_backend"`
	AllowPassthrough *bool                    `yaml:"allow_passthrough" json:"allow_passthrough"`
}

type tableBackend struct {
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Mode    string            `yaml:"mode" json:"mode"`
	ModelID string            `yaml:"model_id" json:"model_id"`
	AuthEnv string            `yaml:"auth_env" json:"auth_env"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

type tableRule struct {
	Match       tableMatch                `yaml:"match" json:"match"`
	Priority    int                       `yaml:"priority" json:"priority"`
	Backends    []tableRuleBackend        `yaml:"backends" json:"backends"`
	LoadBalance string                    `yaml:"load_balance" json:"load_balance"`
	Transform   *gateway.RequestTransform `yaml:"transform" json:"transform"`
}

type tableMatch struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value" json:"value"`
}

type tableRuleBackend struct {
	Name   string `yaml:"name" json:"name"`
	Weight int    `yaml:"weight" json:"weight"`
}

// compiledRule is a rule with its matcher resolved and a round-robin
// cursor. Rules are ordered by priority descending at compile time.
type compiledRule struct {
	match       func(alias string) bool
	backends    []weightedBackend
	loadBalance string
	transform   *gateway.RequestTransform
	cursor      atomic.Uint64
}

type weightedBackend struct {
	backend tableBackend
	weight  int
}

// compiledTable is one immutable snapshot of the routing table.
type compiledTable struct {
	aliases          map[string]tableBackend
	rules            []*compiledRule
	defaultBackend   *tableBackend
	allowPassthrough bool
	backendNames     []string
	aliasCount       int
}

// TableRouter resolves aliases against a reloadable routing table:
// aliases, then priority-ordered rules, then the default backend.
// Reload swaps the compiled snapshot atomically.
type TableRouter struct {
	snap atomic.Pointer[compiledTable]
}

// NewTableRouter returns an empty router; every alias falls through until
// the first successful Reload. Passthrough stays allowed.
func NewTableRouter() *TableRouter {
	t := &TableRouter{}
	t.snap.Store(&compiledTable{allowPassthrough: true})
	return t
}

// Name identifies the router for analytics and headers.
func (t *TableRouter) Name() string { return "local" }

// Reload reads and compiles the routing table at the given path. The
// previous snapshot stays active on error.
func (t *TableRouter) Reload(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read routing config: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse routing config %s: %w", configPath, err)
	}
	compiled, err := compileTable(&f)
	if err != nil {
		return fmt.Errorf("routing config %s: %w", configPath, err)
	}
	t.snap.Store(compiled)
	return nil
}

// AllowPassthrough reports whether unresolved aliases may fall through to
// the terminal default plan.
func (t *TableRouter) AllowPassthrough() bool {
	return t.snap.Load().allowPassthrough
}

// Stats describes the active routing table.
type Stats struct {
	AliasCount   int      `json:"alias_count"`
	RuleCount    int      `json:"rule_count"`
	BackendNames []string `json:"backend_names"`
	HasDefault   bool     `json:"has_default"`
}

// Stats returns counts for the active snapshot.
func (t *TableRouter) Stats() Stats {
	snap := t.snap.Load()
	return Stats{
		AliasCount:   snap.aliasCount,
		RuleCount:    len(snap.rules),
		BackendNames: snap.backendNames,
		HasDefault:   snap.defaultBackend != nil,
	}
}

// Aliases returns the configured alias names, sorted.
func (t *TableRouter) Aliases() []string {
	snap := t.snap.Load()
	out := make([]string, 0, len(snap.aliases))
	for alias := range snap.aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Resolve checks aliases, then rules by priority, then the default
// backend. Anything unmatched falls through with ErrNoRoute.
func (t *TableRouter) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	snap := t.snap.Load()

	if backend, ok := snap.aliases[rr.Alias]; ok {
		return snap.plan(rr.Alias, backend, nil), nil
	}
	for _, rule := range snap.rules {
		if !rule.match(rr.Alias) {
			continue
		}
		backend, ok := rule.pick()
		if !ok {
			continue
		}
		return snap.plan(rr.Alias, backend, rule.transform), nil
	}
	if snap.defaultBackend != nil {
		return snap.plan(rr.Alias, *snap.defaultBackend, nil), nil
	}
	return nil, gateway.ErrNoRoute
}

func (c *compiledTable) plan(alias string, b tableBackend, transform *gateway.RequestTransform) *gateway.RoutePlan {
	modelID := b.ModelID
	if modelID == "" {
		modelID = alias
	}
	mode := b.Mode
	if mode == "" {
		mode = gateway.ModeChat
	}
	return &gateway.RoutePlan{
		SchemaVersion: gateway.RouteSchemaVersion,
		RouteID:       newRouteID(),
		Upstream: gateway.RouteUpstream{
			BaseURL: b.BaseURL,
			Mode:    mode,
			ModelID: modelID,
			AuthEnv: b.AuthEnv,
			Headers: b.Headers,
		},
		Backend:   "local",
		Transform: transform,
	}
}

// pick selects a backend per the rule's load balancing policy.
func (r *compiledRule) pick() (tableBackend, bool) {
	if len(r.backends) == 0 {
		return tableBackend{}, false
	}
	switch r.loadBalance {
	case "round_robin":
		n := r.cursor.Add(1) - 1
		return r.backends[int(n%uint64(len(r.backends)))].backend, true
	case "random":
		return r.backends[rand.IntN(len(r.backends))].backend, true
	case "weighted":
		total := 0
		for _, wb := range r.backends {
			total += max(wb.weight, 1)
		}
		n := rand.IntN(total)
		for _, wb := range r.backends {
			n -= max(wb.weight, 1)
			if n < 0 {
				return wb.backend, true
			}
		}
		return r.backends[len(r.backends)-1].backend, true
	default: // first
		return r.backends[0].backend, true
	}
}

func compileTable(f *tableFile) (*compiledTable, error) {
	c := &compiledTable{
		aliases:          make(map[string]tableBackend, len(f.Aliases)),
		allowPassthrough: f.AllowPassthrough == nil || *f.AllowPassthrough,
	}

	resolveBackend := func(name string) (tableBackend, error) {
		b, ok := f.Backends[name]
		if !ok {
			return tableBackend{}, fmt.Errorf("unknown backend %q", name)
		}
		if b.BaseURL == "" {
			return tableBackend{}, fmt.Errorf("backend %q has no base_url", name)
		}
		return b, nil
	}

	for alias, backendName := range f.Aliases {
		b, err := resolveBackend(backendName)
		if err != nil {
			return nil, fmt.Errorf("alias %q: %w", alias, err)
		}
		c.aliases[alias] = b
	}
	c.aliasCount = len(c.aliases)

	rules := make([]tableRule, len(f.Rules))
	copy(rules, f.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for i, rule := range rules {
		match, err := compileMatch(rule.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		cr := &compiledRule{
			match:       match,
			loadBalance: rule.LoadBalance,
			transform:   rule.Transform,
		}
		for _, rb := range rule.Backends {
			b, err := resolveBackend(rb.Name)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			cr.backends = append(cr.backends, weightedBackend{backend: b, weight: rb.Weight})
		}
		if len(cr.backends) == 0 {
			return nil, fmt.Errorf("rule %d has no backends", i)
		}
		c.rules = append(c.rules, cr)
	}

	if f.DefaultBackend != "" {
		b, err := resolveBackend(f.DefaultBackend)
		if err != nil {
			return nil, fmt.Errorf("default_backend: %w", err)
		}
		c.defaultBackend = &b
	}

	names := make([]string, 0, len(f.Backends))
	for name := range f.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	c.backendNames = names
	return c, nil
}

func compileMatch(m tableMatch) (func(string) bool, error) {
	switch m.Type {
	case "exact":
		v := m.Value
		return func(alias string) bool { return alias == v }, nil
	case "prefix", "":
		v := m.Value
		return func(alias string) bool { return len(alias) >= len(v) && alias[:len(v)] == v }, nil
	case "regex":
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return nil, fmt.Errorf("match regex %q: %w", m.Value, err)
		}
		return re.MatchString, nil
	case "glob":
		pattern := m.Value
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("match glob %q: %w", pattern, err)
		}
		return func(alias string) bool {
			ok, _ := path.Match(pattern, alias)
			return ok
		}, nil
	case "any":
		return func(string) bool { return true }, nil
	default:
		return nil, fmt.Errorf("unknown match type %q", m.Type)
	}
}
