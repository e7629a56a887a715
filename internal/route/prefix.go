package route

import (
	"context"
	"fmt"
	"strings"

	gateway "github.com/labiium/routiium/internal"
)

// PrefixRule maps an alias prefix to an upstream target.
type PrefixRule struct {
	Prefix  string
	BaseURL string
	AuthEnv string
	Mode    string
}

// PrefixRouter resolves aliases against an ordered prefix rule list. The
// first rule whose prefix matches wins and the alias passes through as the
// model id.
type PrefixRouter struct {
	rules []PrefixRule
}

// NewPrefixRouter returns a router over the given rules.
func NewPrefixRouter(rules []PrefixRule) *PrefixRouter {
	return &PrefixRouter{rules: rules}
}

// Name identifies the router for analytics and headers.
func (p *PrefixRouter) Name() string { return "prefix" }

// Rules returns the configured rule count.
func (p *PrefixRouter) Rules() int { return len(p.rules) }

// Resolve walks the rules in order.
func (p *PrefixRouter) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	for _, rule := range p.rules {
		if !strings.HasPrefix(rr.Alias, rule.Prefix) {
			continue
		}
		mode := rule.Mode
		if mode == "" {
			mode = gateway.ModeChat
		}
		return &gateway.RoutePlan{
			SchemaVersion: gateway.RouteSchemaVersion,
			RouteID:       newRouteID(),
			Upstream: gateway.RouteUpstream{
				BaseURL: rule.BaseURL,
				Mode:    mode,
				ModelID: rr.Alias,
				AuthEnv: rule.AuthEnv,
			},
			Backend: p.Name(),
		}, nil
	}
	return nil, gateway.ErrNoRoute
}

// ParsePrefixRules parses the ROUTIIUM_BACKENDS wire syntax: rules are
// separated by semicolons, each rule is comma-separated k=v pairs with keys
// prefix, base (or base_url), key_env, and mode. Rules without a base URL
// are rejected.
func ParsePrefixRules(s string) ([]PrefixRule, error) {
	var rules []PrefixRule
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var rule PrefixRule
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, v, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("backend rule %q: expected k=v, got %q", raw, pair)
			}
			switch strings.TrimSpace(k) {
			case "prefix":
				rule.Prefix = strings.TrimSpace(v)
			case "base", "base_url":
				rule.BaseURL = strings.TrimSpace(v)
			case "key_env":
				rule.AuthEnv = strings.TrimSpace(v)
			case "mode":
				rule.Mode = strings.TrimSpace(v)
			default:
				return nil, fmt.Errorf("backend rule %q: unknown key %q", raw, k)
			}
		}
		if rule.BaseURL == "" {
			return nil, fmt.Errorf("backend rule %q: base url is required", raw)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
