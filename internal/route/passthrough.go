package route

import (
	"context"

	gateway "github.com/labiium/routiium/internal"
)

// DefaultRouter is the terminal fallback: every alias passes through to
// the configured default upstream. A gate function (the local table's
// passthrough switch) can disable it.
type DefaultRouter struct {
	baseURL string
	mode    string
	allowed func() bool
}

// NewDefaultRouter returns the terminal router. allowed may be nil, which
// leaves passthrough always on.
func NewDefaultRouter(baseURL, mode string, allowed func() bool) *DefaultRouter {
	if mode == "" {
		mode = gateway.ModeResponses
	}
	return &DefaultRouter{baseURL: baseURL, mode: mode, allowed: allowed}
}

// Name identifies the router for analytics and headers.
func (d *DefaultRouter) Name() string { return "default" }

// Resolve synthesizes a passthrough plan unless disabled.
func (d *DefaultRouter) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	if d.baseURL == "" {
		return nil, gateway.ErrNoRoute
	}
	if d.allowed != nil && !d.allowed() {
		return nil, gateway.ErrNoRoute
	}
	return &gateway.RoutePlan{
		SchemaVersion: gateway.RouteSchemaVersion,
		RouteID:       newRouteID(),
		Upstream: gateway.RouteUpstream{
			BaseURL: d.baseURL,
			Mode:    d.mode,
			ModelID: rr.Alias,
		},
		Backend: d.Name(),
	}, nil
}
