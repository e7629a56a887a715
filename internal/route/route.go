// Package route resolves model aliases to concrete upstream plans. Four
// routers share the gateway.Router interface: a remote policy service, a
// reloadable local table, an env-configured prefix rule list, and a terminal
// default plan. A Composite tries them in order.
package route

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/labiium/routiium/internal"
)

// Composite resolves through a list of routers, first plan wins. Routers
// that cannot resolve return gateway.ErrNoRoute and the next one is tried.
type Composite struct {
	routers []gateway.Router
	strict  bool
}

// NewComposite builds a composite over the given routers in order. In
// strict mode a remote router failure (anything other than ErrNoRoute from
// the first router when it is remote) stops resolution instead of falling
// through.
func NewComposite(strict bool, routers ...gateway.Router) *Composite {
	return &Composite{routers: routers, strict: strict}
}

// Name identifies the composite for analytics.
func (c *Composite) Name() string { return "composite" }

// Resolve tries each router in order. ErrNoRoute falls through; other
// errors fall through too unless strict mode is set, in which case they
// surface as an upstream failure. When every router declines, ErrNoRoute
// is returned, or ErrUpstream in strict mode.
func (c *Composite) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	var firstErr error
	for _, r := range c.routers {
		plan, err := r.Resolve(ctx, rr)
		if err == nil {
			if plan.Backend == "" {
				plan.Backend = r.Name()
			}
			return plan, nil
		}
		if errors.Is(err, gateway.ErrNoRoute) {
			continue
		}
		if c.strict {
			return nil, fmt.Errorf("router %s: %w", r.Name(), errors.Join(gateway.ErrUpstream, err))
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("no route for %q: %w", rr.Alias, errors.Join(gateway.ErrNoRoute, firstErr))
	}
	if c.strict {
		// Strict deployments treat an unresolved alias as a routing
		// engine failure, not a client error.
		return nil, fmt.Errorf("no route for %q: %w", rr.Alias, gateway.ErrUpstream)
	}
	return nil, fmt.Errorf("no route for %q: %w", rr.Alias, gateway.ErrNoRoute)
}

// newRouteID mints a local plan identifier in the policy wire form.
func newRouteID() string {
	return "rte_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewRequestID mints a routing request identifier.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
