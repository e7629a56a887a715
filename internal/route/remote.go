package route

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/circuitbreaker"
)

const (
	defaultRemoteTimeout = 15 * time.Millisecond
	defaultStaleWindow   = 30 * time.Second
	planCacheSize        = 4096
	catalogCacheTTL      = 60 * time.Second
)

// RemoteOptions configures a RemoteRouter.
type RemoteOptions struct {
	// URL is the policy service base URL.
	URL string
	// Timeout bounds each plan call. Defaults to 15ms; routing must never
	// dominate request latency.
	Timeout time.Duration
	// MaxTTL caps how long a plan-provided ttl_ms keeps an entry fresh.
	// Zero means the plan's own TTL is honored as-is.
	MaxTTL time.Duration
	// StaleWindow is how long past valid_until a cached plan may still be
	// served when the service is unreachable. Defaults to 30s.
	StaleWindow time.Duration
	// ClientCert and ClientKey enable mutual TLS when both are set.
	ClientCert string
	ClientKey  string
	// Transport overrides the base transport, mostly for tests.
	Transport http.RoundTripper
}

// planEntry wraps a cached plan with its absolute expiry. Freshness is
// checked on read; the otter expiry only bounds residency.
type planEntry struct {
	plan       *gateway.RoutePlan
	validUntil time.Time
	staleUntil time.Time
}

// RemoteRouter asks an external policy service for plans. Plans carrying
// cache metadata are kept in an in-process cache under the request shape;
// a sliding-window circuit breaker skips the service while it is failing,
// during which expired entries may be served stale.
type RemoteRouter struct {
	url     string
	client  *http.Client
	maxTTL  time.Duration
	stale   time.Duration
	breaker *circuitbreaker.Breaker
	cache   *otter.Cache[string, planEntry]
	catalog *otter.Cache[string, []ModelInfo]

	mu       sync.Mutex
	revision string
}

// NewRemoteRouter builds a RemoteRouter from options.
func NewRemoteRouter(opts RemoteOptions) (*RemoteRouter, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	stale := opts.StaleWindow
	if stale <= 0 {
		stale = defaultStaleWindow
	}

	transport := opts.Transport
	if opts.ClientCert != "" && opts.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load router client cert: %w", err)
		}
		base, _ := http.DefaultTransport.(*http.Transport)
		tr := base.Clone()
		tr.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		transport = tr
	}

	cache := otter.Must(&otter.Options[string, planEntry]{
		MaximumSize: planCacheSize,
	})
	catalog := otter.Must(&otter.Options[string, []ModelInfo]{
		MaximumSize:      4,
		ExpiryCalculator: otter.ExpiryWriting[string, []ModelInfo](catalogCacheTTL),
	})
	return &RemoteRouter{
		url:     strings.TrimRight(opts.URL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: transport},
		maxTTL:  opts.MaxTTL,
		stale:   stale,
		breaker: circuitbreaker.NewBreaker(circuitbreaker.DefaultConfig()),
		cache:   cache,
		catalog: catalog,
	}, nil
}

// Name identifies the router for analytics and headers.
func (r *RemoteRouter) Name() string { return "remote" }

// Purge drops every cached plan.
func (r *RemoteRouter) Purge() { r.cache.InvalidateAll() }

// Resolve serves a fresh cached plan when available, otherwise calls the
// policy service. When the service fails or its breaker is open, a recently
// expired plan is served stale; with nothing cached the failure surfaces.
func (r *RemoteRouter) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	now := time.Now()
	key := cacheKey(rr)

	if entry, ok := r.cache.GetIfPresent(key); ok {
		if now.Before(entry.validUntil) {
			return servedCopy(entry.plan, gateway.CacheHit), nil
		}
		if !now.Before(entry.staleUntil) {
			r.cache.Invalidate(key)
		}
	}

	if !r.breaker.Allow() {
		return r.staleOr(key, now, fmt.Errorf("policy service circuit open: %w", gateway.ErrUpstream))
	}

	plan, err := r.fetch(ctx, rr)
	if err != nil {
		if errors.Is(err, gateway.ErrNoRoute) {
			r.breaker.RecordSuccess()
			return nil, err
		}
		r.breaker.RecordError(1)
		return r.staleOr(key, now, err)
	}
	r.breaker.RecordSuccess()
	r.checkRevision(plan)

	plan.Backend = r.Name()
	if validUntil, ok := r.planExpiry(plan, now); ok {
		r.cache.Set(key, planEntry{
			plan:       plan,
			validUntil: validUntil,
			staleUntil: validUntil.Add(r.stale),
		})
		return servedCopy(plan, gateway.CacheMiss), nil
	}
	return plan, nil
}

// fetch performs the plan call. A 404 means the service answered and has
// no route for the alias.
func (r *RemoteRouter) fetch(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	body, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/route/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create route request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Router-Schema", gateway.RouteSchemaVersion)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service: %w", errors.Join(gateway.ErrUpstream, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("policy service has no route: %w", gateway.ErrNoRoute)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("policy service status %d: %s: %w", resp.StatusCode, msg, gateway.ErrUpstream)
	}

	plan := &gateway.RoutePlan{}
	if err := json.NewDecoder(resp.Body).Decode(plan); err != nil {
		return nil, fmt.Errorf("decode route plan: %w", errors.Join(gateway.ErrUpstream, err))
	}
	if plan.Upstream.BaseURL == "" || plan.Upstream.ModelID == "" {
		return nil, fmt.Errorf("route plan missing upstream target: %w", gateway.ErrUpstream)
	}
	return plan, nil
}

// staleOr serves a stale cached plan when one is still inside the stale
// window, otherwise returns err.
func (r *RemoteRouter) staleOr(key string, now time.Time, err error) (*gateway.RoutePlan, error) {
	if entry, ok := r.cache.GetIfPresent(key); ok && now.Before(entry.staleUntil) {
		return servedCopy(entry.plan, gateway.CacheStale), nil
	}
	return nil, err
}

// planExpiry computes the absolute freshness deadline from the plan's
// cache block: the earlier of ttl_ms (capped by MaxTTL) and valid_until.
func (r *RemoteRouter) planExpiry(plan *gateway.RoutePlan, now time.Time) (time.Time, bool) {
	if plan.Cache == nil {
		return time.Time{}, false
	}
	var validUntil time.Time
	if plan.Cache.TTLMs != nil && *plan.Cache.TTLMs > 0 {
		ttl := time.Duration(*plan.Cache.TTLMs) * time.Millisecond
		if r.maxTTL > 0 && ttl > r.maxTTL {
			ttl = r.maxTTL
		}
		validUntil = now.Add(ttl)
	}
	if vu := plan.Cache.ValidUntil; vu != nil && (validUntil.IsZero() || vu.Before(validUntil)) {
		validUntil = *vu
	}
	if validUntil.IsZero() || !validUntil.After(now) {
		return time.Time{}, false
	}
	return validUntil, true
}

// checkRevision purges the plan cache when the policy revision moves, so
// stale decisions from the previous revision never outlive it.
func (r *RemoteRouter) checkRevision(plan *gateway.RoutePlan) {
	if plan.Policy == nil || plan.Policy.Revision == "" {
		return
	}
	r.mu.Lock()
	changed := r.revision != "" && r.revision != plan.Policy.Revision
	r.revision = plan.Policy.Revision
	r.mu.Unlock()
	if changed {
		r.cache.InvalidateAll()
	}
}

// servedCopy returns a shallow copy carrying the per-call cache state, so
// the cached plan itself is never mutated.
func servedCopy(plan *gateway.RoutePlan, state string) *gateway.RoutePlan {
	out := *plan
	out.CacheState = state
	return &out
}

// cacheKey derives the plan cache key from the request shape. The freeze
// key semantics collapse into the replayed plan token: requests pinned to
// different plans never share an entry.
func cacheKey(rr *gateway.RouteRequest) string {
	var b strings.Builder
	b.WriteString(rr.Alias)
	b.WriteByte('|')
	b.WriteString(rr.API)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(rr.Stream))
	b.WriteByte('|')
	b.WriteString(strings.Join(rr.Caps, ","))
	if rr.Stickiness != nil && rr.Stickiness.PlanToken != "" {
		b.WriteByte('|')
		b.WriteString(rr.Stickiness.PlanToken)
	}
	return b.String()
}

// Feedback reports a routed request outcome back to the policy service.
type Feedback struct {
	RouteID   string  `json:"route_id"`
	RequestID string  `json:"request_id"`
	Alias     string  `json:"alias"`
	ModelID   string  `json:"model_id"`
	Status    int     `json:"status"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`
}

// PostFeedback delivers one outcome report. Callers treat failures as
// advisory; the feedback worker logs and drops them.
func (r *RemoteRouter) PostFeedback(ctx context.Context, fb Feedback) error {
	body, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/route/feedback", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post feedback: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feedback status %d", resp.StatusCode)
	}
	return nil
}

// ModelInfo is one catalog entry from the policy service.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// Models returns the policy service's model catalog, cached for a minute.
func (r *RemoteRouter) Models(ctx context.Context) ([]ModelInfo, error) {
	if cached, ok := r.catalog.GetIfPresent("models"); ok {
		return cached, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/catalog/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog status %d", resp.StatusCode)
	}
	var out struct {
		Models []ModelInfo `json:"models"`
		Data   []ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	models := out.Models
	if len(models) == 0 {
		models = out.Data
	}
	r.catalog.Set("models", models)
	return models, nil
}
