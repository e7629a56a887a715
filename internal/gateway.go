// Package gateway defines domain types and interfaces for the Routiium gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// --- Wire constants ---

// Client-facing API formats.
const (
	APIChat      = "chat"
	APIResponses = "responses"
)

// Upstream invocation modes.
const (
	ModeChat      = "chat"
	ModeResponses = "responses"
	ModeBedrock   = "bedrock"
)

// RouteSchemaVersion is the wire schema spoken with the policy service.
const RouteSchemaVersion = "1.1"

// Privacy levels for routing context.
const (
	PrivacyFeatures = "features"
	PrivacySummary  = "summary"
	PrivacyFull     = "full"
)

// Plan cache dispositions, surfaced via the x-route-cache header.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// --- Routing ---

// Router resolves a model alias to a concrete upstream plan.
type Router interface {
	// Resolve returns the plan for the request, or an error when this
	// router cannot produce one. Composite routers fall through on
	// ErrNoRoute.
	Resolve(ctx context.Context, rr *RouteRequest) (*RoutePlan, error)
	// Name identifies the router for analytics and headers.
	Name() string
}

// RouteRequest describes one inbound request to the routing engine.
type RouteRequest struct {
	SchemaVersion string           `json:"schema_version"`
	RequestID     string           `json:"request_id"`
	Alias         string           `json:"alias"`
	API           string           `json:"api"`
	Stream        bool             `json:"stream"`
	Caps          []string         `json:"caps"`
	EstTokens     int              `json:"est_tokens"`
	Privacy       string           `json:"privacy"`
	Content       *RouteContent    `json:"content,omitempty"`
	Stickiness    *RouteStickiness `json:"stickiness,omitempty"`
}

// RouteContent carries privacy-gated request context for the policy service.
type RouteContent struct {
	Summary      string   `json:"summary,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Turns        []string `json:"turns,omitempty"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

// RoutePlan is the routing engine's decision for one request.
type RoutePlan struct {
	SchemaVersion string           `json:"schema_version"`
	RouteID       string           `json:"route_id"`
	Upstream      RouteUpstream    `json:"upstream"`
	Limits        *RouteLimits     `json:"limits,omitempty"`
	Cache         *RouteCache      `json:"cache,omitempty"`
	Policy        *RoutePolicy     `json:"policy,omitempty"`
	Stickiness    *RouteStickiness `json:"stickiness,omitempty"`
	ContentUsed   string           `json:"content_used,omitempty"`
	Fallbacks     []RouteUpstream  `json:"fallbacks,omitempty"`
	Hints         map[string]any   `json:"hints,omitempty"`

	// Populated locally, never serialized to the policy wire.
	Backend    string            `json:"-"`
	CacheState string            `json:"-"`
	Transform  *RequestTransform `json:"-"`
}

// RouteUpstream identifies the concrete backend a request is sent to.
type RouteUpstream struct {
	BaseURL    string            `json:"base_url"`
	Mode       string            `json:"mode"`
	ModelID    string            `json:"model_id"`
	AuthEnv    string            `json:"auth_env,omitempty"`
	AuthScheme string            `json:"auth_scheme,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// RouteLimits are per-plan request constraints.
type RouteLimits struct {
	MaxInputTokens  *int   `json:"max_input_tokens,omitempty"`
	MaxOutputTokens *int   `json:"max_output_tokens,omitempty"`
	TimeoutMs       *int64 `json:"timeout_ms,omitempty"`
}

// RouteCache controls plan cacheability.
type RouteCache struct {
	TTLMs      *int64     `json:"ttl_ms,omitempty"`
	ETag       string     `json:"etag,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	FreezeKey  string     `json:"freeze_key,omitempty"`
}

// RoutePolicy describes the policy revision that produced a plan.
type RoutePolicy struct {
	Revision string `json:"revision,omitempty"`
	ID       string `json:"id,omitempty"`
	Explain  string `json:"explain,omitempty"`
}

// RouteStickiness pins a conversation to a prior routing decision.
type RouteStickiness struct {
	PlanToken string     `json:"plan_token,omitempty"`
	MaxTurns  *int       `json:"max_turns,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RequestTransform mutates the outbound document before invocation.
type RequestTransform struct {
	RewriteModel        string         `json:"rewrite_model,omitempty"`
	AddParameters       map[string]any `json:"add_parameters,omitempty"`
	RemoveParameters    []string       `json:"remove_parameters,omitempty"`
	OverrideTemperature *float64       `json:"override_temperature,omitempty"`
	OverrideMaxTokens   *int           `json:"override_max_tokens,omitempty"`
}

// --- Managed credentials ---

// TokenPrefix is the prefix for all Routiium bearer tokens.
const TokenPrefix = "sk_"

// KeyRecord is the stored form of a managed credential. The secret itself
// is never stored; only its salted digest.
type KeyRecord struct {
	ID           string     `json:"id"`
	SecretDigest string     `json:"secret_digest"`
	Salt         []byte     `json:"salt"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Label        string     `json:"label,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// Active reports whether the record is neither revoked nor expired at now.
func (k *KeyRecord) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Info returns the exposable metadata view of the record.
func (k *KeyRecord) Info(now time.Time) *KeyInfo {
	return &KeyInfo{
		ID:        k.ID,
		Label:     k.Label,
		Scopes:    k.Scopes,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		RevokedAt: k.RevokedAt,
		Active:    k.Active(now),
	}
}

// KeyInfo is the public metadata of a credential. It never carries the
// digest or salt.
type KeyInfo struct {
	ID        string     `json:"id"`
	Label     string     `json:"label,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Active    bool       `json:"active"`
}

// ParseToken splits a bearer token of the form sk_<id>.<secret>.
func ParseToken(token string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, TokenPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, ".")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// DigestSecret returns the hex SHA-256 digest of salt followed by the
// secret bytes. Matches the stored SecretDigest construction.
func DigestSecret(salt []byte, secret string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticator validates request credentials and returns the caller's key
// metadata. Implementations must not leak digest material.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*KeyInfo, error)
}

// --- Analytics ---

// AnalyticsEvent is one recorded request. Request bodies are never stored;
// only metadata, token counts, and derived cost.
type AnalyticsEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Request   EventRequest  `json:"request"`
	Response  EventResponse `json:"response"`
	Perf      EventPerf     `json:"perf"`
	Tokens    *EventTokens  `json:"tokens,omitempty"`
	Cost      *EventCost    `json:"cost,omitempty"`
	Auth      EventAuth     `json:"auth"`
	Routing   EventRouting  `json:"routing"`
}

// EventRequest describes the inbound request.
type EventRequest struct {
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	Model     string `json:"model,omitempty"`
	Stream    bool   `json:"stream"`
	Size      int64  `json:"size,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EventResponse describes the outcome sent to the client.
type EventResponse struct {
	Status  int    `json:"status"`
	Size    int64  `json:"size,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventPerf carries timing measurements in milliseconds.
type EventPerf struct {
	DurationMs      float64  `json:"duration_ms"`
	TTFBMs          *float64 `json:"ttfb_ms,omitempty"`
	UpstreamMs      *float64 `json:"upstream_ms,omitempty"`
	TokensPerSecond *float64 `json:"tokens_per_second,omitempty"`
}

// EventTokens carries usage reported by the upstream.
type EventTokens struct {
	Prompt     int  `json:"prompt"`
	Completion int  `json:"completion"`
	Cached     *int `json:"cached,omitempty"`
	Reasoning  *int `json:"reasoning,omitempty"`
}

// EventCost is the priced view of EventTokens. Total is always the sum of
// the present components, rounded to 6 decimals.
type EventCost struct {
	Input     float64  `json:"input"`
	Output    float64  `json:"output"`
	Cached    *float64 `json:"cached,omitempty"`
	Reasoning *float64 `json:"reasoning,omitempty"`
	Total     float64  `json:"total"`
	Currency  string   `json:"currency"`
}

// EventAuth identifies how the caller authenticated.
type EventAuth struct {
	APIKeyID string `json:"api_key_id,omitempty"`
	Label    string `json:"label,omitempty"`
	Method   string `json:"method"`
}

// EventRouting records the routing decision applied to the request.
type EventRouting struct {
	Backend             string `json:"backend"`
	Mode                string `json:"mode"`
	RouteID             string `json:"route_id,omitempty"`
	CacheState          string `json:"cache_state,omitempty"`
	MCPUsed             bool   `json:"mcp_used"`
	SystemPromptApplied bool   `json:"system_prompt_applied"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *KeyInfo
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated key metadata from context.
func KeyFromContext(ctx context.Context) *KeyInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithKey(ctx context.Context, k *KeyInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
