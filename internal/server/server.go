// Package server implements the HTTP transport layer for the Routiium gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labiium/routiium/internal/app"
	"github.com/labiium/routiium/internal/config"
	"github.com/labiium/routiium/internal/route"
	"github.com/labiium/routiium/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// StatusReporter returns the feature status document for GET /status.
type StatusReporter func(ctx context.Context) any

// ReloadFunc re-reads one configuration target from disk and swaps the
// active snapshot.
type ReloadFunc func(ctx context.Context) error

// AliasLister exposes the locally configured model aliases.
type AliasLister interface {
	Aliases() []string
}

// CatalogSource exposes the remote routing engine's model catalog.
type CatalogSource interface {
	Models(ctx context.Context) ([]route.ModelInfo, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline   *app.Pipeline
	Keys       *app.KeyService       // required in managed mode
	Analytics  *app.AnalyticsService // nil = analytics endpoints answer 503
	Managed    bool                  // client bearer verification on the routed endpoints
	Metrics    *telemetry.Metrics    // nil = no per-request metrics
	Registry   prometheus.Gatherer   // nil = no /metrics endpoint
	Status     StatusReporter        // nil = minimal /status document
	Reloads    map[string]ReloadFunc // reload targets: mcp, system_prompt, routing
	Local      AliasLister           // nil = no local aliases in /v1/models
	Catalog    CatalogSource         // nil = no remote catalog in /v1/models
	CORS       *config.CORSConfig    // nil = no CORS middleware
	ReadyCheck ReadyChecker          // nil = always ready
	Version    string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if c := deps.CORS; c != nil {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   c.AllowedOrigins,
			AllowedMethods:   c.AllowedMethods,
			AllowedHeaders:   c.AllowedHeaders,
			AllowCredentials: c.AllowCredentials,
			MaxAge:           c.MaxAge,
		}))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Conversion runs entirely locally and requires no credentials.
	r.Post("/convert", s.handleConvert)

	// Client-facing API (bearer auth in managed mode)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Get("/v1/models", s.handleListModels)
	})

	// Operator surface, protected by the network boundary.
	r.Get("/status", s.handleStatus)
	r.Route("/keys", func(r chi.Router) {
		r.Get("/", s.handleListKeys)
		r.Post("/generate", s.handleGenerateKey)
		r.Post("/revoke", s.handleRevokeKey)
		r.Post("/set_expiration", s.handleSetExpiration)
		r.Delete("/{id}", s.handleDeleteKey)
	})
	r.Post("/reload/{target}", s.handleReload)
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/stats", s.handleAnalyticsStats)
		r.Get("/events", s.handleAnalyticsEvents)
		r.Get("/aggregate", s.handleAnalyticsAggregate)
		r.Get("/export", s.handleAnalyticsExport)
		r.Post("/clear", s.handleAnalyticsClear)
	})

	return r
}

type server struct {
	deps Deps
}
