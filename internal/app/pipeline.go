package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/enrich"
	"github.com/labiium/routiium/internal/route"
	"github.com/labiium/routiium/internal/telemetry"
	"github.com/labiium/routiium/internal/translate"
	"github.com/labiium/routiium/internal/upstream"
	"github.com/labiium/routiium/internal/worker"
)

// ToolSource supplies discovered tool definitions for request enrichment.
// *mcp.Manager satisfies it.
type ToolSource interface {
	Tools() []enrich.Tool
}

// PipelineOptions wires a Pipeline. Router, Builder, and Client are
// required; everything else degrades to a no-op when nil.
type PipelineOptions struct {
	Router    gateway.Router
	Builder   *route.Builder
	Client    *upstream.Client
	Sticky    *route.StickyStore
	Prompter  *enrich.Prompter
	Tools     ToolSource
	Analytics *AnalyticsService
	Feedback  *worker.FeedbackDispatcher
	Metrics   *telemetry.Metrics
}

// Pipeline carries one request from decoded document to upstream response:
// enrich, route, clamp, transform, translate, invoke. HTTP concerns stay in
// the server package; the pipeline works on document trees.
type Pipeline struct {
	router    gateway.Router
	builder   *route.Builder
	client    *upstream.Client
	sticky    *route.StickyStore
	prompter  *enrich.Prompter
	tools     ToolSource
	analytics *AnalyticsService
	feedback  *worker.FeedbackDispatcher
	metrics   *telemetry.Metrics
}

// NewPipeline builds a Pipeline from opts.
func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		router:    opts.Router,
		builder:   opts.Builder,
		client:    opts.Client,
		sticky:    opts.Sticky,
		prompter:  opts.Prompter,
		tools:     opts.Tools,
		analytics: opts.Analytics,
		feedback:  opts.Feedback,
		metrics:   opts.Metrics,
	}
}

// Prepared is a request after enrichment, routing, and translation. Doc is
// in the upstream wire shape; bedrock upstreams consume the chat shape.
type Prepared struct {
	Alias          string
	API            string
	Stream         bool
	RequestID      string
	ConversationID string
	EstTokens      int
	Doc            map[string]any
	Plan           *gateway.RoutePlan
	MCPUsed        bool
	PromptApplied  bool
}

// UpstreamFormat is the wire format of the upstream response body. Bedrock
// bodies are mapped to the chat shape before the pipeline sees them.
func (p *Prepared) UpstreamFormat() string {
	if p.Plan.Upstream.Mode == gateway.ModeResponses {
		return gateway.APIResponses
	}
	return gateway.APIChat
}

// Prepare enriches and routes one decoded request document. The returned
// Prepared holds the plan and the upstream-shaped document. Policy and
// routing failures come back as sentinel-wrapped errors for the server's
// status mapping.
func (p *Pipeline) Prepare(ctx context.Context, doc map[string]any, api string, stream bool) (*Prepared, error) {
	alias, _ := doc["model"].(string)
	if alias == "" {
		return nil, gateway.PolicyError("model is required")
	}

	promptApplied := false
	if p.prompter != nil {
		promptApplied = p.prompter.Apply(doc, alias, api)
	}
	mcpUsed := false
	if p.tools != nil {
		if discovered := p.tools.Tools(); len(discovered) > 0 {
			mcpUsed = enrich.MergeTools(doc, api, discovered) > 0
		}
	}

	rr := p.builder.Build(doc, alias, api, stream)
	if id := gateway.RequestIDFromContext(ctx); id != "" {
		rr.RequestID = id
	}

	convID := route.ConversationID(doc)
	if convID != "" && p.sticky != nil {
		if token, ok := p.sticky.Token(convID); ok {
			rr.Stickiness = &gateway.RouteStickiness{PlanToken: token}
		}
	}

	plan, err := p.router.Resolve(ctx, rr)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ObservePlanCache(plan.CacheState)
	}
	if convID != "" && p.sticky != nil && plan.Stickiness != nil {
		p.sticky.Remember(convID, plan.Stickiness.PlanToken)
	}

	if limits := plan.Limits; limits != nil {
		if route.ExceedsInputLimit(doc, rr.EstTokens, plan) {
			return nil, gateway.PolicyError(fmt.Sprintf(
				"input exceeds the maximum of %d tokens for this route", *limits.MaxInputTokens))
		}
		if limits.MaxOutputTokens != nil {
			route.ClampMaxTokens(doc, *limits.MaxOutputTokens)
		}
	}
	route.ApplyTransform(doc, plan.Transform)

	prep := &Prepared{
		Alias:          alias,
		API:            api,
		Stream:         stream,
		RequestID:      rr.RequestID,
		ConversationID: convID,
		EstTokens:      rr.EstTokens,
		Plan:           plan,
		MCPUsed:        mcpUsed,
		PromptApplied:  promptApplied,
	}
	prep.Doc = translateRequest(doc, api, prep.UpstreamFormat())
	return prep, nil
}

// translateRequest converts doc from the client api shape to the upstream
// wire shape. Identity when they already match.
func translateRequest(doc map[string]any, api, target string) map[string]any {
	switch {
	case api == gateway.APIChat && target == gateway.APIResponses:
		return translate.ChatToResponsesRequest(doc, nil)
	case api == gateway.APIResponses && target == gateway.APIChat:
		return translate.ResponsesToChatRequest(doc)
	}
	return doc
}

// Invoke performs the non-streaming upstream call and translates the
// response body back to the client api shape on success.
func (p *Pipeline) Invoke(ctx context.Context, prep *Prepared, clientToken string) (*upstream.Response, error) {
	start := time.Now()
	resp, err := p.client.Do(ctx, &upstream.Invocation{
		Plan:        prep.Plan,
		Document:    prep.Doc,
		ClientToken: clientToken,
	})
	p.observeUpstream(prep.Plan, resp, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	if resp.Status == 200 && prep.UpstreamFormat() != prep.API {
		translated, terr := translateResponseBody(resp.Body, prep.UpstreamFormat(), prep.API)
		if terr != nil {
			return nil, fmt.Errorf("translate upstream response: %w", terr)
		}
		resp.Body = translated
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Del("Content-Length")
	}
	return resp, nil
}

// OpenStream starts the streaming upstream call. A non-nil *Response is a
// relayed upstream error; the caller translates events with a
// translate.StreamTranslator from UpstreamFormat to the client api.
func (p *Pipeline) OpenStream(ctx context.Context, prep *Prepared, clientToken string) (*upstream.Stream, *upstream.Response, error) {
	start := time.Now()
	stream, errResp, err := p.client.OpenStream(ctx, &upstream.Invocation{
		Plan:        prep.Plan,
		Document:    prep.Doc,
		ClientToken: clientToken,
	})
	p.observeUpstream(prep.Plan, errResp, err, time.Since(start))
	return stream, errResp, err
}

func (p *Pipeline) observeUpstream(plan *gateway.RoutePlan, resp *upstream.Response, err error, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.UpstreamDuration.
		WithLabelValues(plan.Backend, plan.Upstream.ModelID).
		Observe(elapsed.Seconds())
	switch {
	case err != nil:
		p.metrics.UpstreamErrors.WithLabelValues(plan.Backend, "transport").Inc()
	case resp != nil && resp.Status >= 400:
		p.metrics.UpstreamErrors.WithLabelValues(plan.Backend, fmt.Sprint(resp.Status)).Inc()
	}
}

func translateResponseBody(body []byte, from, to string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if from == gateway.APIResponses && to == gateway.APIChat {
		doc = translate.ResponsesToChatResponse(doc)
	} else {
		doc = translate.ChatToResponsesResponse(doc)
	}
	return json.Marshal(doc)
}

// RequestInfo carries the HTTP-level facts of one request for analytics.
type RequestInfo struct {
	Endpoint  string
	Method    string
	IP        string
	UserAgent string
	BodySize  int64
}

// Outcome is the terminal state of one request.
type Outcome struct {
	Status   int
	Success  bool
	Error    string
	Size     int64
	Duration time.Duration
	TTFB     *time.Duration
	Tokens   *gateway.EventTokens
}

// Finish records the analytics event for one request and reports the
// outcome to the routing engine. prep is nil when the request failed
// before routing. Exactly one Finish call per request.
func (p *Pipeline) Finish(ctx context.Context, info RequestInfo, prep *Prepared, out Outcome) {
	if p.feedback != nil && prep != nil && prep.Plan.RouteID != "" {
		p.feedback.Enqueue(route.Feedback{
			RouteID:   prep.Plan.RouteID,
			RequestID: prep.RequestID,
			Alias:     prep.Alias,
			ModelID:   prep.Plan.Upstream.ModelID,
			Status:    out.Status,
			Success:   out.Success,
			LatencyMs: float64(out.Duration.Milliseconds()),
		})
	}
	if p.analytics == nil {
		return
	}

	ev := &gateway.AnalyticsEvent{
		Timestamp: time.Now().UTC(),
		Request: gateway.EventRequest{
			Endpoint:  info.Endpoint,
			Method:    info.Method,
			Stream:    prep != nil && prep.Stream,
			Size:      info.BodySize,
			IP:        info.IP,
			UserAgent: info.UserAgent,
		},
		Response: gateway.EventResponse{
			Status:  out.Status,
			Size:    out.Size,
			Success: out.Success,
			Error:   out.Error,
		},
		Perf: gateway.EventPerf{
			DurationMs: float64(out.Duration.Microseconds()) / 1000,
		},
		Tokens: out.Tokens,
		Auth:   gateway.EventAuth{Method: "none"},
	}
	if out.TTFB != nil {
		ms := float64(out.TTFB.Microseconds()) / 1000
		ev.Perf.TTFBMs = &ms
	}
	if out.Tokens != nil && out.Duration > 0 && out.Tokens.Completion > 0 {
		tps := float64(out.Tokens.Completion) / out.Duration.Seconds()
		ev.Perf.TokensPerSecond = &tps
	}
	if key := gateway.KeyFromContext(ctx); key != nil {
		ev.Auth = gateway.EventAuth{APIKeyID: key.ID, Label: key.Label, Method: "api_key"}
	}
	if prep != nil {
		ev.Request.Model = prep.Alias
		ev.Routing = gateway.EventRouting{
			Backend:             prep.Plan.Backend,
			Mode:                prep.Plan.Upstream.Mode,
			RouteID:             prep.Plan.RouteID,
			CacheState:          prep.Plan.CacheState,
			MCPUsed:             prep.MCPUsed,
			SystemPromptApplied: prep.PromptApplied,
		}
		// Cost is priced against the resolved model, not the alias.
		ev.Cost = p.analytics.prices.Cost(prep.Plan.Upstream.ModelID, out.Tokens)
	}
	p.analytics.Record(ev)
	if p.metrics != nil {
		p.metrics.AnalyticsQueue.Set(float64(p.analytics.recorder.QueueLen()))
		if out.Tokens != nil && prep != nil {
			p.metrics.TokensProcessed.WithLabelValues(prep.Plan.Upstream.ModelID, "prompt").
				Add(float64(out.Tokens.Prompt))
			p.metrics.TokensProcessed.WithLabelValues(prep.Plan.Upstream.ModelID, "completion").
				Add(float64(out.Tokens.Completion))
		}
	}
}
