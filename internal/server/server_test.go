package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/app"
	"github.com/labiium/routiium/internal/route"
	"github.com/labiium/routiium/internal/storage/memory"
	"github.com/labiium/routiium/internal/upstream"
	"github.com/labiium/routiium/internal/worker"
)

// stubRouter returns a copy of a fixed plan, or a canned error.
type stubRouter struct {
	plan *gateway.RoutePlan
	err  error
}

func (s *stubRouter) Name() string { return "stub" }

func (s *stubRouter) Resolve(ctx context.Context, rr *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.plan
	return &cp, nil
}

func stubPlan(baseURL, model string) *gateway.RoutePlan {
	return &gateway.RoutePlan{
		SchemaVersion: gateway.RouteSchemaVersion,
		RouteID:       "rte_0011223344556677",
		Upstream: gateway.RouteUpstream{
			BaseURL: baseURL,
			Mode:    gateway.ModeChat,
			ModelID: model,
		},
		Backend: "stub",
	}
}

// env is a fully wired gateway over in-memory stores.
type env struct {
	handler http.Handler
	keys    *app.KeyService
	events  *memory.EventStore
	rec     *worker.Recorder
}

func newEnv(t *testing.T, router gateway.Router, managed bool) *env {
	t.Helper()

	events := memory.NewEventStore(0)
	rec := worker.NewRecorder(events)
	analytics := app.NewAnalyticsService(events, rec, nil, nil)

	var keys *app.KeyService
	if managed {
		var err error
		keys, err = app.NewKeyService(context.Background(), memory.NewKeyStore(), app.KeyServiceOptions{})
		if err != nil {
			t.Fatalf("NewKeyService: %v", err)
		}
	}

	pipe := app.NewPipeline(app.PipelineOptions{
		Router:    router,
		Builder:   route.NewBuilder(gateway.PrivacyFeatures),
		Client:    upstream.NewClient(upstream.Options{Timeout: 5 * time.Second}),
		Sticky:    route.NewStickyStore(64),
		Analytics: analytics,
	})

	handler := New(Deps{
		Pipeline:  pipe,
		Keys:      keys,
		Analytics: analytics,
		Managed:   managed,
		Version:   "test",
	})
	return &env{handler: handler, keys: keys, events: events, rec: rec}
}

// bearer mints a one-hour key and returns its token.
func (e *env) bearer(t *testing.T) string {
	t.Helper()
	_, token, err := e.keys.Generate(context.Background(), app.GenerateOptions{
		Label: "test",
		TTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return token
}

// drained flushes the recorder queue into the store and returns everything
// recorded so far, newest first.
func (e *env) drained(t *testing.T) []*gateway.AnalyticsEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.rec.Run(ctx); err != nil {
		t.Fatalf("Recorder.Run: %v", err)
	}
	now := time.Now().UTC()
	events, err := e.events.ScanEvents(context.Background(), now.Add(-time.Hour), now.Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}
	return events
}

// chatUpstream fakes a chat completions backend that echoes the model it
// was asked for.
func chatUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","model":%q,`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`, doc["model"])
	}))
	t.Cleanup(ts.Close)
	return ts
}

// sseUpstream fakes a streaming chat backend: two content deltas, a usage
// chunk, and the sentinel.
func sseUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		chunks := []string{
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"delta":{"content":"hel"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"delta":{"content":"lo"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, h http.Handler, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestChatCompletionProxiesAndRecords(t *testing.T) {
	t.Parallel()

	up := chatUpstream(t)
	e := newEnv(t, &stubRouter{plan: stubPlan(up.URL, "model-x")}, true)
	token := e.bearer(t)

	body := `{"model":"alias-a","messages":[{"role":"user","content":"hi"}]}`
	rr := postJSON(t, e.handler, "/v1/chat/completions", body, token)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("x-resolved-model"); got != "model-x" {
		t.Fatalf("x-resolved-model = %q, want model-x", got)
	}
	if got := rr.Header().Get("x-route-id"); got == "" {
		t.Fatal("x-route-id header missing")
	}
	if got := rr.Header().Get("router-schema"); got != gateway.RouteSchemaVersion {
		t.Fatalf("router-schema = %q, want %q", got, gateway.RouteSchemaVersion)
	}
	if got := gjson.Get(rr.Body.String(), "model").String(); got != "model-x" {
		t.Fatalf("upstream saw model %q, want the resolved id", got)
	}
	if got := gjson.Get(rr.Body.String(), "choices.0.message.content").String(); got != "ok" {
		t.Fatalf("content = %q, want ok", got)
	}

	events := e.drained(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Request.Model != "alias-a" {
		t.Fatalf("event model = %q, want the client alias", ev.Request.Model)
	}
	if ev.Routing.Backend != "stub" || ev.Routing.RouteID == "" {
		t.Fatalf("routing block incomplete: %+v", ev.Routing)
	}
	if !ev.Response.Success || ev.Response.Status != http.StatusOK {
		t.Fatalf("response block = %+v, want 200 success", ev.Response)
	}
	if ev.Auth.Method != "api_key" || ev.Auth.APIKeyID == "" {
		t.Fatalf("auth block = %+v, want api_key", ev.Auth)
	}
	if ev.Tokens == nil || ev.Tokens.Prompt != 12 || ev.Tokens.Completion != 5 {
		t.Fatalf("tokens = %+v, want usage from the upstream body", ev.Tokens)
	}
}

func TestChatCompletionRequiresBearer(t *testing.T) {
	t.Parallel()

	up := chatUpstream(t)
	e := newEnv(t, &stubRouter{plan: stubPlan(up.URL, "model-x")}, true)

	rr := postJSON(t, e.handler, "/v1/chat/completions", `{"model":"alias-a"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if msg := gjson.Get(rr.Body.String(), "error.message").String(); !strings.Contains(msg, "Missing Authorization") {
		t.Fatalf("message = %q", msg)
	}

	rr = postJSON(t, e.handler, "/v1/chat/completions", `{"model":"alias-a"}`, "sk_bogus.bogus")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a bad token", rr.Code)
	}

	// Rejected requests still produce exactly one failure event each.
	events := e.drained(t)
	if len(events) != 2 {
		t.Fatalf("recorded %d events, want one per auth failure", len(events))
	}
	for _, ev := range events {
		if ev.Response.Status != http.StatusUnauthorized || ev.Response.Success {
			t.Fatalf("response block = %+v, want a 401 failure", ev.Response)
		}
		if ev.Response.Error == "" {
			t.Fatal("auth failure events carry the rejection message")
		}
		if ev.Auth.Method != "none" {
			t.Fatalf("auth method = %q, want none", ev.Auth.Method)
		}
	}
}

func TestStreamingRelay(t *testing.T) {
	t.Parallel()

	up := sseUpstream(t)
	e := newEnv(t, &stubRouter{plan: stubPlan(up.URL, "model-x")}, false)

	body := `{"model":"alias-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rr := postJSON(t, e.handler, "/v1/chat/completions", body, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	var datas []string
	for _, line := range strings.Split(rr.Body.String(), "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			datas = append(datas, after)
		}
	}
	if len(datas) != 4 {
		t.Fatalf("got %d data frames, want 4: %q", len(datas), datas)
	}
	if got := gjson.Get(datas[0], "choices.0.delta.content").String(); got != "hel" {
		t.Fatalf("first delta = %q, want hel", got)
	}
	if got := gjson.Get(datas[1], "choices.0.delta.content").String(); got != "lo" {
		t.Fatalf("second delta = %q, want lo", got)
	}
	if datas[len(datas)-1] != "[DONE]" {
		t.Fatalf("last frame = %q, want [DONE]", datas[len(datas)-1])
	}

	events := e.drained(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if !ev.Request.Stream {
		t.Fatal("event should be marked streaming")
	}
	if !ev.Response.Success {
		t.Fatalf("response block = %+v, want success", ev.Response)
	}
	if ev.Perf.TTFBMs == nil {
		t.Fatal("ttfb should be measured for streams")
	}
	if ev.Tokens == nil || ev.Tokens.Prompt != 9 || ev.Tokens.Completion != 2 {
		t.Fatalf("tokens = %+v, want usage from the final chunk", ev.Tokens)
	}
}

func TestStrictUnresolvedRouteIsBadGateway(t *testing.T) {
	t.Parallel()

	router := route.NewComposite(true, &stubRouter{err: gateway.ErrNoRoute})
	e := newEnv(t, router, false)

	rr := postJSON(t, e.handler, "/v1/chat/completions", `{"model":"alias-ghost","messages":[]}`, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 in strict mode", rr.Code)
	}

	events := e.drained(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Response.Success || ev.Response.Status != http.StatusBadGateway {
		t.Fatalf("response block = %+v, want a 502 failure", ev.Response)
	}
	if ev.Response.Error == "" {
		t.Fatal("failure events carry the error message")
	}
}

func TestLenientFallsBackToPrefixRule(t *testing.T) {
	t.Parallel()

	up := chatUpstream(t)
	router := route.NewComposite(false,
		&stubRouter{err: errors.New("policy engine: 500 internal")},
		route.NewPrefixRouter([]route.PrefixRule{{Prefix: "gpt-", BaseURL: up.URL}}),
	)
	e := newEnv(t, router, false)

	rr := postJSON(t, e.handler, "/v1/chat/completions", `{"model":"gpt-7-test","messages":[]}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("x-resolved-model"); got != "gpt-7-test" {
		t.Fatalf("x-resolved-model = %q, want the passthrough alias", got)
	}
	if _, ok := rr.Result().Header["X-Route-Cache"]; ok {
		t.Fatal("x-route-cache must be absent for local routes")
	}

	events := e.drained(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if got := events[0].Routing.Backend; got != "prefix" {
		t.Fatalf("backend = %q, want prefix", got)
	}
}

func TestRoutedRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &stubRouter{err: gateway.ErrNoRoute}, false)

	rr := postJSON(t, e.handler, "/v1/chat/completions", `{not json`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if msg := gjson.Get(rr.Body.String(), "error.message").String(); !strings.Contains(msg, "invalid request body") {
		t.Fatalf("message = %q", msg)
	}

	rr = postJSON(t, e.handler, "/v1/chat/completions", `{"messages":[]}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a model", rr.Code)
	}

	events := e.drained(t)
	if len(events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Response.Status != http.StatusBadRequest || ev.Response.Success {
			t.Fatalf("response block = %+v, want a 400 failure", ev.Response)
		}
	}
}

func TestUpstreamErrorIsRelayed(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	}))
	t.Cleanup(ts.Close)

	e := newEnv(t, &stubRouter{plan: stubPlan(ts.URL, "model-x")}, false)

	rr := postJSON(t, e.handler, "/v1/chat/completions", `{"model":"alias-a","messages":[]}`, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want the upstream's 429", rr.Code)
	}

	events := e.drained(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Response.Success {
		t.Fatal("a 429 is not a success")
	}
	if ev.Response.Error != "rate limited" {
		t.Fatalf("error = %q, want the upstream message", ev.Response.Error)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &stubRouter{err: gateway.ErrNoRoute}, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id should be assigned")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Fatalf("X-Request-Id = %q, want the caller's id echoed", got)
	}
}
