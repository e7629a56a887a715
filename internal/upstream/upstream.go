// Package upstream invokes the backend chosen by a route plan. One Client
// serves every plan: it picks the mode-specific endpoint, resolves the
// credential and auth scheme, applies plan headers and timeout overrides,
// and reads either a JSON body or an SSE stream back.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/translate"
	"github.com/labiium/routiium/internal/upstream/bedrock"
)

const (
	defaultTimeout = 120 * time.Second

	// maxResponseBody caps non-streaming upstream bodies.
	maxResponseBody = 32 << 20
)

// Auth schemes a plan may name. Empty means bearer.
const (
	AuthBearer   = "bearer"
	AuthAPIKey   = "x-api-key"
	AuthAWSSigV4 = "aws_sigv4"
	AuthGCPOAuth = "gcp_oauth"
)

// Invocation is one outbound request: the plan to follow and the document
// to send. ClientToken carries the caller's bearer for passthrough mode.
type Invocation struct {
	Plan        *gateway.RoutePlan
	Document    map[string]any
	ClientToken string
}

// Response is a completed non-streaming invocation. Status is forwarded
// as-is; callers decide what a non-200 means.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client invokes upstreams per route plan. Safe for concurrent use.
type Client struct {
	std        *http.Client
	defaultKey string
	userAgent  string
	timeout    time.Duration
	signed     *signedClients
}

// Options configures a Client.
type Options struct {
	// DefaultKey is the server's upstream credential, used when the plan
	// names no auth_env. Empty means passthrough of the client bearer.
	DefaultKey string
	// Version feeds the User-Agent header.
	Version string
	// Timeout is the default per-request deadline. Plans may override it.
	Timeout time.Duration
	// Transport is the shared base transport, typically from NewTransport
	// wrapped with otelhttp. Nil falls back to http.DefaultTransport.
	Transport http.RoundTripper
	// AWSCredentials pins the Bedrock signing credentials. Nil uses the
	// ambient AWS credential chain.
	AWSCredentials aws.CredentialsProvider
}

// NewClient builds an upstream client over the given transport.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Client{
		std:        &http.Client{Transport: transport},
		defaultKey: opts.DefaultKey,
		userAgent:  "routiium/" + version,
		timeout:    timeout,
		signed:     newSignedClients(transport, opts.AWSCredentials),
	}
}

// Do performs a non-streaming invocation and returns the upstream's answer.
// Bedrock responses are mapped to the chat completion shape before return.
func (c *Client) Do(ctx context.Context, inv *Invocation) (*Response, error) {
	ctx, cancel := c.deadline(ctx, inv.Plan)
	defer cancel()

	resp, err := c.send(ctx, inv, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", errors.Join(gateway.ErrUpstream, err))
	}

	// A responses upstream may insist on `input`; derive it from the chat
	// messages and retry exactly once.
	if resp.StatusCode == http.StatusBadRequest && c.inputRetryable(inv, body) {
		retry := *inv
		retry.Document = translate.ChatToResponsesRequest(inv.Document, nil)
		resp2, err := c.send(ctx, &retry, false)
		if err == nil {
			defer resp2.Body.Close()
			if body2, err := io.ReadAll(io.LimitReader(resp2.Body, maxResponseBody)); err == nil {
				resp, body = resp2, body2
			}
		}
	}

	if resp.StatusCode == http.StatusOK && inv.Plan.Upstream.Mode == gateway.ModeBedrock {
		mapped, err := bedrock.ParseResponse(inv.Plan.Upstream.ModelID, body)
		if err != nil {
			return nil, fmt.Errorf("bedrock response: %w", errors.Join(gateway.ErrUpstream, err))
		}
		body = mapped
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// inputRetryable reports whether a 400 looks like a missing-input complaint
// from a responses upstream and the document still carries chat messages.
func (c *Client) inputRetryable(inv *Invocation, body []byte) bool {
	if inv.Plan.Upstream.Mode != gateway.ModeResponses {
		return false
	}
	if _, ok := inv.Document["input"]; ok {
		return false
	}
	if _, ok := inv.Document["messages"].([]any); !ok {
		return false
	}
	msg := strings.ToLower(string(body))
	return strings.Contains(msg, "input") && strings.Contains(msg, "required")
}

// send builds and performs one HTTP round trip for the invocation.
func (c *Client) send(ctx context.Context, inv *Invocation, stream bool) (*http.Response, error) {
	up := inv.Plan.Upstream

	body, err := c.encodeBody(inv, stream)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(up, stream), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if stream && up.Mode != gateway.ModeBedrock {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range up.Headers {
		req.Header.Set(k, v)
	}

	client, err := c.applyAuth(ctx, req, inv)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", up.BaseURL, errors.Join(gateway.ErrUpstream, err))
	}
	return resp, nil
}

// encodeBody marshals the outbound document, forcing the plan's model id
// and, for streaming chat, usage in the final chunk.
func (c *Client) encodeBody(inv *Invocation, stream bool) ([]byte, error) {
	up := inv.Plan.Upstream
	if up.Mode == gateway.ModeBedrock {
		body, err := bedrock.BuildRequest(up.ModelID, inv.Document)
		if err != nil {
			return nil, fmt.Errorf("bedrock request: %w", errors.Join(gateway.ErrBadRequest, err))
		}
		return body, nil
	}

	doc := make(map[string]any, len(inv.Document)+2)
	for k, v := range inv.Document {
		doc[k] = v
	}
	doc["model"] = up.ModelID
	if stream {
		doc["stream"] = true
		if up.Mode == gateway.ModeChat {
			if _, ok := doc["stream_options"]; !ok {
				doc["stream_options"] = map[string]any{"include_usage": true}
			}
		}
	} else {
		delete(doc, "stream")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}
	return body, nil
}

// endpoint returns the mode-specific URL for the plan's upstream.
func (c *Client) endpoint(up gateway.RouteUpstream, stream bool) string {
	base := strings.TrimRight(up.BaseURL, "/")
	switch up.Mode {
	case gateway.ModeBedrock:
		action := "/invoke"
		if stream {
			action = "/invoke-with-response-stream"
		}
		return base + "/model/" + url.PathEscape(up.ModelID) + action
	case gateway.ModeChat:
		return base + "/chat/completions"
	default:
		return base + "/responses"
	}
}

// applyAuth resolves the credential and scheme for the plan and returns the
// http.Client to use. Header schemes mutate the request; the signing
// schemes come as dedicated transport-wrapped clients.
func (c *Client) applyAuth(ctx context.Context, req *http.Request, inv *Invocation) (*http.Client, error) {
	up := inv.Plan.Upstream

	scheme := up.AuthScheme
	if up.Mode == gateway.ModeBedrock {
		scheme = AuthAWSSigV4
	}

	switch scheme {
	case AuthAWSSigV4:
		return c.signed.aws(ctx, bedrock.Region(req.URL.Host))
	case AuthGCPOAuth:
		return c.signed.gcp(ctx)
	}

	key := c.credential(up.AuthEnv, inv.ClientToken)
	if key == "" {
		return c.std, nil
	}
	switch scheme {
	case AuthAPIKey:
		req.Header.Set("x-api-key", key)
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return c.std, nil
}

// credential picks the key: plan auth_env first, then the server default,
// then the caller's own bearer.
func (c *Client) credential(authEnv, clientToken string) string {
	if authEnv != "" {
		if key := os.Getenv(authEnv); key != "" {
			return key
		}
	}
	if c.defaultKey != "" {
		return c.defaultKey
	}
	return clientToken
}

// deadline derives the request context: the plan's timeout_ms override when
// present, the client default otherwise.
func (c *Client) deadline(ctx context.Context, plan *gateway.RoutePlan) (context.Context, context.CancelFunc) {
	timeout := c.timeout
	if plan.Limits != nil && plan.Limits.TimeoutMs != nil && *plan.Limits.TimeoutMs > 0 {
		timeout = time.Duration(*plan.Limits.TimeoutMs) * time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}
