package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/app"
	"github.com/labiium/routiium/internal/translate"
)

// maxRequestBody caps inbound request bodies at 10 MB.
const maxRequestBody = 10 << 20

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.routed(w, r, gateway.APIChat)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.routed(w, r, gateway.APIResponses)
}

// routed runs the full pipeline for one request: decode, prepare, invoke
// or stream, and record exactly one analytics event.
func (s *server) routed(w http.ResponseWriter, r *http.Request, api string) {
	start := time.Now()
	info := app.RequestInfo{
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	doc, size, ok := s.decodeBody(w, r, info, start)
	if !ok {
		return
	}
	info.BodySize = size
	stream, _ := doc["stream"].(bool)

	prep, err := s.deps.Pipeline.Prepare(r.Context(), doc, api, stream)
	if err != nil {
		status := writeError(w, err)
		s.deps.Pipeline.Finish(r.Context(), info, nil, app.Outcome{
			Status:   status,
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return
	}
	setRouteHeaders(w.Header(), prep)

	token := bearerToken(r)
	if stream {
		s.relayStream(w, r, info, prep, token, start)
		return
	}

	resp, err := s.deps.Pipeline.Invoke(r.Context(), prep, token)
	if err != nil {
		status := writeError(w, err)
		s.deps.Pipeline.Finish(r.Context(), info, prep, app.Outcome{
			Status:   status,
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header()["Content-Type"] = jsonCT
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	out := app.Outcome{
		Status:   resp.Status,
		Success:  resp.Status < 400,
		Size:     int64(len(resp.Body)),
		Duration: time.Since(start),
		Tokens:   app.ExtractUsage(resp.Body),
	}
	if !out.Success {
		out.Error = upstreamErrorMessage(resp.Body)
	}
	s.deps.Pipeline.Finish(r.Context(), info, prep, out)
}

// decodeBody reads the capped body and parses it into a document tree. On
// failure it writes the 400 and records the analytics event itself.
func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, info app.RequestInfo, start time.Time) (map[string]any, int64, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.rejectBody(w, r, info, start, "request body too large")
		return nil, 0, false
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		s.rejectBody(w, r, info, start, "invalid request body: "+err.Error())
		return nil, 0, false
	}
	return doc, int64(len(body)), true
}

func (s *server) rejectBody(w http.ResponseWriter, r *http.Request, info app.RequestInfo, start time.Time, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse(msg))
	s.deps.Pipeline.Finish(r.Context(), info, nil, app.Outcome{
		Status:   http.StatusBadRequest,
		Error:    msg,
		Duration: time.Since(start),
	})
}

// setRouteHeaders publishes the routing decision on the response.
func setRouteHeaders(h http.Header, prep *app.Prepared) {
	plan := prep.Plan
	h.Set("x-route-id", plan.RouteID)
	h.Set("x-resolved-model", plan.Upstream.ModelID)
	if plan.Policy != nil && plan.Policy.Revision != "" {
		h.Set("x-policy-rev", plan.Policy.Revision)
	}
	if plan.ContentUsed != "" {
		h.Set("x-content-used", plan.ContentUsed)
	}
	if plan.CacheState != "" {
		h.Set("x-route-cache", plan.CacheState)
	}
	h.Set("router-schema", plan.SchemaVersion)
}

// upstreamErrorMessage pulls the error message out of an upstream error
// body, falling back to a truncated copy of the raw body.
func upstreamErrorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	const maxErr = 256
	if len(body) > maxErr {
		body = body[:maxErr]
	}
	return string(body)
}

// handleConvert translates a chat document to the responses shape without
// touching any upstream. No credentials required.
func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}

	q := r.URL.Query()
	conv := &translate.Conversation{
		ID:                 q.Get("conversation_id"),
		PreviousResponseID: q.Get("previous_response_id"),
	}
	writeJSON(w, http.StatusOK, translate.ChatToResponsesRequest(doc, conv))
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
