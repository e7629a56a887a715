package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/upstream/bedrock"
)

// connectRetryDelays is the backoff schedule for establishing a streaming
// connection. The first attempt goes out immediately.
var connectRetryDelays = []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Event is one unit of an upstream stream: an SSE event (Name may be empty
// for bare data lines), the terminal Done marker, or a read failure.
type Event struct {
	Name string
	Data []byte
	Done bool
	Err  error
}

// Stream is a live upstream event stream. Events closes after the Done or
// error event; Cancel aborts the upstream read.
type Stream struct {
	Events <-chan Event
	Status int
	Header http.Header
	Cancel context.CancelFunc
}

// OpenStream starts a streaming invocation. Connection failures and 5xx
// answers are retried on a short fixed schedule; a non-2xx answer after
// the last attempt is returned as a Response error so the caller can relay
// the upstream's own error body.
func (c *Client) OpenStream(ctx context.Context, inv *Invocation) (*Stream, *Response, error) {
	ctx, cancel := c.deadline(ctx, inv.Plan)

	var resp *http.Response
	var err error
	for _, delay := range connectRetryDelays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				cancel()
				return nil, nil, fmt.Errorf("upstream connect: %w", ctx.Err())
			}
		}
		resp, err = c.send(ctx, inv, true)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			break
		}
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp == nil {
		cancel()
		return nil, nil, fmt.Errorf("upstream unavailable: %w", gateway.ErrUpstream)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		cancel()
		return nil, &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	ch := make(chan Event, 1)
	if inv.Plan.Upstream.Mode == gateway.ModeBedrock {
		go relayBedrock(ctx, inv.Plan.Upstream.ModelID, resp.Body, ch)
	} else {
		go relaySSE(ctx, resp.Body, ch)
	}
	return &Stream{Events: ch, Status: resp.StatusCode, Header: resp.Header, Cancel: cancel}, nil, nil
}

// sendEvent delivers ev unless the consumer is gone. Every send goes
// through here: an unconditional send on the buffered channel would block
// forever once the reader has bailed out with an event still queued.
func sendEvent(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// relaySSE reads SSE lines from the upstream body and forwards them as
// events. The [DONE] sentinel closes the stream.
func relaySSE(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	scanner := newSSEScanner(body)
	var currentEvent string
	for scanner.Scan() {
		event, data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "[DONE]" {
			sendEvent(ctx, ch, Event{Done: true})
			return
		}
		if !sendEvent(ctx, ch, Event{Name: currentEvent, Data: []byte(data)}) {
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		sendEvent(ctx, ch, Event{Err: fmt.Errorf("read upstream stream: %w", err)})
		return
	}
	// Upstream closed without a sentinel; treat as done.
	sendEvent(ctx, ch, Event{Done: true})
}

// relayBedrock decodes Bedrock response-stream chunks into chat chunk
// events.
func relayBedrock(ctx context.Context, modelID string, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)

	inner := make(chan bedrock.Chunk, 1)
	go bedrock.ReadStream(ctx, modelID, body, inner)
	for chunk := range inner {
		switch {
		case chunk.Err != nil:
			sendEvent(ctx, ch, Event{Err: chunk.Err})
			return
		case chunk.Done:
			sendEvent(ctx, ch, Event{Done: true})
			return
		default:
			if !sendEvent(ctx, ch, Event{Data: chunk.Data}) {
				return
			}
		}
	}
	sendEvent(ctx, ch, Event{Done: true})
}
