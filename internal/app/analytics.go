package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/pricing"
	"github.com/labiium/routiium/internal/storage"
	"github.com/labiium/routiium/internal/worker"
)

const (
	defaultEventsWindow = time.Hour
	defaultExportWindow = 24 * time.Hour
	defaultEventsLimit  = 100
	maxEventsLimit      = 1000
)

// csvColumns is the fixed export column order. Consumers depend on it.
var csvColumns = []string{
	"id", "timestamp", "endpoint", "method", "model", "stream",
	"status_code", "success", "duration_ms", "ttfb_ms", "tokens_per_second",
	"input_tokens", "output_tokens", "cached_tokens", "reasoning_tokens",
	"input_cost", "output_cost", "cached_cost", "total_cost",
	"backend", "upstream_mode", "api_key_id", "api_key_label",
}

// AnalyticsService records request events and answers queries over the
// event store. Recording is asynchronous through the batching worker;
// queries go straight to the backend.
type AnalyticsService struct {
	store    storage.EventStore
	recorder *worker.Recorder
	prices   *pricing.Table
	clock    clockwork.Clock
}

// NewAnalyticsService wires the service over store and recorder. A nil
// pricing table disables cost annotation; a nil clock uses the real one.
func NewAnalyticsService(store storage.EventStore, rec *worker.Recorder, prices *pricing.Table, clock clockwork.Clock) *AnalyticsService {
	if prices == nil {
		prices = pricing.Empty()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AnalyticsService{store: store, recorder: rec, prices: prices, clock: clock}
}

// Record annotates the event with cost and queues it. Never blocks.
func (a *AnalyticsService) Record(ev *gateway.AnalyticsEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.clock.Now().UTC()
	}
	if ev.Cost == nil {
		ev.Cost = a.prices.Cost(ev.Request.Model, ev.Tokens)
	}
	a.recorder.Record(ev)
}

// Stats is the operational snapshot of the sink.
type Stats struct {
	Events      int   `json:"events"`
	QueueLength int   `json:"queue_length"`
	Dropped     int64 `json:"dropped"`
}

// Stats reports stored event count and queue health.
func (a *AnalyticsService) Stats(ctx context.Context) (*Stats, error) {
	n, err := a.store.CountEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return &Stats{
		Events:      n,
		QueueLength: a.recorder.QueueLen(),
		Dropped:     a.recorder.Dropped(),
	}, nil
}

// window fills defaults: zero end means now, zero start means end minus
// the given span.
func (a *AnalyticsService) window(start, end time.Time, span time.Duration) (time.Time, time.Time) {
	if end.IsZero() {
		end = a.clock.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-span)
	}
	return start, end
}

// Events returns events inside [start, end], newest first. Zero bounds
// default to the last hour; limit defaults to 100 and caps at 1000.
func (a *AnalyticsService) Events(ctx context.Context, start, end time.Time, limit int) ([]*gateway.AnalyticsEvent, error) {
	start, end = a.window(start, end, defaultEventsWindow)
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	return a.store.ScanEvents(ctx, start, end, limit)
}

// TokenTotals sums usage across a window.
type TokenTotals struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Cached     int `json:"cached"`
	Reasoning  int `json:"reasoning"`
}

// CostTotals sums priced usage across a window.
type CostTotals struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency,omitempty"`
}

// Aggregate summarizes a window of events.
type Aggregate struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Requests      int            `json:"requests"`
	Successes     int            `json:"successes"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	P95DurationMs float64        `json:"p95_duration_ms"`
	Tokens        TokenTotals    `json:"tokens"`
	Cost          CostTotals     `json:"cost"`
	ByModel       map[string]int `json:"by_model"`
	ByEndpoint    map[string]int `json:"by_endpoint"`
	ByStatus      map[string]int `json:"by_status"`
}

// Aggregate computes totals over [start, end]. Zero bounds default to the
// last hour. P95 is exact over the scanned window.
func (a *AnalyticsService) Aggregate(ctx context.Context, start, end time.Time) (*Aggregate, error) {
	start, end = a.window(start, end, defaultEventsWindow)
	events, err := a.store.ScanEvents(ctx, start, end, 0)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}

	agg := &Aggregate{
		Start:      start,
		End:        end,
		Requests:   len(events),
		ByModel:    make(map[string]int),
		ByEndpoint: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	var durationSum float64
	durations := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.Response.Success {
			agg.Successes++
		}
		durationSum += ev.Perf.DurationMs
		durations = append(durations, ev.Perf.DurationMs)
		if ev.Request.Model != "" {
			agg.ByModel[ev.Request.Model]++
		}
		agg.ByEndpoint[ev.Request.Endpoint]++
		agg.ByStatus[strconv.Itoa(ev.Response.Status)]++
		if tok := ev.Tokens; tok != nil {
			agg.Tokens.Prompt += tok.Prompt
			agg.Tokens.Completion += tok.Completion
			if tok.Cached != nil {
				agg.Tokens.Cached += *tok.Cached
			}
			if tok.Reasoning != nil {
				agg.Tokens.Reasoning += *tok.Reasoning
			}
		}
		if c := ev.Cost; c != nil {
			agg.Cost.Input += c.Input
			agg.Cost.Output += c.Output
			agg.Cost.Total += c.Total
			if agg.Cost.Currency == "" {
				agg.Cost.Currency = c.Currency
			}
		}
	}
	if agg.Requests > 0 {
		agg.SuccessRate = float64(agg.Successes) / float64(agg.Requests)
		agg.AvgDurationMs = durationSum / float64(agg.Requests)
		sort.Float64s(durations)
		idx := int(math.Ceil(0.95*float64(len(durations)))) - 1
		if idx < 0 {
			idx = 0
		}
		agg.P95DurationMs = durations[idx]
	}
	return agg, nil
}

// Export returns every event inside [start, end], newest first. Zero
// bounds default to the last 24 hours.
func (a *AnalyticsService) Export(ctx context.Context, start, end time.Time) ([]*gateway.AnalyticsEvent, time.Time, time.Time, error) {
	start, end = a.window(start, end, defaultExportWindow)
	events, err := a.store.ScanEvents(ctx, start, end, 0)
	if err != nil {
		return nil, start, end, fmt.Errorf("scan events: %w", err)
	}
	return events, start, end, nil
}

// Clear removes every stored event.
func (a *AnalyticsService) Clear(ctx context.Context) error {
	return a.store.ClearEvents(ctx)
}

// WriteCSV renders events in the fixed export column order.
func WriteCSV(w io.Writer, events []*gateway.AnalyticsEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cw.Write(csvRow(ev)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(ev *gateway.AnalyticsEvent) []string {
	row := make([]string, 0, len(csvColumns))
	row = append(row,
		ev.ID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Request.Endpoint,
		ev.Request.Method,
		ev.Request.Model,
		strconv.FormatBool(ev.Request.Stream),
		strconv.Itoa(ev.Response.Status),
		strconv.FormatBool(ev.Response.Success),
		formatFloat(ev.Perf.DurationMs),
		formatFloatPtr(ev.Perf.TTFBMs),
		formatFloatPtr(ev.Perf.TokensPerSecond),
	)
	if tok := ev.Tokens; tok != nil {
		row = append(row,
			strconv.Itoa(tok.Prompt),
			strconv.Itoa(tok.Completion),
			formatIntPtr(tok.Cached),
			formatIntPtr(tok.Reasoning),
		)
	} else {
		row = append(row, "", "", "", "")
	}
	if c := ev.Cost; c != nil {
		row = append(row,
			formatFloat(c.Input),
			formatFloat(c.Output),
			formatFloatPtr(c.Cached),
			formatFloat(c.Total),
		)
	} else {
		row = append(row, "", "", "", "")
	}
	row = append(row,
		ev.Routing.Backend,
		ev.Routing.Mode,
		ev.Auth.APIKeyID,
		ev.Auth.Label,
	)
	return row
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}

func formatIntPtr(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
