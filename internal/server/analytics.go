package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labiium/routiium/internal/app"
)

// analyticsEnabled guards the analytics endpoints.
func (s *server) analyticsEnabled(w http.ResponseWriter) bool {
	if s.deps.Analytics == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("Analytics not enabled"))
		return false
	}
	return true
}

// parseTime accepts RFC3339 or unix seconds. Zero time when absent.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339 or unix seconds", raw)
	}
	return t, nil
}

func parseWindow(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return start, end, false
	}
	end, err = parseTime(q.Get("end"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return start, end, false
	}
	return start, end, true
}

func (s *server) handleAnalyticsStats(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsEnabled(w) {
		return
	}
	stats, err := s.deps.Analytics.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleAnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsEnabled(w) {
		return
	}
	start, end, ok := parseWindow(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.deps.Analytics.Events(r.Context(), start, end, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *server) handleAnalyticsAggregate(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsEnabled(w) {
		return
	}
	start, end, ok := parseWindow(w, r)
	if !ok {
		return
	}
	agg, err := s.deps.Analytics.Aggregate(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsEnabled(w) {
		return
	}
	start, end, ok := parseWindow(w, r)
	if !ok {
		return
	}
	events, start, end, err := s.deps.Analytics.Export(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		name := fmt.Sprintf("analytics_%s_to_%s.csv",
			start.UTC().Format("20060102T150405Z"),
			end.UTC().Format("20060102T150405Z"))
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		if err := app.WriteCSV(w, events); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "csv export failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start":  start,
		"end":    end,
		"count":  len(events),
		"events": events,
	})
}

func (s *server) handleAnalyticsClear(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsEnabled(w) {
		return
	}
	if err := s.deps.Analytics.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}
