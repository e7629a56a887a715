package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// handleStatus reports the gateway's feature configuration. The document
// comes from the wired StatusReporter; without one only the identity
// fields are returned.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status != nil {
		writeJSON(w, http.StatusOK, s.deps.Status(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "routiium",
		"version": s.deps.Version,
	})
}

// handleReload re-reads one configuration target, or all of them. Every
// target swaps its snapshot atomically, so a failed reload keeps the
// previous configuration serving.
func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	if target == "all" {
		names := make([]string, 0, len(s.deps.Reloads))
		for name := range s.deps.Reloads {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make(map[string]string, len(names))
		failed := false
		for _, name := range names {
			if err := s.deps.Reloads[name](r.Context()); err != nil {
				results[name] = err.Error()
				failed = true
			} else {
				results[name] = "ok"
			}
		}
		status := http.StatusOK
		if failed {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{"results": results})
		return
	}

	fn, ok := s.deps.Reloads[target]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown reload target: "+target))
		return
	}
	if err := fn(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": target})
}
