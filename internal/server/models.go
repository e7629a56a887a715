package server

import (
	"log/slog"
	"net/http"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels merges the local alias table with the remote catalog
// into the OpenAI list shape. A failing catalog degrades to local-only.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	out := modelListResponse{Object: "list", Data: []modelEntry{}}

	if s.deps.Local != nil {
		for _, alias := range s.deps.Local.Aliases() {
			if seen[alias] {
				continue
			}
			seen[alias] = true
			out.Data = append(out.Data, modelEntry{ID: alias, Object: "model", OwnedBy: "routiium"})
		}
	}
	if s.deps.Catalog != nil {
		models, err := s.deps.Catalog.Models(r.Context())
		if err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "model catalog unavailable",
				slog.String("error", err.Error()),
			)
		}
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out.Data = append(out.Data, modelEntry{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
		}
	}

	writeJSON(w, http.StatusOK, out)
}
