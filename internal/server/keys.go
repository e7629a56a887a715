package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labiium/routiium/internal/app"
)

const maxAdminBody = 1 << 20

// decodeJSON decodes a size-capped admin request body into v, writing the
// 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// keysEnabled guards the key endpoints; key management exists only in
// managed mode.
func (s *server) keysEnabled(w http.ResponseWriter) bool {
	if s.deps.Keys == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("Key management not enabled"))
		return false
	}
	return true
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if !s.keysEnabled(w) {
		return
	}
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type generateKeyRequest struct {
	Label      string   `json:"label"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int64    `json:"ttl_seconds"`
	ExpiresAt  *string  `json:"expires_at"`
}

func (s *server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if !s.keysEnabled(w) {
		return
	}
	var req generateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts := app.GenerateOptions{
		Label:  req.Label,
		Scopes: req.Scopes,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at, want RFC3339"))
			return
		}
		opts.ExpiresAt = &t
	}

	info, bearer, err := s.deps.Keys.Generate(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     info,
		"api_key": bearer,
	})
}

type keyIDRequest struct {
	ID string `json:"id"`
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !s.keysEnabled(w) {
		return
	}
	var req keyIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("id is required"))
		return
	}
	if err := s.deps.Keys.Revoke(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": req.ID})
}

type setExpirationRequest struct {
	ID         string  `json:"id"`
	TTLSeconds int64   `json:"ttl_seconds"`
	ExpiresAt  *string `json:"expires_at"`
}

func (s *server) handleSetExpiration(w http.ResponseWriter, r *http.Request) {
	if !s.keysEnabled(w) {
		return
	}
	var req setExpirationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("id is required"))
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at, want RFC3339"))
			return
		}
		expiresAt = &t
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.deps.Keys.SetExpiration(r.Context(), req.ID, expiresAt, ttl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": req.ID})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if !s.keysEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
