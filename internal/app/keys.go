// Package app implements application-level services for the Routiium
// gateway: credential lifecycle, the request pipeline, and analytics
// assembly.
package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/storage"
)

const (
	secretBytes = 32
	saltBytes   = 16
)

// KeyServiceOptions configures a KeyService.
type KeyServiceOptions struct {
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// RequireExpiration rejects Generate calls that resolve no expiration.
	RequireExpiration bool
	// DefaultTTL applies when a Generate call carries no expiration of its
	// own. Zero means no default.
	DefaultTTL time.Duration
	// DisableCache routes every read through the backend. Required when
	// several replicas share one store.
	DisableCache bool
}

// KeyService manages the bearer-token lifecycle: mint, verify, list,
// revoke, re-expire, delete. Verification runs against a full in-process
// mirror of the store so the hot path does no I/O; every mutation writes
// the backend first and touches the mirror only on success.
type KeyService struct {
	store storage.KeyStore
	clock clockwork.Clock

	requireExpiration bool
	defaultTTL        time.Duration

	mu    sync.RWMutex
	cache map[string]*gateway.KeyRecord // nil when the cache is disabled
}

// NewKeyService returns a KeyService over store. Unless the cache is
// disabled, the full record set is loaded before returning so a backend
// outage is caught at startup.
func NewKeyService(ctx context.Context, store storage.KeyStore, opts KeyServiceOptions) (*KeyService, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &KeyService{
		store:             store,
		clock:             clock,
		requireExpiration: opts.RequireExpiration,
		defaultTTL:        opts.DefaultTTL,
	}
	if !opts.DisableCache {
		s.cache = make(map[string]*gateway.KeyRecord)
		if err := s.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("warm key cache: %w", err)
		}
	}
	return s, nil
}

// GenerateOptions holds the caller-supplied fields for key creation.
type GenerateOptions struct {
	Label     string
	Scopes    []string
	TTL       time.Duration
	ExpiresAt *time.Time
}

// Generate mints a new key and returns its metadata together with the
// bearer token. The secret inside the bearer is never stored and cannot be
// recovered later. Expiration resolves as explicit expires_at, then ttl,
// then the configured default.
func (s *KeyService) Generate(ctx context.Context, opts GenerateOptions) (*gateway.KeyInfo, string, error) {
	return s.generate(ctx, opts, s.requireExpiration)
}

func (s *KeyService) generate(ctx context.Context, opts GenerateOptions, requireExpiration bool) (*gateway.KeyInfo, string, error) {
	now := s.clock.Now().UTC()

	expiresAt, err := resolveExpiration(now, opts, s.defaultTTL)
	if err != nil {
		return nil, "", err
	}
	if requireExpiration && expiresAt == nil {
		return nil, "", gateway.PolicyError("an expiration is required for new keys")
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("generate salt: %w", err)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	secretHex := hex.EncodeToString(secret)

	rec := &gateway.KeyRecord{
		ID:           id,
		SecretDigest: gateway.DigestSecret(salt, secretHex),
		Salt:         salt,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Label:        opts.Label,
		Scopes:       opts.Scopes,
	}
	if err := s.put(ctx, rec); err != nil {
		return nil, "", err
	}

	bearer := gateway.TokenPrefix + id + "." + secretHex
	return rec.Info(now), bearer, nil
}

func resolveExpiration(now time.Time, opts GenerateOptions, defaultTTL time.Duration) (*time.Time, error) {
	switch {
	case opts.ExpiresAt != nil:
		if !opts.ExpiresAt.After(now) {
			return nil, gateway.PolicyError("expires_at must be in the future")
		}
		t := opts.ExpiresAt.UTC()
		return &t, nil
	case opts.TTL > 0:
		t := now.Add(opts.TTL)
		return &t, nil
	case defaultTTL > 0:
		t := now.Add(defaultTTL)
		return &t, nil
	}
	return nil, nil
}

// Verify authenticates a bearer token. Failures are sentinel errors: bad
// shape or unknown id or digest mismatch report ErrUnauthorized, revoked
// and expired keys report their own sentinels. Backend failures on the
// cache-disabled path report ErrUnavailable.
func (s *KeyService) Verify(ctx context.Context, bearer string) (*gateway.KeyRecord, error) {
	id, secret, ok := gateway.ParseToken(bearer)
	if !ok {
		return nil, gateway.ErrUnauthorized
	}

	rec, err := s.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, errors.Join(gateway.ErrUnavailable, err)
	}

	digest := gateway.DigestSecret(rec.Salt, secret)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(rec.SecretDigest)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	if rec.RevokedAt != nil {
		return nil, gateway.ErrKeyRevoked
	}
	if rec.ExpiresAt != nil && !s.clock.Now().Before(*rec.ExpiresAt) {
		return nil, gateway.ErrKeyExpired
	}
	return rec, nil
}

// List returns metadata for every key, newest first. Digests and salts
// never leave the service.
func (s *KeyService) List(ctx context.Context) ([]*gateway.KeyInfo, error) {
	recs, err := s.records(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]*gateway.KeyInfo, len(recs))
	for i, rec := range recs {
		out[i] = rec.Info(now)
	}
	return out, nil
}

// Revoke marks the key revoked. Revoking an already revoked key keeps the
// original revocation time.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if rec.RevokedAt != nil {
		return nil
	}
	updated := *rec
	now := s.clock.Now().UTC()
	updated.RevokedAt = &now
	return s.put(ctx, &updated)
}

// SetExpiration updates a key's expiry: explicit expires_at wins over ttl;
// when neither is given the expiration is cleared.
func (s *KeyService) SetExpiration(ctx context.Context, id string, expiresAt *time.Time, ttl time.Duration) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	next, err := resolveExpiration(now, GenerateOptions{ExpiresAt: expiresAt, TTL: ttl}, 0)
	if err != nil {
		return err
	}
	updated := *rec
	updated.ExpiresAt = next
	return s.put(ctx, &updated)
}

// Delete removes the key entirely. Prefer Revoke for routine disabling;
// Delete erases the audit row too.
func (s *KeyService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.mu.Lock()
		delete(s.cache, id)
		s.mu.Unlock()
	}
	return nil
}

// Refresh reloads the mirror from the backend so out-of-band mutations in
// a shared store converge. No-op when the cache is disabled.
func (s *KeyService) Refresh(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	recs, err := s.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	next := make(map[string]*gateway.KeyRecord, len(recs))
	for _, rec := range recs {
		next[rec.ID] = rec
	}
	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()
	return nil
}

// EnsureBootstrap mints a first key when the store is empty so a fresh
// managed deployment is usable. The bearer is logged once; it cannot be
// recovered afterwards. The expiration requirement does not apply to the
// bootstrap key, the default TTL does.
func (s *KeyService) EnsureBootstrap(ctx context.Context) (string, error) {
	recs, err := s.store.ListKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("list keys: %w", err)
	}
	if len(recs) > 0 {
		return "", nil
	}
	info, bearer, err := s.generate(ctx, GenerateOptions{Label: "bootstrap"}, false)
	if err != nil {
		return "", fmt.Errorf("mint bootstrap key: %w", err)
	}
	slog.Warn("minted bootstrap api key, shown only this once", "id", info.ID, "bearer", bearer)
	return bearer, nil
}

// lookup resolves one record, read-through on cache miss so keys minted by
// another replica are usable before the next refresh.
func (s *KeyService) lookup(ctx context.Context, id string) (*gateway.KeyRecord, error) {
	if s.cache != nil {
		s.mu.RLock()
		rec, ok := s.cache[id]
		s.mu.RUnlock()
		if ok {
			return rec, nil
		}
	}
	rec, err := s.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.mu.Lock()
		s.cache[id] = rec
		s.mu.Unlock()
	}
	return rec, nil
}

// put writes the backend first; the mirror is updated only on success.
func (s *KeyService) put(ctx context.Context, rec *gateway.KeyRecord) error {
	if err := s.store.PutKey(ctx, rec); err != nil {
		return err
	}
	if s.cache != nil {
		s.mu.Lock()
		s.cache[rec.ID] = rec
		s.mu.Unlock()
	}
	return nil
}

// records returns all key records, newest first, from the mirror when
// enabled and the backend otherwise.
func (s *KeyService) records(ctx context.Context) ([]*gateway.KeyRecord, error) {
	if s.cache == nil {
		return s.store.ListKeys(ctx)
	}
	s.mu.RLock()
	out := make([]*gateway.KeyRecord, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
