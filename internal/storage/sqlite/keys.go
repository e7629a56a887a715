package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/labiium/routiium/internal"
)

// PutKey inserts or replaces a key record.
func (s *Store) PutKey(ctx context.Context, key *gateway.KeyRecord) error {
	scopes, err := marshalJSON(key.Scopes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, secret_digest, salt, label, scopes, created_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 secret_digest=excluded.secret_digest, salt=excluded.salt, label=excluded.label,
		 scopes=excluded.scopes, created_at=excluded.created_at,
		 expires_at=excluded.expires_at, revoked_at=excluded.revoked_at`,
		key.ID, key.SecretDigest, key.Salt, key.Label, scopes,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.ExpiresAt), timeToStr(key.RevokedAt),
	)
	return err
}

// GetKey retrieves a key record by id.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.KeyRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, secret_digest, salt, label, scopes, created_at, expires_at, revoked_at
		 FROM api_keys WHERE id = ?`, id,
	)
	return scanKey(row)
}

// ListKeys returns all key records, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.KeyRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, secret_digest, salt, label, scopes, created_at, expires_at, revoked_at
		 FROM api_keys ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey removes a key record.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*gateway.KeyRecord, error) {
	var k gateway.KeyRecord
	var scopesJSON sql.NullString
	var createdAt string
	var expiresAt, revokedAt sql.NullString

	err := s.Scan(&k.ID, &k.SecretDigest, &k.Salt, &k.Label, &scopesJSON, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	scopes, err := unmarshalStringSlice(scopesJSON)
	if err != nil {
		return nil, err
	}
	k.Scopes = scopes
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		k.CreatedAt = t
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.RevokedAt = parseTime(revokedAt)
	return &k, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
