// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// authQuery is the single round-trip of the authentication hot path: token,
// connection and tenant activity in one row, keyed by the key hash.
const authQuery = `
SELECT
	t.id            AS "token.id",
	t.user_id       AS "token.user_id",
	t.tenant_id     AS "token.tenant_id",
	t.connection_id AS "token.connection_id",
	t.token_hash    AS "token.token_hash",
	t.token_prefix  AS "token.token_prefix",
	t.label         AS "token.label",
	t.active        AS "token.active",
	t.expires_at    AS "token.expires_at",
	t.last_used_at  AS "token.last_used_at",
	t.request_count AS "token.request_count",
	t.created_at    AS "token.created_at",
	c.id                AS "conn.id",
	c.user_id           AS "conn.user_id",
	c.tenant_id         AS "conn.tenant_id",
	c.name              AS "conn.name",
	c.sap_base_url      AS "conn.sap_base_url",
	c.token_url         AS "conn.token_url",
	c.client_id         AS "conn.client_id",
	c.client_secret_enc AS "conn.client_secret_enc",
	c.agent_api_url     AS "conn.agent_api_url",
	c.agent_api_key_enc AS "conn.agent_api_key_enc",
	c.active            AS "conn.active",
	c.created_at        AS "conn.created_at",
	c.updated_at        AS "conn.updated_at",
	tn.active AS tenant_active
FROM api_tokens t
JOIN sap_connections c ON c.id = t.connection_id
JOIN tenants tn ON tn.id = t.tenant_id
WHERE t.token_hash = $1`

// LookupAPIKey fetches the authentication row for a key hash.
// ErrNotFound means no such key.
func (s *Store) LookupAPIKey(ctx context.Context, tokenHash string) (*AuthRow, error) {
	var row AuthRow
	if err := s.db.GetContext(ctx, &row, authQuery, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &row, nil
}

// TouchAPIKey records one use of a key. Called fire-and-forget after
// authentication; failures are the caller's to log, never to surface.
func (s *Store) TouchAPIKey(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = now(), request_count = request_count + 1 WHERE id = $1`,
		tokenID)
	return err
}

// CreateToken persists a freshly minted key. The caller holds the plaintext;
// only hash and display prefix arrive here.
func (s *Store) CreateToken(ctx context.Context, t *APIToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	const q = `
INSERT INTO api_tokens (id, user_id, tenant_id, connection_id, token_hash, token_prefix, label, active, expires_at)
VALUES (:id, :user_id, :tenant_id, :connection_id, :token_hash, :token_prefix, :label, TRUE, :expires_at)`
	if _, err := s.db.NamedExecContext(ctx, q, t); err != nil {
		if uniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// ListTokens returns a tenant's keys, newest first.
func (s *Store) ListTokens(ctx context.Context, tenantID string) ([]APIToken, error) {
	var out []APIToken
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM api_tokens WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return out, nil
}

// DeactivateToken turns a key off without deleting its usage history.
func (s *Store) DeactivateToken(ctx context.Context, id, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET active = FALSE WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	return oneRowOr(res, ErrNotFound)
}
