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

// ConnectionByID fetches a connection without ownership scoping; the data
// plane uses it after the key join already proved tenancy.
func (s *Store) ConnectionByID(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := s.db.GetContext(ctx, &c, `SELECT * FROM sap_connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("connection by id: %w", err)
	}
	return &c, nil
}

// ConnectionForUser fetches a connection its owner may mutate.
func (s *Store) ConnectionForUser(ctx context.Context, id, userID, tenantID string) (*Connection, error) {
	var c Connection
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM sap_connections WHERE id = $1 AND user_id = $2 AND tenant_id = $3`,
		id, userID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("connection for user: %w", err)
	}
	return &c, nil
}

// ListConnections returns a tenant's connections, newest first.
func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	var out []Connection
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sap_connections WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return out, nil
}

// CreateConnection persists a new upstream. Secrets arrive already encrypted.
func (s *Store) CreateConnection(ctx context.Context, c *Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
INSERT INTO sap_connections
	(id, user_id, tenant_id, name, sap_base_url, token_url, client_id, client_secret_enc, agent_api_url, agent_api_key_enc, active)
VALUES
	(:id, :user_id, :tenant_id, :name, :sap_base_url, :token_url, :client_id, :client_secret_enc, :agent_api_url, :agent_api_key_enc, TRUE)`
	if _, err := s.db.NamedExecContext(ctx, q, c); err != nil {
		if uniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

// UpdateConnection rewrites the mutable attributes, owner-scoped.
func (s *Store) UpdateConnection(ctx context.Context, c *Connection) error {
	const q = `
UPDATE sap_connections SET
	name = :name,
	sap_base_url = :sap_base_url,
	token_url = :token_url,
	client_id = :client_id,
	client_secret_enc = :client_secret_enc,
	agent_api_url = :agent_api_url,
	agent_api_key_enc = :agent_api_key_enc,
	updated_at = now()
WHERE id = :id AND user_id = :user_id AND tenant_id = :tenant_id`
	res, err := s.db.NamedExecContext(ctx, q, c)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	return oneRowOr(res, ErrNotFound)
}

// DeactivateConnection soft-deletes: tokens pointing at it stop authorizing
// (CONN_DEACTIVATED) but history stays.
func (s *Store) DeactivateConnection(ctx context.Context, id, userID, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sap_connections SET active = FALSE, updated_at = now() WHERE id = $1 AND user_id = $2 AND tenant_id = $3`,
		id, userID, tenantID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return oneRowOr(res, ErrNotFound)
}

// UpsertAssignments links definitions to a connection. Existing links are
// kept (unique pair), new ones are added.
func (s *Store) UpsertAssignments(ctx context.Context, connectionID string, definitionIDs []string) error {
	if len(definitionIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignments: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	const q = `
INSERT INTO connection_api_assignments (id, connection_id, api_definition_id)
VALUES ($1, $2, $3)
ON CONFLICT (connection_id, api_definition_id) DO NOTHING`
	for _, defID := range definitionIDs {
		if _, err := tx.ExecContext(ctx, q, uuid.NewString(), connectionID, defID); err != nil {
			return fmt.Errorf("assign definition %s: %w", defID, err)
		}
	}
	return tx.Commit()
}

// AssignedSlugs lists the definition slugs assigned to a connection.
func (s *Store) AssignedSlugs(ctx context.Context, connectionID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
SELECT d.slug
FROM connection_api_assignments a
JOIN api_definitions d ON d.id = a.api_definition_id
WHERE a.connection_id = $1
ORDER BY d.slug`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("assigned slugs: %w", err)
	}
	return out, nil
}
