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
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DefinitionBySlug fetches one active definition.
func (s *Store) DefinitionBySlug(ctx context.Context, tenantID, slug string) (*Definition, error) {
	var d Definition
	err := s.db.GetContext(ctx, &d,
		`SELECT * FROM api_definitions WHERE tenant_id = $1 AND slug = $2 AND active = TRUE`,
		tenantID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("definition by slug: %w", err)
	}
	return &d, nil
}

// DefinitionsBySlugs fetches every active definition named in slugs with one
// query. Absent slugs are simply absent from the result; callers decide
// whether that is a warning or an error.
func (s *Store) DefinitionsBySlugs(ctx context.Context, tenantID string, slugs []string) (map[string]*Definition, error) {
	if len(slugs) == 0 {
		return map[string]*Definition{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM api_definitions WHERE tenant_id = ? AND active = TRUE AND slug IN (?)`,
		tenantID, slugs)
	if err != nil {
		return nil, fmt.Errorf("definitions by slugs: %w", err)
	}
	var defs []Definition
	if err := s.db.SelectContext(ctx, &defs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("definitions by slugs: %w", err)
	}
	out := make(map[string]*Definition, len(defs))
	for i := range defs {
		out[defs[i].Slug] = &defs[i]
	}
	return out, nil
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	// Query is matched with ILIKE against name, slug and path.
	Query string
	// Tags keeps definitions carrying at least one of these tags.
	Tags []string
	// Limit/Offset paginate; Limit is clamped to 200.
	Limit  int
	Offset int
}

// ListDefinitions pages through a tenant's active definitions.
func (s *Store) ListDefinitions(ctx context.Context, tenantID string, f DefinitionFilter) ([]Definition, int, error) {
	where := `WHERE tenant_id = $1 AND active = TRUE`
	args := []any{tenantID}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		n := len(args)
		where += fmt.Sprintf(` AND (name ILIKE $%d OR slug ILIKE $%d OR path ILIKE $%d)`, n, n, n)
	}
	if len(f.Tags) > 0 {
		ph := make([]string, len(f.Tags))
		for i, tag := range f.Tags {
			args = append(args, tag)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where += fmt.Sprintf(` AND jsonb_exists_any(tags, ARRAY[%s])`, strings.Join(ph, ", "))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM api_definitions `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count definitions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT * FROM api_definitions %s ORDER BY slug LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	var out []Definition
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list definitions: %w", err)
	}
	return out, total, nil
}

// ImportDefinitions bulk-inserts definitions, skipping slugs the tenant
// already has (conflict-do-nothing). Returns how many rows were inserted.
func (s *Store) ImportDefinitions(ctx context.Context, defs []Definition) (int, error) {
	if len(defs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO api_definitions
	(id, tenant_id, slug, name, method, path, query_params, request_headers, request_body,
	 response_schema, provides, depends_on, response_fields, tags, version, active)
VALUES
	(:id, :tenant_id, :slug, :name, :method, :path, :query_params, :request_headers, :request_body,
	 :response_schema, :provides, :depends_on, :response_fields, :tags, 1, TRUE)
ON CONFLICT (tenant_id, slug) DO NOTHING`

	inserted := 0
	for i := range defs {
		d := &defs[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		res, err := tx.NamedExecContext(ctx, q, d)
		if err != nil {
			return 0, fmt.Errorf("import definition %s: %w", d.Slug, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return inserted, nil
}

// UpdateDefinition snapshots the current row into the versions table, then
// rewrites it with a bumped version, in one transaction.
func (s *Store) UpdateDefinition(ctx context.Context, d *Definition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update definition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const snapshot = `
INSERT INTO api_definition_versions (id, definition_id, version, payload)
SELECT $1, id, version, to_jsonb(api_definitions.*) FROM api_definitions WHERE id = $2`
	if _, err := tx.ExecContext(ctx, snapshot, uuid.NewString(), d.ID); err != nil {
		return fmt.Errorf("snapshot definition: %w", err)
	}

	const update = `
UPDATE api_definitions SET
	name = :name,
	method = :method,
	path = :path,
	query_params = :query_params,
	request_headers = :request_headers,
	request_body = :request_body,
	response_schema = :response_schema,
	provides = :provides,
	depends_on = :depends_on,
	response_fields = :response_fields,
	tags = :tags,
	version = version + 1,
	updated_at = now()
WHERE id = :id AND tenant_id = :tenant_id`
	res, err := tx.NamedExecContext(ctx, update, d)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	if err := oneRowOr(res, ErrNotFound); err != nil {
		return err
	}
	return tx.Commit()
}
