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

// UseCaseBySlug fetches one active use-case template.
func (s *Store) UseCaseBySlug(ctx context.Context, tenantID, slug string) (*UseCase, error) {
	var u UseCase
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM use_cases WHERE tenant_id = $1 AND slug = $2 AND active = TRUE`,
		tenantID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("use case by slug: %w", err)
	}
	return &u, nil
}

// ListUseCases returns a tenant's templates.
func (s *Store) ListUseCases(ctx context.Context, tenantID string) ([]UseCase, error) {
	var out []UseCase
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM use_cases WHERE tenant_id = $1 AND active = TRUE ORDER BY slug`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list use cases: %w", err)
	}
	return out, nil
}

// CreateUseCase stores a template. Slug is unique per tenant.
func (s *Store) CreateUseCase(ctx context.Context, u *UseCase) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const q = `
INSERT INTO use_cases (id, tenant_id, slug, title, slugs, required_context, context_defaults, overrides, active)
VALUES (:id, :tenant_id, :slug, :title, :slugs, :required_context, :context_defaults, :overrides, TRUE)`
	if _, err := s.db.NamedExecContext(ctx, q, u); err != nil {
		if uniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create use case: %w", err)
	}
	return nil
}
