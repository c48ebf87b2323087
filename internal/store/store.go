// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package store is the PostgreSQL persistence layer. Queries go through a
// bounded sqlx pool over the pgx stdlib driver; JSON-shaped attributes live
// in jsonb columns scanned by the wrapper types in models.go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
)

// Sentinel errors mapped onto HTTP statuses by the handlers.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store wraps the database pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to dsn and verifies the connection. The pool is bounded: the
// gateway's concurrency comes from upstream fan-out, not from the database.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing pool; tests hand in a sqlmock-backed one.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability; the admin health endpoint calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SeedTenants bootstraps the two stable tenants. Idempotent.
func (s *Store) SeedTenants(ctx context.Context) error {
	const q = `INSERT INTO tenants (id, name, active) VALUES ($1, $2, TRUE) ON CONFLICT (id) DO NOTHING`
	for _, t := range []struct{ id, name string }{
		{PlatformTenantID, "Platform"},
		{DefaultTenantID, "Default"},
	} {
		if _, err := s.db.ExecContext(ctx, q, t.id, t.name); err != nil {
			return fmt.Errorf("seed tenant %s: %w", t.name, err)
		}
	}
	return nil
}

// DeactivateTenant disables a tenant. The platform tenant is protected.
func (s *Store) DeactivateTenant(ctx context.Context, id string) error {
	if id == PlatformTenantID {
		return fmt.Errorf("platform tenant cannot be deactivated")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

// oneRowOr converts a zero-row write into missing.
func oneRowOr(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// uniqueViolation reports whether err is a Postgres unique-constraint error.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
