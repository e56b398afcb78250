// Package postgres implements the repo interfaces on PostgreSQL.
//
// Tenant isolation is enforced twice: every statement runs inside a
// transaction that applies SET LOCAL idis.tenant_id (row-level security
// policies filter on it), and every query still carries an explicit
// tenant_id predicate. Either layer alone would suffice; together a
// forgotten predicate cannot widen a read.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mizan-labs/idis/pkg/repo"
)

// Store owns the connection pool and hands out tenant-scoped transactions.
type Store struct {
	db *sql.DB
}

// Open connects to the database. The caller owns closing the returned
// Store via Close.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (tests inject sqlmock here).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw pool for schema migration only.
func (s *Store) DB() *sql.DB { return s.db }

// WithTenantTx runs fn inside a transaction whose connection carries the
// tenant RLS setting. Every repository method and every transactional audit
// write goes through here.
func (s *Store) WithTenantTx(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	if tenantID == "" {
		return fmt.Errorf("postgres: empty tenant_id (fail-closed)")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// set_config with is_local=true is SET LOCAL: the setting dies with the
	// transaction, so pooled connections never leak a tenant.
	if _, err := tx.ExecContext(ctx, `SELECT set_config('idis.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("postgres: set tenant: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// NewStores returns the full repository set backed by this store.
func (s *Store) NewStores() *repo.Stores {
	return &repo.Stores{
		Deals:      &DealRepo{store: s},
		Documents:  &DocumentRepo{store: s},
		Claims:     &ClaimRepo{store: s},
		Evidence:   &EvidenceRepo{store: s},
		Sanads:     &SanadRepo{store: s},
		Defects:    &DefectRepo{store: s},
		Calcs:      &CalcRepo{store: s},
		Runs:       &RunRepo{store: s},
		HumanGates: &HumanGateRepo{store: s},
		AuditLog:   &AuditEventRepo{store: s},
	}
}

// mapNoRows converts sql.ErrNoRows into the uniform repo miss.
func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	// lib/pq error code 23505.
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
