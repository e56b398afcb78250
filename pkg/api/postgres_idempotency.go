package api

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// IdempotencySchema creates the durable replay-capture table. The server
// applies it at startup alongside the repository schema.
const IdempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    tenant_id   TEXT        NOT NULL,
    key         TEXT        NOT NULL,
    status_code INTEGER     NOT NULL,
    body        BYTEA,
    body_hash   TEXT        NOT NULL,
    stored_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, key)
);
`

// PostgresIdempotencyStore makes replay capture survive restarts. Store
// failures degrade to a miss on read and a warning on write: idempotency
// protects against duplicate work, and refusing a first request because its
// capture failed would invert that.
type PostgresIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// NewPostgresIdempotencyStore builds the durable store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration, logger *slog.Logger) *PostgresIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl, logger: logger, clock: time.Now}
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, tenantID, key string) (*CachedResponse, bool) {
	var resp CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, body_hash, stored_at FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`,
		tenantID, key,
	).Scan(&resp.Status, &resp.Body, &resp.BodyHash, &resp.StoredAt)
	if err != nil {
		return nil, false
	}
	if s.clock().Sub(resp.StoredAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, tenantID, key)
		return nil, false
	}
	return &resp, true
}

func (s *PostgresIdempotencyStore) Put(ctx context.Context, tenantID, key string, resp *CachedResponse) {
	// First capture wins: a concurrent duplicate must replay the original
	// response, never overwrite it.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, key, status_code, body, body_hash, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, key) DO NOTHING`,
		tenantID, key, resp.Status, resp.Body, resp.BodyHash, s.clock().UTC(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency capture failed", "tenant_id", tenantID, "error", err)
	}
}

// Cleanup deletes entries older than the TTL. The server runs it on a
// ticker.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE stored_at < $1`,
		s.clock().UTC().Add(-s.ttl),
	)
	return err
}
