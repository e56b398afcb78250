package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mizan-labs/idis/pkg/canonjson"
)

// SQLiteSink archives audit events into an embedded database. The lite
// single-node mode uses it in place of the Postgres archive; the schema
// mirrors the JSONL layout with the full canonical event preserved.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink migrates the events table and returns the sink.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteSink opens the database at path and migrates it.
func OpenSQLiteSink(path string) (*SQLiteSink, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: open sqlite %s: %w", path, err)
	}
	sink, err := NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sink, db, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        event_id TEXT PRIMARY KEY,
        occurred_at DATETIME NOT NULL,
        tenant_id TEXT NOT NULL,
        actor_id TEXT NOT NULL,
        event_type TEXT NOT NULL,
        severity TEXT NOT NULL,
        resource_type TEXT NOT NULL,
        resource_id TEXT NOT NULL,
        request_id TEXT NOT NULL,
        summary TEXT NOT NULL,
        event_json TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_events (tenant_id, occurred_at);
    CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events (tenant_id, event_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Emit(ctx context.Context, e *Event) error {
	line, err := canonjson.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	query := `INSERT INTO audit_events (
        event_id, occurred_at, tenant_id, actor_id, event_type, severity,
        resource_type, resource_id, request_id, summary, event_json
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		e.EventID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.TenantID,
		e.Actor.ActorID,
		e.EventType,
		string(e.Severity),
		e.Resource.ResourceType,
		e.Resource.ResourceID,
		e.Request.RequestID,
		e.Summary,
		string(line),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// CountByTenant returns the number of archived events for a tenant. The
// lite-mode dashboard uses it.
func (s *SQLiteSink) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count events: %w", err)
	}
	return n, nil
}
