package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/repo"
)

// AuditEventRepo archives audit events in Postgres. Emit is the audit.Sink
// write path; query columns are denormalized from the event, with the full
// canonical JSON preserved in event_json.
type AuditEventRepo struct {
	store *Store
}

const insertAuditEvent = `
    INSERT INTO audit_events (event_id, tenant_id, occurred_at, actor_id, event_type,
        severity, resource_type, resource_id, request_id, summary, event_json)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (r *AuditEventRepo) Emit(ctx context.Context, e *audit.Event) error {
	line, err := canonjson.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: encode audit event: %w", err)
	}
	return r.store.WithTenantTx(ctx, e.TenantID, func(tx *sql.Tx) error {
		return execInsertAuditEvent(ctx, tx, e, line)
	})
}

func (r *AuditEventRepo) List(ctx context.Context, tenantID string, page repo.Page) ([]*audit.Event, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*audit.Event
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT event_json FROM audit_events WHERE tenant_id = $1`
		args := []any{tenantID}
		if !page.Cursor.IsZero() {
			query += ` AND occurred_at < $2`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY occurred_at DESC, event_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return collectAuditEvents(rows, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *AuditEventRepo) Query(ctx context.Context, tenantID string, from, to time.Time) ([]*audit.Event, error) {
	var out []*audit.Event
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT event_json FROM audit_events
            WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
            ORDER BY occurred_at ASC, event_id ASC`,
			tenantID, from, to,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		return collectAuditEvents(rows, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectAuditEvents(rows *sql.Rows, out *[]*audit.Event) error {
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var e audit.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("postgres: corrupt audit event: %w", err)
		}
		*out = append(*out, &e)
	}
	return rows.Err()
}

func execInsertAuditEvent(ctx context.Context, tx *sql.Tx, e *audit.Event, line []byte) error {
	_, err := tx.ExecContext(ctx, insertAuditEvent,
		e.EventID, e.TenantID, e.OccurredAt.UTC(), e.Actor.ActorID, e.EventType,
		string(e.Severity), e.Resource.ResourceType, e.Resource.ResourceID,
		e.Request.RequestID, e.Summary, line,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit event: %w", err)
	}
	return nil
}

// TxSink emits audit events into an already-open transaction. Services that
// mutate and audit atomically pass the mutation's own tx; commit then makes
// the row change and its audit record durable together, and a rollback
// drops both.
type TxSink struct {
	tx *sql.Tx
}

// NewTxSink binds a sink to tx. The sink is only valid for the life of the
// transaction.
func NewTxSink(tx *sql.Tx) *TxSink {
	return &TxSink{tx: tx}
}

func (s *TxSink) Emit(ctx context.Context, e *audit.Event) error {
	line, err := canonjson.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: encode audit event: %w", err)
	}
	return execInsertAuditEvent(ctx, s.tx, e, line)
}
