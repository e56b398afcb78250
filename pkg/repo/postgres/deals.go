package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
)

// DealRepo implements repo.DealRepo on Postgres.
type DealRepo struct {
	store *Store
}

func (r *DealRepo) Create(ctx context.Context, d *domain.Deal) error {
	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	return r.store.WithTenantTx(ctx, d.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO deals (deal_id, tenant_id, company_name, stage, status, tags, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.DealID, d.TenantID, d.CompanyName, string(d.Stage), d.Status, tags, d.CreatedAt, d.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *DealRepo) Get(ctx context.Context, tenantID, dealID string) (*domain.Deal, error) {
	var d domain.Deal
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT deal_id, tenant_id, company_name, stage, status, tags, created_at, updated_at
            FROM deals WHERE tenant_id = $1 AND deal_id = $2`,
			tenantID, domain.NormalizeID(dealID),
		)
		return scanDeal(row, &d)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (r *DealRepo) Update(ctx context.Context, d *domain.Deal) error {
	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	return r.store.WithTenantTx(ctx, d.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE deals SET company_name = $3, stage = $4, status = $5, tags = $6, updated_at = $7
            WHERE tenant_id = $1 AND deal_id = $2`,
			d.TenantID, d.DealID, d.CompanyName, string(d.Stage), d.Status, tags, d.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *DealRepo) List(ctx context.Context, tenantID string, page repo.Page) ([]*domain.Deal, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.Deal
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `
            SELECT deal_id, tenant_id, company_name, stage, status, tags, created_at, updated_at
            FROM deals WHERE tenant_id = $1`
		args := []any{tenantID}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $2`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, deal_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d domain.Deal
			if err := scanDeal(rows, &d); err != nil {
				return err
			}
			out = append(out, &d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DealRepo) Delete(ctx context.Context, tenantID, dealID string) error {
	return r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM deals WHERE tenant_id = $1 AND deal_id = $2`,
			tenantID, domain.NormalizeID(dealID),
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// scanner is the shared subset of sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(s scanner, d *domain.Deal) error {
	var stage string
	var tags []byte
	if err := s.Scan(&d.DealID, &d.TenantID, &d.CompanyName, &stage, &d.Status, &tags, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return err
	}
	d.Stage = domain.DealStage(stage)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &d.Tags); err != nil {
			return fmt.Errorf("postgres: corrupt deal tags: %w", err)
		}
	}
	return nil
}

// requireRow converts a zero-row mutation into the uniform miss.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// DocumentRepo implements repo.DocumentRepo on Postgres.
type DocumentRepo struct {
	store *Store
}

func (r *DocumentRepo) Create(ctx context.Context, d *domain.Document) error {
	return r.store.WithTenantTx(ctx, d.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO documents (document_id, tenant_id, deal_id, name, doc_type, version, content_hash, uploaded_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.DocumentID, d.TenantID, d.DealID, d.Name, string(d.Type), d.Version, d.ContentHash, d.UploadedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *DocumentRepo) Get(ctx context.Context, tenantID, documentID string) (*domain.Document, error) {
	var d domain.Document
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		var docType string
		err := tx.QueryRowContext(ctx, `
            SELECT document_id, tenant_id, deal_id, name, doc_type, version, content_hash, uploaded_at
            FROM documents WHERE tenant_id = $1 AND document_id = $2`,
			tenantID, domain.NormalizeID(documentID),
		).Scan(&d.DocumentID, &d.TenantID, &d.DealID, &d.Name, &docType, &d.Version, &d.ContentHash, &d.UploadedAt)
		if err != nil {
			return err
		}
		d.Type = domain.DocumentType(docType)
		return nil
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (r *DocumentRepo) ListByDeal(ctx context.Context, tenantID, dealID string) ([]*domain.Document, error) {
	var out []*domain.Document
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT document_id, tenant_id, deal_id, name, doc_type, version, content_hash, uploaded_at
            FROM documents WHERE tenant_id = $1 AND deal_id = $2 ORDER BY document_id ASC`,
			tenantID, domain.NormalizeID(dealID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d domain.Document
			var docType string
			if err := rows.Scan(&d.DocumentID, &d.TenantID, &d.DealID, &d.Name, &docType, &d.Version, &d.ContentHash, &d.UploadedAt); err != nil {
				return err
			}
			d.Type = domain.DocumentType(docType)
			out = append(out, &d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DocumentRepo) CreateSpan(ctx context.Context, s *domain.Span) error {
	locator, err := json.Marshal(s.Locator)
	if err != nil {
		return fmt.Errorf("postgres: marshal locator: %w", err)
	}
	return r.store.WithTenantTx(ctx, s.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO spans (span_id, tenant_id, document_id, span_type, locator, text_excerpt, content_hash)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.SpanID, s.TenantID, s.DocumentID, string(s.SpanType), locator, s.TextExcerpt, s.ContentHash,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *DocumentRepo) GetSpan(ctx context.Context, tenantID, spanID string) (*domain.Span, error) {
	var s domain.Span
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		var spanType string
		var locator []byte
		err := tx.QueryRowContext(ctx, `
            SELECT span_id, tenant_id, document_id, span_type, locator, text_excerpt, content_hash
            FROM spans WHERE tenant_id = $1 AND span_id = $2`,
			tenantID, domain.NormalizeID(spanID),
		).Scan(&s.SpanID, &s.TenantID, &s.DocumentID, &spanType, &locator, &s.TextExcerpt, &s.ContentHash)
		if err != nil {
			return err
		}
		s.SpanType = domain.SpanType(spanType)
		return json.Unmarshal(locator, &s.Locator)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &s, nil
}

func (r *DocumentRepo) ListSpans(ctx context.Context, tenantID, documentID string) ([]*domain.Span, error) {
	var out []*domain.Span
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT span_id, tenant_id, document_id, span_type, locator, text_excerpt, content_hash
            FROM spans WHERE tenant_id = $1 AND document_id = $2 ORDER BY span_id ASC`,
			tenantID, domain.NormalizeID(documentID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s domain.Span
			var spanType string
			var locator []byte
			if err := rows.Scan(&s.SpanID, &s.TenantID, &s.DocumentID, &spanType, &locator, &s.TextExcerpt, &s.ContentHash); err != nil {
				return err
			}
			s.SpanType = domain.SpanType(spanType)
			if err := json.Unmarshal(locator, &s.Locator); err != nil {
				return fmt.Errorf("postgres: corrupt span locator: %w", err)
			}
			out = append(out, &s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
