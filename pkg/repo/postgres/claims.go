package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/values"
)

// ClaimRepo implements repo.ClaimRepo on Postgres. Decimal columns are TEXT;
// values round-trip through decimal.NewFromString so no float ever enters.
type ClaimRepo struct {
	store *Store
}

const claimColumns = `claim_id, tenant_id, deal_id, claim_class, claim_text, value,
    claim_grade, claim_verdict, claim_action, materiality, is_factual, is_subjective,
    primary_span_id, evidence_ids, calculation_ids, extraction_confidence, dhabt_score,
    created_at, updated_at`

func (r *ClaimRepo) Create(ctx context.Context, c *domain.Claim) error {
	value, evidenceIDs, calcIDs, err := marshalClaimJSON(c)
	if err != nil {
		return err
	}
	return r.store.WithTenantTx(ctx, c.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO claims (`+claimColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			c.ClaimID, c.TenantID, c.DealID, string(c.Class), c.Text, value,
			string(c.Grade), string(c.Verdict), string(c.Action), string(c.Materiality),
			c.IsFactual, c.IsSubjective, c.PrimarySpanID, evidenceIDs, calcIDs,
			c.ExtractionConfidence.String(), c.DhabtScore.String(), c.CreatedAt, c.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *ClaimRepo) Get(ctx context.Context, tenantID, claimID string) (*domain.Claim, error) {
	var c domain.Claim
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT `+claimColumns+` FROM claims WHERE tenant_id = $1 AND claim_id = $2`,
			tenantID, domain.NormalizeID(claimID),
		)
		return scanClaim(row, &c)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func (r *ClaimRepo) Update(ctx context.Context, c *domain.Claim) error {
	value, evidenceIDs, calcIDs, err := marshalClaimJSON(c)
	if err != nil {
		return err
	}
	return r.store.WithTenantTx(ctx, c.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE claims SET claim_class = $3, claim_text = $4, value = $5,
                claim_grade = $6, claim_verdict = $7, claim_action = $8, materiality = $9,
                is_factual = $10, is_subjective = $11, primary_span_id = $12,
                evidence_ids = $13, calculation_ids = $14,
                extraction_confidence = $15, dhabt_score = $16, updated_at = $17
            WHERE tenant_id = $1 AND claim_id = $2`,
			c.TenantID, c.ClaimID, string(c.Class), c.Text, value,
			string(c.Grade), string(c.Verdict), string(c.Action), string(c.Materiality),
			c.IsFactual, c.IsSubjective, c.PrimarySpanID, evidenceIDs, calcIDs,
			c.ExtractionConfidence.String(), c.DhabtScore.String(), c.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *ClaimRepo) ListByDeal(ctx context.Context, tenantID, dealID string, page repo.Page) ([]*domain.Claim, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.Claim
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT ` + claimColumns + ` FROM claims WHERE tenant_id = $1 AND deal_id = $2`
		args := []any{tenantID, domain.NormalizeID(dealID)}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $3`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, claim_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c domain.Claim
			if err := scanClaim(rows, &c); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ClaimRepo) ResolveDealID(ctx context.Context, tenantID, claimID string) (string, error) {
	var dealID string
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT deal_id FROM claims WHERE tenant_id = $1 AND claim_id = $2`,
			tenantID, domain.NormalizeID(claimID),
		).Scan(&dealID)
	})
	if err != nil {
		return "", mapNoRows(err)
	}
	return dealID, nil
}

func marshalClaimJSON(c *domain.Claim) (value, evidenceIDs, calcIDs []byte, err error) {
	if c.Value != nil {
		if value, err = json.Marshal(c.Value); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: marshal claim value: %w", err)
		}
	}
	if evidenceIDs, err = json.Marshal(emptyIfNil(c.EvidenceIDs)); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: marshal evidence_ids: %w", err)
	}
	if calcIDs, err = json.Marshal(emptyIfNil(c.CalculationIDs)); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: marshal calculation_ids: %w", err)
	}
	return value, evidenceIDs, calcIDs, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanClaim(s scanner, c *domain.Claim) error {
	var class, grade, verdict, action, materiality, confidence, dhabt string
	var value, evidenceIDs, calcIDs []byte
	err := s.Scan(&c.ClaimID, &c.TenantID, &c.DealID, &class, &c.Text, &value,
		&grade, &verdict, &action, &materiality, &c.IsFactual, &c.IsSubjective,
		&c.PrimarySpanID, &evidenceIDs, &calcIDs, &confidence, &dhabt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	c.Class = domain.ClaimClass(class)
	c.Grade = domain.Grade(grade)
	c.Verdict = domain.ClaimVerdict(verdict)
	c.Action = domain.ClaimAction(action)
	c.Materiality = domain.Materiality(materiality)

	if len(value) > 0 {
		var v values.ValueStruct
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("postgres: corrupt claim value: %w", err)
		}
		c.Value = &v
	}
	if err := json.Unmarshal(evidenceIDs, &c.EvidenceIDs); err != nil {
		return fmt.Errorf("postgres: corrupt evidence_ids: %w", err)
	}
	if err := json.Unmarshal(calcIDs, &c.CalculationIDs); err != nil {
		return fmt.Errorf("postgres: corrupt calculation_ids: %w", err)
	}
	if c.ExtractionConfidence, err = decimal.NewFromString(confidence); err != nil {
		return fmt.Errorf("postgres: corrupt extraction_confidence: %w", err)
	}
	if c.DhabtScore, err = decimal.NewFromString(dhabt); err != nil {
		return fmt.Errorf("postgres: corrupt dhabt_score: %w", err)
	}
	return nil
}

// EvidenceRepo implements repo.EvidenceRepo on Postgres.
type EvidenceRepo struct {
	store *Store
}

func (r *EvidenceRepo) Create(ctx context.Context, e *domain.Evidence) error {
	return r.store.WithTenantTx(ctx, e.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO evidence (evidence_id, tenant_id, claim_id, source_span_id, source_grade,
                source_system, upstream_origin_id, verification_status, self_serving, coi_disclosed, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.EvidenceID, e.TenantID, e.ClaimID, e.SourceSpanID, string(e.SourceGrade),
			e.SourceSystem, e.UpstreamOriginID, string(e.VerificationStatus), e.SelfServing, e.COIDisclosed, e.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *EvidenceRepo) Get(ctx context.Context, tenantID, evidenceID string) (*domain.Evidence, error) {
	var e domain.Evidence
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT evidence_id, tenant_id, claim_id, source_span_id, source_grade, source_system,
                upstream_origin_id, verification_status, self_serving, coi_disclosed, created_at
            FROM evidence WHERE tenant_id = $1 AND evidence_id = $2`,
			tenantID, domain.NormalizeID(evidenceID),
		)
		return scanEvidence(row, &e)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &e, nil
}

func (r *EvidenceRepo) ListByClaim(ctx context.Context, tenantID, claimID string) ([]*domain.Evidence, error) {
	var out []*domain.Evidence
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT evidence_id, tenant_id, claim_id, source_span_id, source_grade, source_system,
                upstream_origin_id, verification_status, self_serving, coi_disclosed, created_at
            FROM evidence WHERE tenant_id = $1 AND claim_id = $2 ORDER BY evidence_id ASC`,
			tenantID, domain.NormalizeID(claimID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e domain.Evidence
			if err := scanEvidence(rows, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanEvidence(s scanner, e *domain.Evidence) error {
	var grade, status string
	err := s.Scan(&e.EvidenceID, &e.TenantID, &e.ClaimID, &e.SourceSpanID, &grade,
		&e.SourceSystem, &e.UpstreamOriginID, &status, &e.SelfServing, &e.COIDisclosed, &e.CreatedAt)
	if err != nil {
		return err
	}
	e.SourceGrade = domain.Grade(grade)
	e.VerificationStatus = domain.VerificationStatus(status)
	return nil
}

// SanadRepo implements repo.SanadRepo on Postgres. The transmission chain is
// one JSONB column; chains are small and always read whole.
type SanadRepo struct {
	store *Store
}

const sanadColumns = `sanad_id, tenant_id, deal_id, claim_id, primary_evidence_id, nodes,
    grade, corroboration_level, independent_chain_count, grade_rationale, created_at, updated_at`

func (r *SanadRepo) Create(ctx context.Context, s *domain.Sanad) error {
	nodes, err := json.Marshal(s.Nodes)
	if err != nil {
		return fmt.Errorf("postgres: marshal sanad nodes: %w", err)
	}
	return r.store.WithTenantTx(ctx, s.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO sanads (`+sanadColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.SanadID, s.TenantID, s.DealID, s.ClaimID, s.PrimaryEvidenceID, nodes,
			string(s.Grade), string(s.CorroborationLevel), s.IndependentChainCount,
			s.GradeRationale, s.CreatedAt, s.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *SanadRepo) Get(ctx context.Context, tenantID, sanadID string) (*domain.Sanad, error) {
	var s domain.Sanad
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT `+sanadColumns+` FROM sanads WHERE tenant_id = $1 AND sanad_id = $2`,
			tenantID, domain.NormalizeID(sanadID),
		)
		return scanSanad(row, &s)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &s, nil
}

func (r *SanadRepo) Update(ctx context.Context, s *domain.Sanad) error {
	nodes, err := json.Marshal(s.Nodes)
	if err != nil {
		return fmt.Errorf("postgres: marshal sanad nodes: %w", err)
	}
	return r.store.WithTenantTx(ctx, s.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE sanads SET primary_evidence_id = $3, nodes = $4, grade = $5,
                corroboration_level = $6, independent_chain_count = $7, grade_rationale = $8, updated_at = $9
            WHERE tenant_id = $1 AND sanad_id = $2`,
			s.TenantID, s.SanadID, s.PrimaryEvidenceID, nodes, string(s.Grade),
			string(s.CorroborationLevel), s.IndependentChainCount, s.GradeRationale, s.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *SanadRepo) ListByDeal(ctx context.Context, tenantID, dealID string, page repo.Page) ([]*domain.Sanad, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.Sanad
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT ` + sanadColumns + ` FROM sanads WHERE tenant_id = $1 AND deal_id = $2`
		args := []any{tenantID, domain.NormalizeID(dealID)}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $3`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, sanad_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s domain.Sanad
			if err := scanSanad(rows, &s); err != nil {
				return err
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

func (r *SanadRepo) GetByClaim(ctx context.Context, tenantID, claimID string) (*domain.Sanad, error) {
	var s domain.Sanad
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT `+sanadColumns+` FROM sanads WHERE tenant_id = $1 AND claim_id = $2
            ORDER BY created_at DESC LIMIT 1`,
			tenantID, domain.NormalizeID(claimID),
		)
		return scanSanad(row, &s)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &s, nil
}

func scanSanad(sc scanner, s *domain.Sanad) error {
	var grade, level string
	var nodes []byte
	err := sc.Scan(&s.SanadID, &s.TenantID, &s.DealID, &s.ClaimID, &s.PrimaryEvidenceID, &nodes,
		&grade, &level, &s.IndependentChainCount, &s.GradeRationale, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return err
	}
	s.Grade = domain.Grade(grade)
	s.CorroborationLevel = domain.CorroborationLevel(level)
	if err := json.Unmarshal(nodes, &s.Nodes); err != nil {
		return fmt.Errorf("postgres: corrupt sanad nodes: %w", err)
	}
	return nil
}

// DefectRepo implements repo.DefectRepo on Postgres.
type DefectRepo struct {
	store *Store
}

const defectColumns = `defect_id, tenant_id, deal_id, sanad_id, claim_id, defect_type, severity,
    description, cure_protocol, status, resolved_by, resolved_reason, resolved_at, created_at`

func (r *DefectRepo) Create(ctx context.Context, d *domain.Defect) error {
	return r.store.WithTenantTx(ctx, d.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO defects (`+defectColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			d.DefectID, d.TenantID, d.DealID, d.SanadID, d.ClaimID, string(d.Type), string(d.Severity),
			d.Description, string(d.CureProtocol), string(d.Status),
			nullIfEmpty(d.ResolvedBy), nullIfEmpty(d.ResolvedReason), nullIfZero(d.ResolvedAt), d.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *DefectRepo) Get(ctx context.Context, tenantID, defectID string) (*domain.Defect, error) {
	var d domain.Defect
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT `+defectColumns+` FROM defects WHERE tenant_id = $1 AND defect_id = $2`,
			tenantID, domain.NormalizeID(defectID),
		)
		return scanDefect(row, &d)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (r *DefectRepo) Update(ctx context.Context, d *domain.Defect) error {
	return r.store.WithTenantTx(ctx, d.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE defects SET status = $3, resolved_by = $4, resolved_reason = $5, resolved_at = $6
            WHERE tenant_id = $1 AND defect_id = $2`,
			d.TenantID, d.DefectID, string(d.Status),
			nullIfEmpty(d.ResolvedBy), nullIfEmpty(d.ResolvedReason), nullIfZero(d.ResolvedAt),
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *DefectRepo) ListByDeal(ctx context.Context, tenantID, dealID string, page repo.Page) ([]*domain.Defect, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	return r.listDefects(ctx, tenantID, `deal_id`, domain.NormalizeID(dealID), page)
}

func (r *DefectRepo) ListBySanad(ctx context.Context, tenantID, sanadID string) ([]*domain.Defect, error) {
	return r.listDefects(ctx, tenantID, `sanad_id`, domain.NormalizeID(sanadID), repo.Page{Limit: repo.MaxPageLimit})
}

func (r *DefectRepo) listDefects(ctx context.Context, tenantID, column, id string, page repo.Page) ([]*domain.Defect, error) {
	var out []*domain.Defect
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT ` + defectColumns + ` FROM defects WHERE tenant_id = $1 AND ` + column + ` = $2`
		args := []any{tenantID, id}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $3`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, defect_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d domain.Defect
			if err := scanDefect(rows, &d); err != nil {
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

func scanDefect(s scanner, d *domain.Defect) error {
	var defectType, severity, cure, status string
	var resolvedBy, resolvedReason sql.NullString
	var resolvedAt sql.NullTime
	err := s.Scan(&d.DefectID, &d.TenantID, &d.DealID, &d.SanadID, &d.ClaimID, &defectType, &severity,
		&d.Description, &cure, &status, &resolvedBy, &resolvedReason, &resolvedAt, &d.CreatedAt)
	if err != nil {
		return err
	}
	d.Type = domain.DefectType(defectType)
	d.Severity = domain.DefectSeverity(severity)
	d.CureProtocol = domain.CureProtocol(cure)
	d.Status = domain.DefectStatus(status)
	d.ResolvedBy = resolvedBy.String
	d.ResolvedReason = resolvedReason.String
	if resolvedAt.Valid {
		d.ResolvedAt = resolvedAt.Time
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
