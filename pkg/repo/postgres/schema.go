package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the full relational layout. Every table carries tenant_id and a
// row-level-security policy filtering on current_setting('idis.tenant_id');
// WithTenantTx applies that setting per transaction.
const Schema = `
CREATE TABLE IF NOT EXISTS deals (
    deal_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    company_name TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    tags JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, deal_id)
);
CREATE INDEX IF NOT EXISTS idx_deals_tenant_created ON deals (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS documents (
    document_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    name TEXT NOT NULL,
    doc_type TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    content_hash TEXT NOT NULL,
    uploaded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, document_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_deal ON documents (tenant_id, deal_id);

CREATE TABLE IF NOT EXISTS spans (
    span_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    span_type TEXT NOT NULL,
    locator JSONB NOT NULL,
    text_excerpt TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    PRIMARY KEY (tenant_id, span_id)
);
CREATE INDEX IF NOT EXISTS idx_spans_document ON spans (tenant_id, document_id);

CREATE TABLE IF NOT EXISTS claims (
    claim_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    claim_class TEXT NOT NULL,
    claim_text TEXT NOT NULL,
    value JSONB,
    claim_grade TEXT NOT NULL DEFAULT 'D',
    claim_verdict TEXT NOT NULL DEFAULT 'UNVERIFIED',
    claim_action TEXT NOT NULL DEFAULT 'NONE',
    materiality TEXT NOT NULL DEFAULT 'MEDIUM',
    is_factual BOOLEAN NOT NULL DEFAULT TRUE,
    is_subjective BOOLEAN NOT NULL DEFAULT FALSE,
    primary_span_id TEXT NOT NULL DEFAULT '',
    evidence_ids JSONB NOT NULL DEFAULT '[]',
    calculation_ids JSONB NOT NULL DEFAULT '[]',
    extraction_confidence TEXT NOT NULL DEFAULT '0',
    dhabt_score TEXT NOT NULL DEFAULT '0',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, claim_id)
);
CREATE INDEX IF NOT EXISTS idx_claims_deal ON claims (tenant_id, deal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS evidence (
    evidence_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    source_span_id TEXT NOT NULL,
    source_grade TEXT NOT NULL,
    source_system TEXT NOT NULL,
    upstream_origin_id TEXT NOT NULL DEFAULT '',
    verification_status TEXT NOT NULL DEFAULT 'UNVERIFIED',
    self_serving BOOLEAN NOT NULL DEFAULT FALSE,
    coi_disclosed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, evidence_id)
);
CREATE INDEX IF NOT EXISTS idx_evidence_claim ON evidence (tenant_id, claim_id);

CREATE TABLE IF NOT EXISTS sanads (
    sanad_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    primary_evidence_id TEXT NOT NULL DEFAULT '',
    nodes JSONB NOT NULL DEFAULT '[]',
    grade TEXT NOT NULL DEFAULT 'D',
    corroboration_level TEXT NOT NULL DEFAULT 'NONE',
    independent_chain_count INTEGER NOT NULL DEFAULT 0,
    grade_rationale TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, sanad_id)
);
CREATE INDEX IF NOT EXISTS idx_sanads_deal ON sanads (tenant_id, deal_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sanads_claim ON sanads (tenant_id, claim_id);

CREATE TABLE IF NOT EXISTS defects (
    defect_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    sanad_id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    defect_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    cure_protocol TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    resolved_by TEXT,
    resolved_reason TEXT,
    resolved_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, defect_id)
);
CREATE INDEX IF NOT EXISTS idx_defects_deal ON defects (tenant_id, deal_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_defects_sanad ON defects (tenant_id, sanad_id);

CREATE TABLE IF NOT EXISTS calculations (
    calc_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    calc_type TEXT NOT NULL,
    input_claim_ids JSONB NOT NULL DEFAULT '[]',
    inputs JSONB NOT NULL DEFAULT '{}',
    formula_hash TEXT NOT NULL,
    code_version TEXT NOT NULL,
    output JSONB NOT NULL,
    reproducibility_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, calc_id)
);
CREATE INDEX IF NOT EXISTS idx_calculations_deal ON calculations (tenant_id, deal_id);

CREATE TABLE IF NOT EXISTS calc_sanads (
    calc_sanad_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    calc_id TEXT NOT NULL,
    input_min_grade TEXT NOT NULL,
    calc_grade TEXT NOT NULL,
    material_inputs JSONB NOT NULL DEFAULT '[]',
    rationale TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, calc_id)
);

CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_deal ON runs (tenant_id, deal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_steps (
    step_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    step_name TEXT NOT NULL,
    step_order INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    retry_count INTEGER NOT NULL DEFAULT 0,
    result_summary JSONB,
    error_code TEXT,
    error_message TEXT,
    PRIMARY KEY (tenant_id, run_id, step_order)
);

CREATE TABLE IF NOT EXISTS human_gates (
    gate_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    action TEXT NOT NULL,
    rationale TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, gate_id)
);
CREATE INDEX IF NOT EXISTS idx_human_gates_deal ON human_gates (tenant_id, deal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    actor_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    event_json JSONB NOT NULL,
    PRIMARY KEY (tenant_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_events (tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events (tenant_id, event_type);
`

// rlsPolicies enables row-level security per table. Applied separately from
// Schema because policy creation needs the DO block form to stay idempotent.
const rlsPolicies = `
DO $$
DECLARE
    t TEXT;
BEGIN
    FOREACH t IN ARRAY ARRAY[
        'deals', 'documents', 'spans', 'claims', 'evidence', 'sanads',
        'defects', 'calculations', 'calc_sanads', 'runs', 'run_steps',
        'human_gates', 'audit_events'
    ]
    LOOP
        EXECUTE format('ALTER TABLE %I ENABLE ROW LEVEL SECURITY', t);
        IF NOT EXISTS (
            SELECT 1 FROM pg_policies
            WHERE tablename = t AND policyname = 'tenant_isolation'
        ) THEN
            EXECUTE format(
                'CREATE POLICY tenant_isolation ON %I USING (tenant_id = current_setting(''idis.tenant_id'', true)::text)',
                t);
        END IF;
    END LOOP;
END
$$;
`

// Migrate creates tables, indexes, and RLS policies. Run with the admin
// connection; the serving role must not own the tables or RLS is bypassed.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, rlsPolicies); err != nil {
		return fmt.Errorf("postgres: migrate rls: %w", err)
	}
	return nil
}
