package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
)

// RunRepo implements repo.RunRepo on Postgres. The step ledger keys on
// (tenant, run, step_order); UpsertStep refuses to rebind an order to a
// different step name.
type RunRepo struct {
	store *Store
}

func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run) error {
	return r.store.WithTenantTx(ctx, run.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO runs (run_id, tenant_id, deal_id, mode, status, started_at, finished_at, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.RunID, run.TenantID, run.DealID, string(run.Mode), string(run.Status),
			nullIfZero(run.StartedAt), nullIfZero(run.FinishedAt), run.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *RunRepo) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	var run domain.Run
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT run_id, tenant_id, deal_id, mode, status, started_at, finished_at, created_at
            FROM runs WHERE tenant_id = $1 AND run_id = $2`,
			tenantID, domain.NormalizeID(runID),
		)
		return scanRun(row, &run)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &run, nil
}

func (r *RunRepo) UpdateRun(ctx context.Context, run *domain.Run) error {
	return r.store.WithTenantTx(ctx, run.TenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE runs SET status = $3, started_at = $4, finished_at = $5
            WHERE tenant_id = $1 AND run_id = $2`,
			run.TenantID, run.RunID, string(run.Status),
			nullIfZero(run.StartedAt), nullIfZero(run.FinishedAt),
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (r *RunRepo) ListRuns(ctx context.Context, tenantID, dealID string, page repo.Page) ([]*domain.Run, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.Run
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT run_id, tenant_id, deal_id, mode, status, started_at, finished_at, created_at
            FROM runs WHERE tenant_id = $1 AND deal_id = $2`
		args := []any{tenantID, domain.NormalizeID(dealID)}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $3`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, run_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var run domain.Run
			if err := scanRun(rows, &run); err != nil {
				return err
			}
			out = append(out, &run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RunRepo) UpsertStep(ctx context.Context, s *domain.RunStep) error {
	return r.store.WithTenantTx(ctx, s.TenantID, func(tx *sql.Tx) error {
		// The WHERE on the conflict action rejects a same-order write under a
		// different step name: zero rows affected means the ledger shape
		// would have changed.
		res, err := tx.ExecContext(ctx, `
            INSERT INTO run_steps (step_id, tenant_id, run_id, step_name, step_order, status,
                started_at, finished_at, retry_count, result_summary, error_code, error_message)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
            ON CONFLICT (tenant_id, run_id, step_order) DO UPDATE SET
                status = EXCLUDED.status,
                started_at = EXCLUDED.started_at,
                finished_at = EXCLUDED.finished_at,
                retry_count = EXCLUDED.retry_count,
                result_summary = EXCLUDED.result_summary,
                error_code = EXCLUDED.error_code,
                error_message = EXCLUDED.error_message
            WHERE run_steps.step_name = EXCLUDED.step_name`,
			s.StepID, s.TenantID, s.RunID, string(s.StepName), s.StepOrder, string(s.Status),
			nullIfZero(s.StartedAt), nullIfZero(s.FinishedAt), s.RetryCount,
			nullIfEmptyJSON(s.Result), nullIfEmpty(s.ErrorCode), nullIfEmpty(s.ErrorMessage),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repo.ErrConflict
		}
		return nil
	})
}

func (r *RunRepo) ListSteps(ctx context.Context, tenantID, runID string) ([]*domain.RunStep, error) {
	var out []*domain.RunStep
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT step_id, tenant_id, run_id, step_name, step_order, status,
                started_at, finished_at, retry_count, result_summary, error_code, error_message
            FROM run_steps WHERE tenant_id = $1 AND run_id = $2 ORDER BY step_order ASC`,
			tenantID, domain.NormalizeID(runID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s domain.RunStep
			if err := scanRunStep(rows, &s); err != nil {
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

func scanRun(s scanner, run *domain.Run) error {
	var mode, status string
	var startedAt, finishedAt sql.NullTime
	err := s.Scan(&run.RunID, &run.TenantID, &run.DealID, &mode, &status,
		&startedAt, &finishedAt, &run.CreatedAt)
	if err != nil {
		return err
	}
	run.Mode = domain.RunMode(mode)
	run.Status = domain.RunStatus(status)
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return nil
}

func scanRunStep(sc scanner, s *domain.RunStep) error {
	var name, status string
	var startedAt, finishedAt sql.NullTime
	var result []byte
	var errCode, errMsg sql.NullString
	err := sc.Scan(&s.StepID, &s.TenantID, &s.RunID, &name, &s.StepOrder, &status,
		&startedAt, &finishedAt, &s.RetryCount, &result, &errCode, &errMsg)
	if err != nil {
		return err
	}
	s.StepName = domain.StepName(name)
	s.Status = domain.StepStatus(status)
	if startedAt.Valid {
		s.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		s.FinishedAt = finishedAt.Time
	}
	if len(result) > 0 {
		s.Result = json.RawMessage(result)
	}
	s.ErrorCode = errCode.String
	s.ErrorMessage = errMsg.String
	return nil
}

func nullIfEmptyJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CalcRepo implements repo.CalcRepo on Postgres. Calculation and calc sanad
// are written in one transaction; a calc without its sanad never persists.
type CalcRepo struct {
	store *Store
}

func (r *CalcRepo) Create(ctx context.Context, c *domain.DeterministicCalculation, s *domain.CalcSanad) error {
	inputClaimIDs, err := json.Marshal(emptyIfNil(c.InputClaimIDs))
	if err != nil {
		return fmt.Errorf("postgres: marshal input_claim_ids: %w", err)
	}
	inputs, err := json.Marshal(c.Inputs)
	if err != nil {
		return fmt.Errorf("postgres: marshal calc inputs: %w", err)
	}
	output, err := json.Marshal(c.Output)
	if err != nil {
		return fmt.Errorf("postgres: marshal calc output: %w", err)
	}
	materialInputs, err := json.Marshal(emptyIfNil(s.MaterialInputs))
	if err != nil {
		return fmt.Errorf("postgres: marshal material_inputs: %w", err)
	}
	return r.store.WithTenantTx(ctx, c.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO calculations (calc_id, tenant_id, deal_id, calc_type, input_claim_ids,
                inputs, formula_hash, code_version, output, reproducibility_hash, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.CalcID, c.TenantID, c.DealID, c.CalcType, inputClaimIDs,
			inputs, c.FormulaHash, c.CodeVersion, output, c.ReproducibilityHash, c.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO calc_sanads (calc_sanad_id, tenant_id, calc_id, input_min_grade,
                calc_grade, material_inputs, rationale, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.CalcSanadID, s.TenantID, s.CalcID, string(s.InputMinGrade),
			string(s.CalcGrade), materialInputs, s.Rationale, s.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *CalcRepo) Get(ctx context.Context, tenantID, calcID string) (*domain.DeterministicCalculation, error) {
	var c domain.DeterministicCalculation
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT calc_id, tenant_id, deal_id, calc_type, input_claim_ids, inputs,
                formula_hash, code_version, output, reproducibility_hash, created_at
            FROM calculations WHERE tenant_id = $1 AND calc_id = $2`,
			tenantID, domain.NormalizeID(calcID),
		)
		return scanCalc(row, &c)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func (r *CalcRepo) GetSanad(ctx context.Context, tenantID, calcID string) (*domain.CalcSanad, error) {
	var s domain.CalcSanad
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		var grade, minGrade string
		var materialInputs []byte
		err := tx.QueryRowContext(ctx, `
            SELECT calc_sanad_id, tenant_id, calc_id, input_min_grade, calc_grade,
                material_inputs, rationale, created_at
            FROM calc_sanads WHERE tenant_id = $1 AND calc_id = $2`,
			tenantID, domain.NormalizeID(calcID),
		).Scan(&s.CalcSanadID, &s.TenantID, &s.CalcID, &minGrade, &grade,
			&materialInputs, &s.Rationale, &s.CreatedAt)
		if err != nil {
			return err
		}
		s.InputMinGrade = domain.Grade(minGrade)
		s.CalcGrade = domain.Grade(grade)
		return json.Unmarshal(materialInputs, &s.MaterialInputs)
	})
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &s, nil
}

func (r *CalcRepo) ListByDeal(ctx context.Context, tenantID, dealID string) ([]*domain.DeterministicCalculation, error) {
	var out []*domain.DeterministicCalculation
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            SELECT calc_id, tenant_id, deal_id, calc_type, input_claim_ids, inputs,
                formula_hash, code_version, output, reproducibility_hash, created_at
            FROM calculations WHERE tenant_id = $1 AND deal_id = $2 ORDER BY created_at DESC, calc_id ASC`,
			tenantID, domain.NormalizeID(dealID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c domain.DeterministicCalculation
			if err := scanCalc(rows, &c); err != nil {
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

func scanCalc(s scanner, c *domain.DeterministicCalculation) error {
	var inputClaimIDs, inputs, output []byte
	err := s.Scan(&c.CalcID, &c.TenantID, &c.DealID, &c.CalcType, &inputClaimIDs, &inputs,
		&c.FormulaHash, &c.CodeVersion, &output, &c.ReproducibilityHash, &c.CreatedAt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(inputClaimIDs, &c.InputClaimIDs); err != nil {
		return fmt.Errorf("postgres: corrupt input_claim_ids: %w", err)
	}
	rawInputs := map[string]string{}
	if err := json.Unmarshal(inputs, &rawInputs); err != nil {
		return fmt.Errorf("postgres: corrupt calc inputs: %w", err)
	}
	c.Inputs = make(map[string]decimal.Decimal, len(rawInputs))
	for k, v := range rawInputs {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("postgres: corrupt calc input %q: %w", k, err)
		}
		c.Inputs[k] = d
	}
	if err := json.Unmarshal(output, &c.Output); err != nil {
		return fmt.Errorf("postgres: corrupt calc output: %w", err)
	}
	return nil
}

// HumanGateRepo implements repo.HumanGateRepo on Postgres.
type HumanGateRepo struct {
	store *Store
}

func (r *HumanGateRepo) Create(ctx context.Context, g *domain.HumanGate) error {
	return r.store.WithTenantTx(ctx, g.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO human_gates (gate_id, tenant_id, deal_id, action, rationale, actor_id, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			g.GateID, g.TenantID, g.DealID, string(g.Action), g.Rationale, g.ActorID, g.CreatedAt,
		)
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return err
	})
}

func (r *HumanGateRepo) ListByDeal(ctx context.Context, tenantID, dealID string, page repo.Page) ([]*domain.HumanGate, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.HumanGate
	err := r.store.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		query := `SELECT gate_id, tenant_id, deal_id, action, rationale, actor_id, created_at
            FROM human_gates WHERE tenant_id = $1 AND deal_id = $2`
		args := []any{tenantID, domain.NormalizeID(dealID)}
		if !page.Cursor.IsZero() {
			query += ` AND created_at < $3`
			args = append(args, page.Cursor)
		}
		query += fmt.Sprintf(` ORDER BY created_at DESC, gate_id ASC LIMIT %d`, page.Limit)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g domain.HumanGate
			var action string
			if err := rows.Scan(&g.GateID, &g.TenantID, &g.DealID, &action, &g.Rationale, &g.ActorID, &g.CreatedAt); err != nil {
				return err
			}
			g.Action = domain.HumanGateAction(action)
			out = append(out, &g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
