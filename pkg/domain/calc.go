package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalcOutput is the canonical result of a deterministic calculation.
// PrimaryValue is fixed-point text at the formula's declared precision
// ("20.0000", never "20"), so the wire form, the stored form, and the
// reproducibility-hash preimage are the same bytes.
type CalcOutput struct {
	PrimaryValue string `json:"primary_value"`
	Unit         string `json:"unit"`
	Currency     string `json:"currency,omitempty"`
}

// Decimal parses the primary value for numeric consumers.
func (o CalcOutput) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(o.PrimaryValue)
}

// DeterministicCalculation records one execution of a registered formula.
// The reproducibility hash is a pure function of tenant, deal, calc type,
// formula hash, code version, inputs, and output; verify recomputes it.
type DeterministicCalculation struct {
	CalcID   string `json:"calc_id"`
	TenantID string `json:"tenant_id"`
	DealID   string `json:"deal_id"`
	CalcType string `json:"calc_type"`

	InputClaimIDs []string                   `json:"input_claim_ids"`
	Inputs        map[string]decimal.Decimal `json:"inputs"`

	FormulaHash string     `json:"formula_hash"`
	CodeVersion string     `json:"code_version"`
	Output      CalcOutput `json:"output"`

	ReproducibilityHash string    `json:"reproducibility_hash"`
	CreatedAt           time.Time `json:"created_at"`
}

// InputGradeInfo carries the evidentiary posture of one calc input.
type InputGradeInfo struct {
	ClaimID              string             `json:"claim_id"`
	Grade                Grade              `json:"grade"`
	IsMaterial           bool               `json:"is_material"`
	ExtractionConfidence decimal.Decimal    `json:"extraction_confidence"`
	DhabtScore           decimal.Decimal    `json:"dhabt_score"`
	IsHumanVerified      bool               `json:"is_human_verified"`
	VerificationMethod   VerificationMethod `json:"verification_method"`
	HasFatalDefect       bool               `json:"has_fatal_defect"`
}

// CalcSanad is the evidence-chain summary of a calculation: its grade is the
// minimum over material input grades, falling back to the minimum over all
// inputs when nothing is material, and forced to D by any fatal material
// input.
type CalcSanad struct {
	CalcSanadID    string    `json:"calc_sanad_id"`
	TenantID       string    `json:"tenant_id"`
	CalcID         string    `json:"calc_id"`
	InputMinGrade  Grade     `json:"input_min_grade"`
	CalcGrade      Grade     `json:"calc_grade"`
	MaterialInputs []string  `json:"material_inputs,omitempty"`
	Rationale      string    `json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}
