package calc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
)

// ExecuteRequest carries everything one calculation needs. InputGrades must
// cover every claim in InputClaimIDs; the engine does not resolve claims
// itself.
type ExecuteRequest struct {
	TenantID      string
	DealID        string
	CalcType      string
	Inputs        map[string]decimal.Decimal
	InputClaimIDs []string
	InputGrades   []domain.InputGradeInfo
}

// Engine executes registered formulas and derives the calc's evidence
// summary. It holds no storage; persistence and auditing belong to the
// caller.
type Engine struct {
	registry *Registry
	clock    func() time.Time
	newID    func() string
}

// NewEngine builds an engine over a registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{
		registry: registry,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithIDSource overrides ID generation for deterministic tests.
func (e *Engine) WithIDSource(newID func() string) *Engine {
	e.newID = newID
	return e
}

// Execute runs one calculation: extraction gate, input resolution against
// the formula spec, pure evaluation, quantization, reproducibility hash,
// and CalcSanad derivation. Inputs and claim IDs are stored in canonical
// (sorted) form so the persisted record is order-independent.
func (e *Engine) Execute(req ExecuteRequest) (*domain.DeterministicCalculation, *domain.CalcSanad, error) {
	if e.registry == nil {
		return nil, nil, errs.New(errs.CodeInternal, "calc engine has no formula registry")
	}
	if err := checkExtractionGate(req.InputGrades); err != nil {
		return nil, nil, err
	}

	spec, ok := e.registry.Get(req.CalcType)
	if !ok {
		return nil, nil, errs.Validation(errs.CodeValidationFailed,
			fmt.Sprintf("Unknown calc type %q", req.CalcType), nil)
	}

	resolved, err := resolveInputs(spec, req.Inputs)
	if err != nil {
		return nil, nil, err
	}

	raw, err := spec.Fn(resolved)
	if err != nil {
		return nil, nil, errs.Validation(errs.CodeValidationFailed,
			fmt.Sprintf("Formula %s rejected its inputs", spec.CalcType),
			map[string]any{"reason": err.Error()})
	}
	// Round half up at the declared precision. StringFixed keeps the trailing
	// zeros String() would trim, so the stored value always carries exactly
	// OutputPrecision digits.
	quantized := raw.StringFixed(spec.OutputPrecision)

	claimIDs := make([]string, len(req.InputClaimIDs))
	copy(claimIDs, req.InputClaimIDs)
	sort.Strings(claimIDs)

	now := e.clock().UTC()
	calc := &domain.DeterministicCalculation{
		CalcID:        e.newID(),
		TenantID:      req.TenantID,
		DealID:        req.DealID,
		CalcType:      spec.CalcType,
		InputClaimIDs: claimIDs,
		Inputs:        copyInputs(resolved),
		FormulaHash:   spec.FormulaHash,
		CodeVersion:   e.registry.CodeVersion(),
		Output: domain.CalcOutput{
			PrimaryValue: quantized,
			Unit:         spec.OutputUnit,
		},
		CreatedAt: now,
	}

	hash, err := reproducibilityHash(calc)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeInternal, "compute reproducibility hash", err)
	}
	calc.ReproducibilityHash = hash

	sanad := e.deriveCalcSanad(calc, req.InputGrades, now)
	return calc, sanad, nil
}

// resolveInputs checks required inputs, fills optional defaults, and rejects
// names the formula never declared.
func resolveInputs(spec *FormulaSpec, given map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	declared := make(map[string]bool, len(spec.RequiredInputs)+len(spec.OptionalInputs))
	resolved := make(map[string]decimal.Decimal, len(spec.RequiredInputs)+len(spec.OptionalInputs))

	var missing []string
	for _, name := range spec.RequiredInputs {
		declared[name] = true
		v, ok := given[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = v
	}
	for name, def := range spec.OptionalInputs {
		declared[name] = true
		if v, ok := given[name]; ok {
			resolved[name] = v
		} else {
			resolved[name] = def
		}
	}

	var unknown []string
	for name := range given {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}

	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(missing)
		sort.Strings(unknown)
		details := map[string]any{}
		if len(missing) > 0 {
			details["missing_inputs"] = missing
		}
		if len(unknown) > 0 {
			details["unknown_inputs"] = unknown
		}
		return nil, errs.Validation(errs.CodeValidationFailed,
			fmt.Sprintf("Inputs do not match formula %s", spec.CalcType), details)
	}
	return resolved, nil
}

func copyInputs(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// hashPreimage is the canonical reproducibility preimage. Claim IDs enter
// sorted and map keys are sorted by the canonical encoder, so the hash is
// independent of input ordering.
type hashPreimage struct {
	TenantID      string                     `json:"tenant_id"`
	DealID        string                     `json:"deal_id"`
	CalcType      string                     `json:"calc_type"`
	FormulaHash   string                     `json:"formula_hash"`
	CodeVersion   string                     `json:"code_version"`
	InputClaimIDs []string                   `json:"input_claim_ids"`
	Inputs        map[string]decimal.Decimal `json:"inputs"`
	Output        domain.CalcOutput          `json:"output"`
}

func reproducibilityHash(c *domain.DeterministicCalculation) (string, error) {
	claimIDs := make([]string, len(c.InputClaimIDs))
	copy(claimIDs, c.InputClaimIDs)
	sort.Strings(claimIDs)

	return canonjson.Hash(hashPreimage{
		TenantID:      c.TenantID,
		DealID:        c.DealID,
		CalcType:      c.CalcType,
		FormulaHash:   c.FormulaHash,
		CodeVersion:   c.CodeVersion,
		InputClaimIDs: claimIDs,
		Inputs:        c.Inputs,
		Output:        c.Output,
	})
}

// VerifyReproducibility recomputes the hash from the stored record and
// compares. A mismatch means the record was altered after creation or the
// formula's declaration drifted; either way the calc is untrustworthy.
func VerifyReproducibility(c *domain.DeterministicCalculation) error {
	if c == nil {
		return errs.Validation(errs.CodeInvalidRequest, "No calculation to verify", nil)
	}
	expected, err := reproducibilityHash(c)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "recompute reproducibility hash", err)
	}
	if expected != c.ReproducibilityHash {
		return errs.Validation(errs.CodeCalcIntegrity,
			"Stored calculation does not reproduce",
			map[string]any{"expected": expected, "stored": c.ReproducibilityHash})
	}
	return nil
}

// deriveCalcSanad summarizes the input evidence: input_min_grade over all
// inputs, calc_grade over material inputs (falling back to input_min_grade
// when nothing is material), with any fatal material input forcing D. No
// inputs at all is an ungrounded calc and grades D.
func (e *Engine) deriveCalcSanad(calc *domain.DeterministicCalculation, inputs []domain.InputGradeInfo, now time.Time) *domain.CalcSanad {
	sanad := &domain.CalcSanad{
		CalcSanadID: e.newID(),
		TenantID:    calc.TenantID,
		CalcID:      calc.CalcID,
		CreatedAt:   now,
	}

	if len(inputs) == 0 {
		sanad.InputMinGrade = domain.GradeD
		sanad.CalcGrade = domain.GradeD
		sanad.Rationale = "no graded inputs"
		return sanad
	}

	inputMin := domain.GradeA
	materialMin := domain.GradeA
	fatalMaterial := false
	var material []string
	for _, in := range inputs {
		inputMin = domain.WorseOf(inputMin, in.Grade)
		if !in.IsMaterial {
			continue
		}
		material = append(material, in.ClaimID)
		materialMin = domain.WorseOf(materialMin, in.Grade)
		if in.HasFatalDefect {
			fatalMaterial = true
		}
	}
	sort.Strings(material)

	sanad.InputMinGrade = inputMin
	sanad.MaterialInputs = material
	switch {
	case fatalMaterial:
		sanad.CalcGrade = domain.GradeD
	case len(material) > 0:
		sanad.CalcGrade = materialMin
	default:
		sanad.CalcGrade = inputMin
	}

	var b strings.Builder
	fmt.Fprintf(&b, "input_min=%s", inputMin)
	if len(material) > 0 {
		fmt.Fprintf(&b, " material=[%s]", strings.Join(material, ","))
	} else {
		b.WriteString(" material=none")
	}
	if fatalMaterial {
		b.WriteString(" fatal_material_defect")
	}
	fmt.Fprintf(&b, " calc_grade=%s", sanad.CalcGrade)
	sanad.Rationale = b.String()
	return sanad
}
