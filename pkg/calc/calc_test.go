package calc

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
)

var calcTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := DefaultRegistry("1.4.0")
	require.NoError(t, err)
	n := 0
	return NewEngine(reg).
		WithClock(func() time.Time { return calcTestNow }).
		WithIDSource(func() string { n++; return fmt.Sprintf("calc-id-%d", n) })
}

func gradedInput(claimID string, grade domain.Grade, material bool) domain.InputGradeInfo {
	return domain.InputGradeInfo{
		ClaimID:              claimID,
		Grade:                grade,
		IsMaterial:           material,
		ExtractionConfidence: dec("0.99"),
		DhabtScore:           dec("0.95"),
	}
}

func runwayRequest() ExecuteRequest {
	return ExecuteRequest{
		TenantID: "tenant-1",
		DealID:   "deal-1",
		CalcType: "RUNWAY",
		Inputs: map[string]decimal.Decimal{
			"cash_balance":      dec("1000000"),
			"monthly_burn_rate": dec("50000"),
		},
		InputClaimIDs: []string{"c-1", "c-2"},
		InputGrades: []domain.InputGradeInfo{
			gradedInput("c-1", domain.GradeA, true),
			gradedInput("c-2", domain.GradeB, true),
		},
	}
}

func TestRunwayExecution(t *testing.T) {
	eng := testEngine(t)

	calc, sanad, err := eng.Execute(runwayRequest())
	require.NoError(t, err)

	assert.Equal(t, "20.0000", calc.Output.PrimaryValue)
	assert.Equal(t, "months", calc.Output.Unit)
	assert.Equal(t, "1.4.0", calc.CodeVersion)
	assert.NotEmpty(t, calc.FormulaHash)
	assert.Len(t, calc.ReproducibilityHash, 64)
	assert.Equal(t, []string{"c-1", "c-2"}, calc.InputClaimIDs)
	assert.Equal(t, calcTestNow, calc.CreatedAt)

	require.NotNil(t, sanad)
	assert.Equal(t, calc.CalcID, sanad.CalcID)
	assert.Equal(t, domain.GradeB, sanad.InputMinGrade)
	assert.Equal(t, domain.GradeB, sanad.CalcGrade)
}

func TestReproducibilityHashIgnoresInputOrder(t *testing.T) {
	first, _, err := testEngine(t).Execute(runwayRequest())
	require.NoError(t, err)

	reversed := runwayRequest()
	reversed.InputClaimIDs = []string{"c-2", "c-1"}
	reversed.InputGrades = []domain.InputGradeInfo{
		gradedInput("c-2", domain.GradeB, true),
		gradedInput("c-1", domain.GradeA, true),
	}
	second, _, err := testEngine(t).Execute(reversed)
	require.NoError(t, err)

	assert.Equal(t, first.ReproducibilityHash, second.ReproducibilityHash)
	assert.Equal(t, first.InputClaimIDs, second.InputClaimIDs)
}

func TestReproducibilityHashPermutationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("claim ID order never changes the hash", prop.ForAll(
		func(n int, seed int64) bool {
			claims := make([]string, n)
			grades := make([]domain.InputGradeInfo, n)
			for i := range claims {
				claims[i] = fmt.Sprintf("c-%02d", i+1)
				grades[i] = gradedInput(claims[i], domain.GradeB, true)
			}

			base := runwayRequest()
			base.InputClaimIDs = claims
			base.InputGrades = grades
			first, _, err := testEngine(t).Execute(base)
			if err != nil {
				return false
			}

			shuffled := runwayRequest()
			shuffled.InputClaimIDs = append([]string(nil), claims...)
			shuffled.InputGrades = append([]domain.InputGradeInfo(nil), grades...)
			rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) {
				shuffled.InputClaimIDs[i], shuffled.InputClaimIDs[j] = shuffled.InputClaimIDs[j], shuffled.InputClaimIDs[i]
				shuffled.InputGrades[i], shuffled.InputGrades[j] = shuffled.InputGrades[j], shuffled.InputGrades[i]
			})
			second, _, err := testEngine(t).Execute(shuffled)
			if err != nil {
				return false
			}
			return first.ReproducibilityHash == second.ReproducibilityHash
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestReproducibilityHashTracksInputs(t *testing.T) {
	base, _, err := testEngine(t).Execute(runwayRequest())
	require.NoError(t, err)

	changed := runwayRequest()
	changed.Inputs["monthly_burn_rate"] = dec("50001")
	other, _, err := testEngine(t).Execute(changed)
	require.NoError(t, err)

	assert.NotEqual(t, base.ReproducibilityHash, other.ReproducibilityHash)
}

func TestVerifyReproducibility(t *testing.T) {
	calc, _, err := testEngine(t).Execute(runwayRequest())
	require.NoError(t, err)
	require.NoError(t, VerifyReproducibility(calc))

	tampered := *calc
	tampered.Output.PrimaryValue = "21.0000"
	err = VerifyReproducibility(&tampered)
	assert.True(t, errs.HasCode(err, errs.CodeCalcIntegrity))

	tampered = *calc
	tampered.Inputs = map[string]decimal.Decimal{
		"cash_balance":      dec("1000001"),
		"monthly_burn_rate": dec("50000"),
	}
	err = VerifyReproducibility(&tampered)
	assert.True(t, errs.HasCode(err, errs.CodeCalcIntegrity))
}

func TestExtractionGateThresholds(t *testing.T) {
	cases := []struct {
		name       string
		confidence string
		dhabt      string
		blocked    bool
	}{
		{"both at boundary pass", "0.95", "0.90", false},
		{"confidence just under", "0.9499", "0.90", true},
		{"dhabt just under", "0.95", "0.8999", true},
		{"both comfortably above", "0.99", "0.95", false},
		{"missing scores block", "0", "0", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := runwayRequest()
			req.InputGrades = []domain.InputGradeInfo{{
				ClaimID:              "c-1",
				Grade:                domain.GradeA,
				IsMaterial:           true,
				ExtractionConfidence: dec(tc.confidence),
				DhabtScore:           dec(tc.dhabt),
			}}
			_, _, err := testEngine(t).Execute(req)
			if tc.blocked {
				assert.True(t, errs.HasCode(err, errs.CodeExtractionGateBlock))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractionGateHumanVerificationWaives(t *testing.T) {
	methods := []struct {
		name string
		set  func(*domain.InputGradeInfo)
	}{
		{"is_human_verified flag", func(in *domain.InputGradeInfo) { in.IsHumanVerified = true }},
		{"human verified method", func(in *domain.InputGradeInfo) { in.VerificationMethod = domain.VerifyHumanVerified }},
		{"dual verified method", func(in *domain.InputGradeInfo) { in.VerificationMethod = domain.VerifyDualVerified }},
	}
	for _, m := range methods {
		t.Run(m.name, func(t *testing.T) {
			in := domain.InputGradeInfo{
				ClaimID:              "c-1",
				Grade:                domain.GradeB,
				IsMaterial:           true,
				ExtractionConfidence: dec("0.10"),
				DhabtScore:           dec("0.10"),
			}
			m.set(&in)

			req := runwayRequest()
			req.InputGrades = []domain.InputGradeInfo{in}
			_, _, err := testEngine(t).Execute(req)
			assert.NoError(t, err)
		})
	}
}

func TestExtractionGateListsEveryBlockedInput(t *testing.T) {
	req := runwayRequest()
	req.InputGrades = []domain.InputGradeInfo{
		{ClaimID: "c-3", ExtractionConfidence: dec("0.50"), DhabtScore: dec("0.50")},
		gradedInput("c-2", domain.GradeA, true),
		{ClaimID: "c-1", ExtractionConfidence: dec("0.94"), DhabtScore: dec("0.99")},
	}

	_, _, err := testEngine(t).Execute(req)
	require.True(t, errs.HasCode(err, errs.CodeExtractionGateBlock))

	e := errs.AsError(err)
	blocked, ok := e.Details["blocked_inputs"].([]BlockedInput)
	require.True(t, ok)
	require.Len(t, blocked, 2)
	assert.Equal(t, "c-1", blocked[0].ClaimID)
	assert.Equal(t, "c-3", blocked[1].ClaimID)
}

func TestMissingRequiredInput(t *testing.T) {
	req := runwayRequest()
	delete(req.Inputs, "monthly_burn_rate")

	_, _, err := testEngine(t).Execute(req)
	require.True(t, errs.HasCode(err, errs.CodeValidationFailed))
	assert.Equal(t, []string{"monthly_burn_rate"}, errs.AsError(err).Details["missing_inputs"])
}

func TestUnknownInputRejected(t *testing.T) {
	req := runwayRequest()
	req.Inputs["headcount"] = dec("12")

	_, _, err := testEngine(t).Execute(req)
	require.True(t, errs.HasCode(err, errs.CodeValidationFailed))
	assert.Equal(t, []string{"headcount"}, errs.AsError(err).Details["unknown_inputs"])
}

func TestUnknownCalcType(t *testing.T) {
	req := runwayRequest()
	req.CalcType = "MAGIC_NUMBER"

	_, _, err := testEngine(t).Execute(req)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))
}

func TestFormulaRejectsZeroBurn(t *testing.T) {
	req := runwayRequest()
	req.Inputs["monthly_burn_rate"] = decimal.Zero

	_, _, err := testEngine(t).Execute(req)
	require.True(t, errs.HasCode(err, errs.CodeValidationFailed))
	assert.Contains(t, errs.AsError(err).Details["reason"], "monthly_burn_rate")
}

func TestOptionalInputDefaults(t *testing.T) {
	req := ExecuteRequest{
		TenantID: "tenant-1",
		DealID:   "deal-1",
		CalcType: "NET_REVENUE_RETENTION",
		Inputs: map[string]decimal.Decimal{
			"starting_arr":  dec("1000000"),
			"expansion_arr": dec("150000"),
		},
		InputClaimIDs: []string{"c-1"},
		InputGrades:   []domain.InputGradeInfo{gradedInput("c-1", domain.GradeA, true)},
	}

	calc, _, err := testEngine(t).Execute(req)
	require.NoError(t, err)
	assert.Equal(t, "1.1500", calc.Output.PrimaryValue)
	// Defaults become part of the stored inputs and the hash preimage.
	assert.True(t, calc.Inputs["contraction_arr"].IsZero())
	assert.True(t, calc.Inputs["churned_arr"].IsZero())

	withExplicit := req
	withExplicit.Inputs = map[string]decimal.Decimal{
		"starting_arr":    dec("1000000"),
		"expansion_arr":   dec("150000"),
		"contraction_arr": dec("50000"),
		"churned_arr":     dec("100000"),
	}
	calc2, _, err := testEngine(t).Execute(withExplicit)
	require.NoError(t, err)
	assert.Equal(t, "1.0000", calc2.Output.PrimaryValue)
	assert.NotEqual(t, calc.ReproducibilityHash, calc2.ReproducibilityHash)
}

func TestQuantizationRoundsHalfUp(t *testing.T) {
	req := runwayRequest()
	req.Inputs = map[string]decimal.Decimal{
		"cash_balance":      dec("1"),
		"monthly_burn_rate": dec("20000"),
	}

	// 1/20000 = 0.00005 rounds up to the last kept digit.
	calc, _, err := testEngine(t).Execute(req)
	require.NoError(t, err)
	assert.Equal(t, "0.0001", calc.Output.PrimaryValue)

	req.Inputs["monthly_burn_rate"] = dec("3")
	calc, _, err = testEngine(t).Execute(req)
	require.NoError(t, err)
	assert.Equal(t, "0.3333", calc.Output.PrimaryValue)
}

func TestGrossMargin(t *testing.T) {
	req := ExecuteRequest{
		TenantID: "tenant-1",
		DealID:   "deal-1",
		CalcType: "GROSS_MARGIN",
		Inputs: map[string]decimal.Decimal{
			"revenue": dec("100"),
			"cogs":    dec("40"),
		},
		InputClaimIDs: []string{"c-1"},
		InputGrades:   []domain.InputGradeInfo{gradedInput("c-1", domain.GradeA, true)},
	}

	calc, _, err := testEngine(t).Execute(req)
	require.NoError(t, err)
	assert.Equal(t, "0.6000", calc.Output.PrimaryValue)
	assert.Equal(t, "ratio", calc.Output.Unit)
}

func TestCalcSanadDerivation(t *testing.T) {
	t.Run("calc grade follows material minimum", func(t *testing.T) {
		req := runwayRequest()
		req.InputGrades = []domain.InputGradeInfo{
			gradedInput("c-1", domain.GradeA, true),
			gradedInput("c-2", domain.GradeC, false),
		}
		_, sanad, err := testEngine(t).Execute(req)
		require.NoError(t, err)
		assert.Equal(t, domain.GradeC, sanad.InputMinGrade)
		assert.Equal(t, domain.GradeA, sanad.CalcGrade)
		assert.Equal(t, []string{"c-1"}, sanad.MaterialInputs)
	})

	t.Run("no material inputs falls back to input minimum", func(t *testing.T) {
		req := runwayRequest()
		req.InputGrades = []domain.InputGradeInfo{
			gradedInput("c-1", domain.GradeB, false),
			gradedInput("c-2", domain.GradeC, false),
		}
		_, sanad, err := testEngine(t).Execute(req)
		require.NoError(t, err)
		assert.Equal(t, domain.GradeC, sanad.InputMinGrade)
		assert.Equal(t, domain.GradeC, sanad.CalcGrade)
		assert.Empty(t, sanad.MaterialInputs)
	})

	t.Run("fatal material defect forces D", func(t *testing.T) {
		req := runwayRequest()
		fatal := gradedInput("c-1", domain.GradeA, true)
		fatal.HasFatalDefect = true
		req.InputGrades = []domain.InputGradeInfo{
			fatal,
			gradedInput("c-2", domain.GradeA, true),
		}
		_, sanad, err := testEngine(t).Execute(req)
		require.NoError(t, err)
		assert.Equal(t, domain.GradeD, sanad.CalcGrade)
		assert.Contains(t, sanad.Rationale, "fatal_material_defect")
	})

	t.Run("no graded inputs is ungrounded", func(t *testing.T) {
		req := runwayRequest()
		req.InputClaimIDs = nil
		req.InputGrades = nil
		_, sanad, err := testEngine(t).Execute(req)
		require.NoError(t, err)
		assert.Equal(t, domain.GradeD, sanad.InputMinGrade)
		assert.Equal(t, domain.GradeD, sanad.CalcGrade)
	})
}

func TestRegistryRejectsBadSpecs(t *testing.T) {
	_, err := NewRegistry("not-semver")
	assert.Error(t, err)

	reg, err := NewRegistry("2.0.0")
	require.NoError(t, err)

	fn := func(map[string]decimal.Decimal) (decimal.Decimal, error) { return decimal.Zero, nil }
	require.NoError(t, reg.Register(&FormulaSpec{CalcType: "X", OutputPrecision: 2, OutputUnit: "x", Fn: fn}))
	assert.Error(t, reg.Register(&FormulaSpec{CalcType: "X", OutputPrecision: 2, OutputUnit: "x", Fn: fn}))
	assert.Error(t, reg.Register(&FormulaSpec{CalcType: "Y", OutputPrecision: 2, OutputUnit: "x"}))
	assert.Error(t, reg.Register(&FormulaSpec{CalcType: "", OutputPrecision: 2, OutputUnit: "x", Fn: fn}))
}

func TestFormulaHashIsStableAndDiscriminating(t *testing.T) {
	a, err := DefaultRegistry("1.0.0")
	require.NoError(t, err)
	b, err := DefaultRegistry("9.9.9")
	require.NoError(t, err)

	runwayA, ok := a.Get("RUNWAY")
	require.True(t, ok)
	runwayB, ok := b.Get("RUNWAY")
	require.True(t, ok)
	margin, ok := a.Get("GROSS_MARGIN")
	require.True(t, ok)

	// Hash covers the declaration, not the code version or function body.
	assert.Equal(t, runwayA.FormulaHash, runwayB.FormulaHash)
	assert.NotEqual(t, runwayA.FormulaHash, margin.FormulaHash)
}

func TestRegistryTypesSorted(t *testing.T) {
	reg, err := DefaultRegistry("1.0.0")
	require.NoError(t, err)
	types := reg.Types()
	assert.Equal(t, []string{
		"ARR_GROWTH", "BURN_MULTIPLE", "GROSS_MARGIN",
		"LTV_CAC_RATIO", "NET_REVENUE_RETENTION", "RUNWAY",
	}, types)
}
