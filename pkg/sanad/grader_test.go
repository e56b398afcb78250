package sanad

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/values"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func node(id string, parents []string, origin string, ts time.Time) domain.TransmissionNode {
	return domain.TransmissionNode{
		NodeID:           id,
		TenantID:         "tenant-1",
		Kind:             domain.NodeExtraction,
		Timestamp:        ts,
		UpstreamOriginID: origin,
		ParentIDs:        parents,
	}
}

func chainOf(nodes ...domain.TransmissionNode) *domain.Sanad {
	return &domain.Sanad{
		SanadID:           "sanad-1",
		TenantID:          "tenant-1",
		DealID:            "deal-1",
		ClaimID:           "claim-1",
		PrimaryEvidenceID: "ev-1",
		Nodes:             nodes,
	}
}

func singleChain() *domain.Sanad {
	return chainOf(
		node("n-1", nil, "origin-a", t0),
		node("n-2", []string{"n-1"}, "origin-a", t0.Add(time.Hour)),
	)
}

func evidenceFrom(id, system string) *domain.Evidence {
	return &domain.Evidence{
		EvidenceID:       id,
		TenantID:         "tenant-1",
		ClaimID:          "claim-1",
		SourceSpanID:     "span-1",
		SourceGrade:      domain.GradeB,
		SourceSystem:     system,
		UpstreamOriginID: "origin-a",
	}
}

func TestGradeCleanAuthoritativeChain(t *testing.T) {
	result := Grade(GradeInput{
		Sanad:   singleChain(),
		Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
	})

	assert.Equal(t, domain.GradeA, result.Grade)
	assert.Equal(t, domain.CorroborationAhad1, result.CorroborationLevel)
	assert.Equal(t, 1, result.IndependentChainCount)
	assert.Empty(t, result.Findings)
	assert.Equal(t, TierT1, result.Explanation.Tier)
	assert.Contains(t, result.Rationale, "final=A")
}

func TestGradeTierAssignment(t *testing.T) {
	tests := []struct {
		system string
		tier   SourceTier
		base   domain.Grade
	}{
		{"AUDITED_FINANCIALS", TierT1, domain.GradeA},
		{"SIGNED_CONTRACT", TierT2, domain.GradeB},
		{"MANAGEMENT_ACCOUNTS", TierT3, domain.GradeC},
		{"PITCH_DECK", TierT4, domain.GradeC},
		{"SOCIAL_MEDIA", TierT5, domain.GradeD},
	}
	for _, tt := range tests {
		t.Run(tt.system, func(t *testing.T) {
			e := evidenceFrom("ev-1", tt.system)
			assert.Equal(t, tt.tier, TierOf(e))
			assert.Equal(t, tt.base, BaseGrade(TierOf(e)))
		})
	}

	// Unknown system falls back to the recorded grade; nothing at all is
	// hearsay.
	unknown := evidenceFrom("ev-1", "SOMETHING_NEW")
	unknown.SourceGrade = domain.GradeA
	assert.Equal(t, TierT1, TierOf(unknown))
	assert.Equal(t, TierT5, TierOf(nil))
}

func TestGradeMissingPrimaryIsHearsay(t *testing.T) {
	result := Grade(GradeInput{Sanad: singleChain()})
	assert.Equal(t, domain.GradeD, result.Grade)
	assert.Equal(t, TierT5, result.Explanation.Tier)
}

func TestGradeEmptyChainIsFatal(t *testing.T) {
	result := Grade(GradeInput{
		Sanad:   chainOf(),
		Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
	})

	assert.Equal(t, domain.GradeD, result.Grade)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, CodeChainBreak, result.Findings[0].Code)
	assert.Equal(t, domain.SeverityFatal, result.Findings[0].Severity)
}

func TestGradeChronologyViolationIsFatal(t *testing.T) {
	s := chainOf(
		node("n-1", nil, "origin-a", t0),
		node("n-2", []string{"n-1"}, "origin-a", t0.Add(-time.Hour)),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS")})

	assert.Equal(t, domain.GradeD, result.Grade)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, CodeChronologyImpossible, result.Findings[0].Code)
}

func TestGradeUnknownTimestampSkipsChronology(t *testing.T) {
	s := chainOf(
		node("n-1", nil, "origin-a", t0),
		node("n-2", []string{"n-1"}, "origin-a", time.Time{}),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS")})
	assert.Empty(t, result.Findings)
}

func TestGradeGraftingIsFatal(t *testing.T) {
	s := chainOf(
		node("n-1", nil, "origin-a", t0),
		node("n-2", []string{"n-1"}, "origin-b", t0.Add(time.Hour)),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS")})

	assert.Equal(t, domain.GradeD, result.Grade)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, CodeChainGrafting, result.Findings[0].Code)
}

func TestGradeMissingParentIsFatal(t *testing.T) {
	s := chainOf(
		node("n-1", nil, "origin-a", t0),
		node("n-2", []string{"ghost"}, "origin-a", t0.Add(time.Hour)),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS")})

	assert.Equal(t, domain.GradeD, result.Grade)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, CodeChainBreak, result.Findings[0].Code)
}

func TestGradeCycleIsFatal(t *testing.T) {
	s := chainOf(
		node("n-1", []string{"n-2"}, "origin-a", t0),
		node("n-2", []string{"n-1"}, "origin-a", t0),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS")})
	assert.Equal(t, domain.GradeD, result.Grade)
}

func TestGradeDanglingEvidenceReferenceIsFatal(t *testing.T) {
	s := singleChain()
	s.Nodes[1].InputRefs = []string{"ev-unknown"}
	result := Grade(GradeInput{
		Sanad:            s,
		Primary:          evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
		KnownEvidenceIDs: map[string]bool{"ev-1": true},
	})

	assert.Equal(t, domain.GradeD, result.Grade)
	require.NotEmpty(t, result.Findings)
	assert.Contains(t, result.Findings[0].Description, "ev-unknown")
}

func TestGradeMutawatirUpgrade(t *testing.T) {
	s := chainOf(
		node("r-1", nil, "origin-1", t0),
		node("r-2", nil, "origin-2", t0),
		node("r-3", nil, "origin-3", t0),
		node("m-1", []string{"r-1", "r-2", "r-3"}, "", t0.Add(time.Hour)),
	)
	result := Grade(GradeInput{Sanad: s, Primary: evidenceFrom("ev-1", "SIGNED_CONTRACT")})

	assert.Equal(t, domain.CorroborationMutawatir, result.CorroborationLevel)
	assert.Equal(t, 3, result.IndependentChainCount)
	assert.Equal(t, domain.GradeA, result.Grade, "B base upgraded by mutawatir")
	assert.True(t, result.Explanation.Upgraded)
}

func TestGradeMutawatirUpgradeBlockedByMajorDefect(t *testing.T) {
	s := chainOf(
		node("r-1", nil, "origin-1", t0),
		node("r-2", nil, "origin-2", t0),
		node("r-3", nil, "origin-3", t0),
		node("m-1", []string{"r-1", "r-2", "r-3"}, "", t0.Add(time.Hour)),
	)
	undisclosed := evidenceFrom("ev-2", "FOUNDER_STATEMENT")
	undisclosed.SelfServing = true

	result := Grade(GradeInput{
		Sanad:         s,
		Primary:       evidenceFrom("ev-1", "SIGNED_CONTRACT"),
		Corroborating: []*domain.Evidence{undisclosed},
	})

	assert.Equal(t, domain.CorroborationMutawatir, result.CorroborationLevel)
	assert.False(t, result.Explanation.Upgraded)
	// B downgraded once by the MAJOR COI finding.
	assert.Equal(t, domain.GradeC, result.Grade)
}

func TestGradeDabtBandCapsAtB(t *testing.T) {
	imprecise := &DabtDimensions{}
	result := Grade(GradeInput{
		Sanad:   singleChain(),
		Primary: evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
		Dabt:    imprecise,
	})

	assert.Equal(t, domain.GradeB, result.Grade, "A base capped by dabt band")
	require.Len(t, result.Explanation.Caps, 1)
	assert.Equal(t, CapDabtBand, result.Explanation.Caps[0].Reason)
}

func TestGradeAdmissibilityCapForMaterialClaims(t *testing.T) {
	claim := domain.NewClaim("claim-1", "tenant-1", "deal-1", domain.ClassFinancial, "ARR grew 3x year over year")
	claim.Materiality = domain.MaterialityCritical
	claim.Value = &values.ValueStruct{}

	result := Grade(GradeInput{
		Sanad:   singleChain(),
		Primary: evidenceFrom("ev-1", "PITCH_DECK"),
		Claim:   claim,
	})

	assert.Equal(t, domain.GradeC, result.Grade)
	var reasons []string
	for _, c := range result.Explanation.Caps {
		reasons = append(reasons, c.Reason)
	}
	assert.Contains(t, reasons, CapAdmissibility)
}

func TestGradeDisclosedCOICapsAtC(t *testing.T) {
	disclosed := evidenceFrom("ev-2", "FOUNDER_STATEMENT")
	disclosed.SelfServing = true
	disclosed.COIDisclosed = true

	result := Grade(GradeInput{
		Sanad:         singleChain(),
		Primary:       evidenceFrom("ev-1", "SIGNED_CONTRACT"),
		Corroborating: []*domain.Evidence{disclosed},
	})

	assert.Equal(t, domain.GradeC, result.Grade)
	assert.Empty(t, result.Findings, "disclosure is a cap, not a defect")
}

func TestShudhudhAnomalyFlagsWeakerSource(t *testing.T) {
	readings := []SourceReading{
		{EvidenceID: "e-1", Tier: TierT1, Value: decimal.NewFromInt(100)},
		{EvidenceID: "e-2", Tier: TierT5, Value: decimal.NewFromInt(120)},
	}
	findings, _ := checkShudhudh(readings)

	require.Len(t, findings, 1)
	assert.Equal(t, CodeAnomaly, findings[0].Code)
	assert.Equal(t, "e-2", findings[0].EvidenceID)
	assert.Equal(t, domain.SeverityMajor, findings[0].Severity)
}

func TestShudhudhStrongerSourcePrevailsWithoutDefect(t *testing.T) {
	// The T1 source deviates from two weaker ones; consensus follows it.
	readings := []SourceReading{
		{EvidenceID: "e-1", Tier: TierT1, Value: decimal.NewFromInt(100)},
		{EvidenceID: "e-2", Tier: TierT5, Value: decimal.NewFromInt(150)},
		{EvidenceID: "e-3", Tier: TierT5, Value: decimal.NewFromInt(150)},
	}
	findings, _ := checkShudhudh(readings)
	for _, f := range findings {
		assert.NotEqual(t, "e-1", f.EvidenceID, "stronger source must not be the anomaly")
	}
}

func TestShudhudhRoundingReconciles(t *testing.T) {
	readings := []SourceReading{
		{EvidenceID: "e-1", Tier: TierT1, Value: decimal.RequireFromString("100")},
		{EvidenceID: "e-2", Tier: TierT2, Value: decimal.RequireFromString("100.5")},
	}
	findings, notes := checkShudhudh(readings)
	assert.Empty(t, findings)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "rounding")
}

func TestShudhudhUnitConversionReconciles(t *testing.T) {
	readings := []SourceReading{
		{EvidenceID: "e-1", Tier: TierT1, Value: decimal.NewFromInt(5000000), UnitLabel: "EUR"},
		{EvidenceID: "e-2", Tier: TierT3, Value: decimal.NewFromInt(5000), UnitLabel: "kEUR"},
	}
	findings, _ := checkShudhudh(readings)

	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.Equal(t, domain.SeverityMinor, f.Severity)
		assert.Equal(t, CodeUnitReconciled, f.Code)
	}
}

func TestShudhudhTimeWindowReconciles(t *testing.T) {
	readings := []SourceReading{
		{EvidenceID: "e-1", Tier: TierT1, Value: decimal.NewFromInt(100), TimeWindow: "FY2024"},
		{EvidenceID: "e-2", Tier: TierT3, Value: decimal.NewFromInt(160), TimeWindow: "Q4-2024"},
	}
	findings, _ := checkShudhudh(readings)

	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.Equal(t, domain.SeverityMinor, f.Severity)
	}
}

func TestGradeVersionDriftIsMajor(t *testing.T) {
	cited := &domain.Document{DocumentID: "doc-1", Name: "financial-model.xlsx", Version: 1, ContentHash: "aaa"}
	latest := &domain.Document{DocumentID: "doc-2", Name: "financial-model.xlsx", Version: 2, ContentHash: "bbb"}

	result := Grade(GradeInput{
		Sanad:         singleChain(),
		Primary:       evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
		CitedDocument: cited,
		Documents:     []*domain.Document{cited, latest},
	})

	require.Len(t, result.Findings, 1)
	assert.Equal(t, CodeVersionDrift, result.Findings[0].Code)
	assert.Equal(t, domain.GradeB, result.Grade, "A base downgraded once")
}

func TestGradeVersionReuploadWithoutChangeIsNotDrift(t *testing.T) {
	cited := &domain.Document{DocumentID: "doc-1", Name: "model.xlsx", Version: 1, ContentHash: "same"}
	latest := &domain.Document{DocumentID: "doc-2", Name: "model.xlsx", Version: 2, ContentHash: "same"}

	result := Grade(GradeInput{
		Sanad:         singleChain(),
		Primary:       evidenceFrom("ev-1", "AUDITED_FINANCIALS"),
		CitedDocument: cited,
		Documents:     []*domain.Document{cited, latest},
	})
	assert.Empty(t, result.Findings)
}

func TestGradeIsDeterministicUnderNodeReordering(t *testing.T) {
	forward := chainOf(
		node("r-1", nil, "origin-1", t0),
		node("r-2", nil, "origin-2", t0),
		node("m-1", []string{"r-1", "r-2"}, "", t0.Add(time.Hour)),
	)
	reversed := chainOf(
		node("m-1", []string{"r-2", "r-1"}, "", t0.Add(time.Hour)),
		node("r-2", nil, "origin-2", t0),
		node("r-1", nil, "origin-1", t0),
	)

	a := Grade(GradeInput{Sanad: forward, Primary: evidenceFrom("ev-1", "SIGNED_CONTRACT")})
	b := Grade(GradeInput{Sanad: reversed, Primary: evidenceFrom("ev-1", "SIGNED_CONTRACT")})

	require.Equal(t, a.Grade, b.Grade)
	require.Equal(t, a.Rationale, b.Rationale)
	require.Equal(t, a.Findings, b.Findings)
}

func TestDabtScoreWeights(t *testing.T) {
	full := DabtDimensions{
		TimestampPrecision:    decimal.NewFromInt(1),
		FigurePrecision:       decimal.NewFromInt(1),
		IdentifierPrecision:   decimal.NewFromInt(1),
		MethodologyDisclosure: decimal.NewFromInt(1),
	}
	assert.True(t, full.Score().Equal(decimal.NewFromInt(1)))
	assert.False(t, full.CapsGrade())

	half := DabtDimensions{TimestampPrecision: decimal.NewFromInt(1), FigurePrecision: decimal.NewFromInt(1)}
	// 0.25 + 0.30 = 0.55, above the 0.50 band.
	assert.False(t, half.CapsGrade())

	weak := DabtDimensions{TimestampPrecision: decimal.NewFromInt(1)}
	assert.True(t, weak.CapsGrade())
}
