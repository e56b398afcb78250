// Package sanad grades evidence chains.
//
// Grading is deterministic and fail-closed: no randomness, chain nodes and
// sources iterate in sorted order, and anything the grader cannot see is
// treated as weak, not strong. A missing primary source is hearsay; an
// empty transmission chain is a fatal break. The stages run in a fixed
// order: source tier, dabt precision, tawatur corroboration, i'lal
// structural checks, shudhudh anomaly detection, and conflict of interest,
// combined into a single A-D grade with a full explanation.
package sanad

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
)

// GradeCap is a ceiling imposed on the final grade, with the rule that
// imposed it.
type GradeCap struct {
	Grade  domain.Grade `json:"grade"`
	Reason string       `json:"reason"`
}

// Cap reasons for the non-COI rules.
const (
	CapAdmissibility = "ADMISSIBILITY_MATERIALITY"
	CapDabtBand      = "DABT_BAND"
)

// GradeInput carries everything the grader may consult. Only Sanad is
// required; every optional input missing weakens, never strengthens, the
// result.
type GradeInput struct {
	Sanad         *domain.Sanad
	Primary       *domain.Evidence
	Corroborating []*domain.Evidence

	// Claim supplies materiality for the admissibility rule and the
	// structured value for dabt.
	Claim *domain.Claim

	// Dabt overrides the derived dimension scores when extraction supplied
	// richer precision metadata.
	Dabt *DabtDimensions

	// Readings are per-source figures for the claim metric, feeding the
	// shudhudh stage. Fewer than two readings disables it.
	Readings []SourceReading

	// CitedDocument and Documents feed version-drift detection.
	CitedDocument *domain.Document
	Documents     []*domain.Document

	// KnownEvidenceIDs, when non-nil, closes the set of evidence a chain
	// node may reference. A dangling reference is a chain break.
	KnownEvidenceIDs map[string]bool
}

// GradeExplanation records every factor that shaped the final grade.
type GradeExplanation struct {
	Tier       SourceTier      `json:"tier"`
	TierWeight decimal.Decimal `json:"tier_weight"`
	BaseGrade  domain.Grade    `json:"base_grade"`

	DabtDimensions DabtDimensions  `json:"dabt_dimensions"`
	DabtScore      decimal.Decimal `json:"dabt_score"`

	Corroboration         domain.CorroborationLevel `json:"corroboration_level"`
	IndependentChainCount int                       `json:"independent_chain_count"`

	Findings []Finding  `json:"findings,omitempty"`
	Caps     []GradeCap `json:"caps,omitempty"`
	Notes    []string   `json:"notes,omitempty"`

	Downgrades int  `json:"downgrades"`
	Upgraded   bool `json:"upgraded"`

	FinalGrade domain.Grade `json:"final_grade"`
}

// GradeResult is the grader's full output. Findings are the defects to
// persist; Rationale is the compact summary stored on the sanad.
type GradeResult struct {
	Grade                 domain.Grade              `json:"grade"`
	CorroborationLevel    domain.CorroborationLevel `json:"corroboration_level"`
	IndependentChainCount int                       `json:"independent_chain_count"`
	Findings              []Finding                 `json:"findings,omitempty"`
	Explanation           GradeExplanation          `json:"explanation"`
	Rationale             string                    `json:"rationale"`
}

// Grade runs the full grading pipeline over one evidence chain.
func Grade(in GradeInput) *GradeResult {
	// Stage 1: source tier and base grade.
	tier := TierOf(in.Primary)
	base := BaseGrade(tier)

	var caps []GradeCap
	if in.Claim != nil &&
		(in.Claim.Materiality == domain.MaterialityHigh || in.Claim.Materiality == domain.MaterialityCritical) &&
		tier.Rank() > TierT3.Rank() {
		// Admissibility: material claims need at least an internal record
		// behind them.
		caps = append(caps, GradeCap{Grade: domain.GradeC, Reason: CapAdmissibility})
	}

	// Stage 2: dabt precision band.
	dabt := in.Dabt
	if dabt == nil {
		derived := AssessDabt(in.Claim, in.Primary, in.Sanad)
		dabt = &derived
	}
	if dabt.CapsGrade() {
		caps = append(caps, GradeCap{Grade: domain.GradeB, Reason: CapDabtBand})
	}

	// Stage 3: tawatur corroboration.
	chainCount, level := corroboration(in.Sanad)

	// Stage 4: i'lal structural checks.
	findings := checkChain(in.Sanad, in.KnownEvidenceIDs)
	findings = append(findings, checkVersionDrift(in.CitedDocument, in.Documents)...)

	// Stage 5: shudhudh anomaly detection over source readings.
	anomalies, notes := checkShudhudh(in.Readings)
	findings = append(findings, anomalies...)

	// Stage 6: conflict of interest across every source.
	coiCaps, coiFindings := checkCOI(allSources(in))
	caps = append(caps, coiCaps...)
	findings = append(findings, coiFindings...)

	sortFindings(findings)
	sort.Slice(caps, func(i, j int) bool { return caps[i].Reason < caps[j].Reason })

	// Stage 7: combine.
	majorCount := countSeverity(findings, domain.SeverityMajor)
	fatal := countSeverity(findings, domain.SeverityFatal) > 0

	grade := base
	upgraded := false
	if fatal {
		grade = domain.GradeD
	} else {
		for i := 0; i < majorCount; i++ {
			grade = grade.Downgrade()
		}
		if level == domain.CorroborationMutawatir && majorCount == 0 {
			grade = grade.Upgrade()
			upgraded = true
		}
		for _, c := range caps {
			grade = domain.WorseOf(grade, c.Grade)
		}
	}

	explanation := GradeExplanation{
		Tier:                  tier,
		TierWeight:            Weight(tier),
		BaseGrade:             base,
		DabtDimensions:        *dabt,
		DabtScore:             dabt.Score(),
		Corroboration:         level,
		IndependentChainCount: chainCount,
		Findings:              findings,
		Caps:                  caps,
		Notes:                 notes,
		Downgrades:            majorCount,
		Upgraded:              upgraded,
		FinalGrade:            grade,
	}

	return &GradeResult{
		Grade:                 grade,
		CorroborationLevel:    level,
		IndependentChainCount: chainCount,
		Findings:              findings,
		Explanation:           explanation,
		Rationale:             rationale(explanation),
	}
}

func allSources(in GradeInput) []*domain.Evidence {
	sources := make([]*domain.Evidence, 0, len(in.Corroborating)+1)
	if in.Primary != nil {
		sources = append(sources, in.Primary)
	}
	sources = append(sources, in.Corroborating...)
	return sources
}

// rationale renders the explanation as one line for sanad.grade_rationale.
func rationale(e GradeExplanation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tier=%s base=%s dabt=%s tawatur=%s chains=%d",
		e.Tier, e.BaseGrade, e.DabtScore.Round(4), e.Corroboration, e.IndependentChainCount)
	if len(e.Findings) > 0 {
		codes := make([]string, len(e.Findings))
		for i, f := range e.Findings {
			codes[i] = f.Code
		}
		fmt.Fprintf(&b, " findings=[%s]", strings.Join(codes, ","))
	}
	if len(e.Caps) > 0 {
		reasons := make([]string, len(e.Caps))
		for i, c := range e.Caps {
			reasons[i] = c.Reason
		}
		fmt.Fprintf(&b, " caps=[%s]", strings.Join(reasons, ","))
	}
	if e.Upgraded {
		b.WriteString(" upgraded=mutawatir")
	}
	fmt.Fprintf(&b, " final=%s", e.FinalGrade)
	return b.String()
}
