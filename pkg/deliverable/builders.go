package deliverable

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mizan-labs/idis/pkg/domain"
)

// BuildInput is the graded deal record a builder works from. Builders are
// pure: the same input yields the same deliverable, so exports stay
// byte-deterministic end to end.
type BuildInput struct {
	Deal       *domain.Deal
	Claims     []*domain.Claim
	Calcs      []*domain.DeterministicCalculation
	CalcSanads map[string]*domain.CalcSanad // keyed by calc_id
	Defects    []*domain.Defect

	// Recommendation is the arbiter's closing position, rendered as
	// subjective opinion. Empty omits the section.
	Recommendation string
}

// BuildScreeningSnapshot assembles the short-form deliverable: a summary,
// every claim with its grade and verdict, and the calculation results.
func BuildScreeningSnapshot(id string, in BuildInput) *Deliverable {
	d := &Deliverable{
		DeliverableID: domain.NormalizeID(id),
		TenantID:      in.Deal.TenantID,
		DealID:        in.Deal.DealID,
		Kind:          KindScreeningSnapshot,
		Title:         "Screening Snapshot: " + in.Deal.CompanyName,
	}

	d.Sections = append(d.Sections, Section{
		Heading: "Summary",
		Facts:   []Fact{coverageFact(in.Claims)},
	})
	if sec, ok := claimsSection("Key Claims", sortedClaims(in.Claims)); ok {
		d.Sections = append(d.Sections, sec)
	}
	if sec, ok := calcsSection(in); ok {
		d.Sections = append(d.Sections, sec)
	}
	return d
}

// BuildICMemo assembles the long-form deliverable: verified claims and
// claims needing attention split out, calculations, the defect register,
// and the arbiter's recommendation.
func BuildICMemo(id string, in BuildInput) *Deliverable {
	d := &Deliverable{
		DeliverableID: domain.NormalizeID(id),
		TenantID:      in.Deal.TenantID,
		DealID:        in.Deal.DealID,
		Kind:          KindICMemo,
		Title:         "IC Memo: " + in.Deal.CompanyName,
	}

	d.Sections = append(d.Sections, Section{
		Heading: "Executive Summary",
		Facts:   []Fact{coverageFact(in.Claims)},
	})

	claims := sortedClaims(in.Claims)
	var verified, attention []*domain.Claim
	for _, c := range claims {
		if c.Verdict == domain.VerdictVerified {
			verified = append(verified, c)
			continue
		}
		attention = append(attention, c)
	}
	if sec, ok := claimsSection("Verified Claims", verified); ok {
		d.Sections = append(d.Sections, sec)
	}
	if sec, ok := claimsSection("Claims Requiring Attention", attention); ok {
		d.Sections = append(d.Sections, sec)
	}
	if sec, ok := calcsSection(in); ok {
		d.Sections = append(d.Sections, sec)
	}
	if sec, ok := defectsSection(in.Defects); ok {
		d.Sections = append(d.Sections, sec)
	}
	if in.Recommendation != "" {
		d.Sections = append(d.Sections, Section{
			Heading: "Recommendation",
			Facts: []Fact{{
				Text:         in.Recommendation,
				IsFactual:    false,
				IsSubjective: true,
			}},
		})
	}
	return d
}

// coverageFact summarizes the claim record. With claims present it counts
// them and cites every counted claim; with none it is document framing, not
// a factual assertion about the deal.
func coverageFact(claims []*domain.Claim) Fact {
	if len(claims) == 0 {
		return Fact{Text: "No claims have been extracted for this deal.", IsFactual: false}
	}
	var verified, contradicted int
	refs := make([]string, 0, len(claims))
	for _, c := range sortedClaims(claims) {
		refs = append(refs, c.ClaimID)
		switch c.Verdict {
		case domain.VerdictVerified:
			verified++
		case domain.VerdictContradicted, domain.VerdictInflated:
			contradicted++
		}
	}
	return Fact{
		Text: fmt.Sprintf("%d claims reviewed: %d verified, %d contradicted or inflated.",
			len(claims), verified, contradicted),
		ClaimRefs: refs,
		IsFactual: true,
	}
}

func claimsSection(heading string, claims []*domain.Claim) (Section, bool) {
	if len(claims) == 0 {
		return Section{}, false
	}
	sec := Section{Heading: heading}
	for _, c := range claims {
		sec.Facts = append(sec.Facts, claimFact(c))
	}
	return sec, true
}

func claimFact(c *domain.Claim) Fact {
	text := strings.TrimSpace(c.Text)
	if !strings.HasSuffix(text, ".") {
		text += "."
	}
	text += fmt.Sprintf(" (grade %s, %s)", c.Grade, c.Verdict)
	if c.Action != domain.ActionNone {
		text += fmt.Sprintf(" Action: %s.", c.Action)
	}
	return Fact{
		Text:         text,
		ClaimRefs:    []string{c.ClaimID},
		IsFactual:    c.IsFactual,
		IsSubjective: c.IsSubjective,
	}
}

func calcsSection(in BuildInput) (Section, bool) {
	if len(in.Calcs) == 0 {
		return Section{}, false
	}
	calcs := make([]*domain.DeterministicCalculation, len(in.Calcs))
	copy(calcs, in.Calcs)
	sort.Slice(calcs, func(i, j int) bool {
		if calcs[i].CalcType != calcs[j].CalcType {
			return calcs[i].CalcType < calcs[j].CalcType
		}
		return calcs[i].CalcID < calcs[j].CalcID
	})

	sec := Section{Heading: "Calculations"}
	for _, k := range calcs {
		text := fmt.Sprintf("%s: %s", k.CalcType, k.Output.PrimaryValue)
		if k.Output.Unit != "" {
			text += " " + k.Output.Unit
		}
		if k.Output.Currency != "" {
			text += " " + k.Output.Currency
		}
		if cs := in.CalcSanads[k.CalcID]; cs != nil {
			text += fmt.Sprintf(" (calc grade %s)", cs.CalcGrade)
		}
		text += "."
		sec.Facts = append(sec.Facts, Fact{
			Text:      text,
			CalcRefs:  []string{k.CalcID},
			IsFactual: true,
		})
	}
	return sec, true
}

func defectsSection(defects []*domain.Defect) (Section, bool) {
	open := make([]*domain.Defect, 0, len(defects))
	for _, df := range defects {
		if df.Status == domain.DefectOpen {
			open = append(open, df)
		}
	}
	if len(open) == 0 {
		return Section{}, false
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].Severity != open[j].Severity {
			return severityRank(open[i].Severity) > severityRank(open[j].Severity)
		}
		return open[i].DefectID < open[j].DefectID
	})

	sec := Section{Heading: "Open Defects"}
	for _, df := range open {
		sec.Facts = append(sec.Facts, Fact{
			Text: fmt.Sprintf("%s (%s): %s Cure: %s.",
				df.Type, df.Severity, ensurePeriod(df.Description), df.CureProtocol),
			ClaimRefs: []string{df.ClaimID},
			IsFactual: true,
		})
	}
	return sec, true
}

// sortedClaims orders by materiality (critical first), then claim ID, so
// builder output is stable regardless of repository iteration order.
func sortedClaims(claims []*domain.Claim) []*domain.Claim {
	out := make([]*domain.Claim, len(claims))
	copy(out, claims)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Materiality != out[j].Materiality {
			return materialityRank(out[i].Materiality) > materialityRank(out[j].Materiality)
		}
		return out[i].ClaimID < out[j].ClaimID
	})
	return out
}

func materialityRank(m domain.Materiality) int {
	switch m {
	case domain.MaterialityCritical:
		return 4
	case domain.MaterialityHigh:
		return 3
	case domain.MaterialityMedium:
		return 2
	default:
		return 1
	}
}

func severityRank(s domain.DefectSeverity) int {
	switch s {
	case domain.SeverityFatal:
		return 3
	case domain.SeverityMajor:
		return 2
	default:
		return 1
	}
}

func ensurePeriod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "No description recorded."
	}
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}
