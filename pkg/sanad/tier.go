package sanad

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
)

// SourceTier ranks where evidence sits on the authority ladder, T1
// (authoritative record) down to T5 (hearsay).
type SourceTier string

const (
	TierT1 SourceTier = "T1"
	TierT2 SourceTier = "T2"
	TierT3 SourceTier = "T3"
	TierT4 SourceTier = "T4"
	TierT5 SourceTier = "T5"
)

// Rank orders tiers; lower is more authoritative.
func (t SourceTier) Rank() int {
	switch t {
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	case TierT4:
		return 4
	default:
		return 5
	}
}

// tierBySystem classifies well-known source systems. Lookup is by trimmed
// upper-case name; unlisted systems fall back to the recorded source grade.
var tierBySystem = map[string]SourceTier{
	"AUDITED_FINANCIALS": TierT1,
	"BANK_STATEMENT":     TierT1,
	"COMPANY_REGISTRY":   TierT1,
	"TAX_FILING":         TierT1,

	"SIGNED_CONTRACT": TierT2,
	"INVOICE":         TierT2,
	"BOARD_MINUTES":   TierT2,
	"CAP_TABLE":       TierT2,

	"MANAGEMENT_ACCOUNTS": TierT3,
	"INTERNAL_REPORT":     TierT3,
	"CRM_EXPORT":          TierT3,
	"DATA_ROOM_EXPORT":    TierT3,

	"PITCH_DECK":         TierT4,
	"FOUNDER_STATEMENT":  TierT4,
	"CUSTOMER_REFERENCE": TierT4,

	"PRESS_ARTICLE": TierT5,
	"ANALYST_NOTE":  TierT5,
	"SOCIAL_MEDIA":  TierT5,
}

// TierOf assigns the tier for one evidence item. Missing evidence is
// hearsay: the grader never assumes authority it cannot see.
func TierOf(e *domain.Evidence) SourceTier {
	if e == nil {
		return TierT5
	}
	if t, ok := tierBySystem[strings.ToUpper(strings.TrimSpace(e.SourceSystem))]; ok {
		return t
	}
	switch e.SourceGrade {
	case domain.GradeA:
		return TierT1
	case domain.GradeB:
		return TierT2
	case domain.GradeC:
		return TierT3
	default:
		return TierT5
	}
}

// BaseGrade is the grade a tier starts from before defects and caps.
func BaseGrade(t SourceTier) domain.Grade {
	switch t {
	case TierT1:
		return domain.GradeA
	case TierT2:
		return domain.GradeB
	case TierT3, TierT4:
		return domain.GradeC
	default:
		return domain.GradeD
	}
}

// tierWeights is each tier's voice in consensus calculations.
var tierWeights = map[SourceTier]decimal.Decimal{
	TierT1: decimal.RequireFromString("1.0"),
	TierT2: decimal.RequireFromString("0.8"),
	TierT3: decimal.RequireFromString("0.6"),
	TierT4: decimal.RequireFromString("0.4"),
	TierT5: decimal.RequireFromString("0.2"),
}

// Weight returns the tier's consensus weight.
func Weight(t SourceTier) decimal.Decimal {
	if w, ok := tierWeights[t]; ok {
		return w
	}
	return tierWeights[TierT5]
}
