package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/values"
)

// ClaimClass types the proposition a claim makes. The set is closed.
type ClaimClass string

const (
	ClassFinancial   ClaimClass = "FINANCIAL"
	ClassTraction    ClaimClass = "TRACTION"
	ClassMarketSize  ClaimClass = "MARKET_SIZE"
	ClassCompetition ClaimClass = "COMPETITION"
	ClassTeam        ClaimClass = "TEAM"
	ClassLegalTerms  ClaimClass = "LEGAL_TERMS"
	ClassTechnical   ClaimClass = "TECHNICAL"
	ClassOther       ClaimClass = "OTHER"
)

func (c ClaimClass) Valid() bool {
	switch c {
	case ClassFinancial, ClassTraction, ClassMarketSize, ClassCompetition,
		ClassTeam, ClassLegalTerms, ClassTechnical, ClassOther:
		return true
	}
	return false
}

// Grade is the evidentiary grade shared by claims, sources, sanads, and
// calculations. A is strongest.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
)

func (g Grade) Valid() bool {
	switch g {
	case GradeA, GradeB, GradeC, GradeD:
		return true
	}
	return false
}

// Rank orders grades for min/max logic. Higher is stronger.
func (g Grade) Rank() int {
	switch g {
	case GradeA:
		return 4
	case GradeB:
		return 3
	case GradeC:
		return 2
	default:
		return 1
	}
}

// WorseOf returns the weaker of two grades.
func WorseOf(a, b Grade) Grade {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Downgrade returns the grade one step weaker, floored at D.
func (g Grade) Downgrade() Grade {
	switch g {
	case GradeA:
		return GradeB
	case GradeB:
		return GradeC
	default:
		return GradeD
	}
}

// Upgrade returns the grade one step stronger, capped at A.
func (g Grade) Upgrade() Grade {
	switch g {
	case GradeD:
		return GradeC
	case GradeC:
		return GradeB
	default:
		return GradeA
	}
}

// ClaimVerdict is the adjudicated truth status of a claim.
type ClaimVerdict string

const (
	VerdictUnverified   ClaimVerdict = "UNVERIFIED"
	VerdictVerified     ClaimVerdict = "VERIFIED"
	VerdictInflated     ClaimVerdict = "INFLATED"
	VerdictContradicted ClaimVerdict = "CONTRADICTED"
	VerdictSubjective   ClaimVerdict = "SUBJECTIVE"
)

func (v ClaimVerdict) Valid() bool {
	switch v {
	case VerdictUnverified, VerdictVerified, VerdictInflated, VerdictContradicted, VerdictSubjective:
		return true
	}
	return false
}

// ClaimAction is the follow-up the platform demands for a claim.
type ClaimAction string

const (
	ActionNone      ClaimAction = "NONE"
	ActionFlag      ClaimAction = "FLAG"
	ActionVerify    ClaimAction = "VERIFY"
	ActionHumanGate ClaimAction = "HUMAN_GATE"
	ActionRedFlag   ClaimAction = "RED_FLAG"
)

func (a ClaimAction) Valid() bool {
	switch a {
	case ActionNone, ActionFlag, ActionVerify, ActionHumanGate, ActionRedFlag:
		return true
	}
	return false
}

// Materiality weights a claim's importance to the investment decision.
type Materiality string

const (
	MaterialityLow      Materiality = "LOW"
	MaterialityMedium   Materiality = "MEDIUM"
	MaterialityHigh     Materiality = "HIGH"
	MaterialityCritical Materiality = "CRITICAL"
)

func (m Materiality) Valid() bool {
	switch m {
	case MaterialityLow, MaterialityMedium, MaterialityHigh, MaterialityCritical:
		return true
	}
	return false
}

// VerificationMethod records how an input value was checked by a human.
type VerificationMethod string

const (
	VerifyNone          VerificationMethod = "NONE"
	VerifyHumanVerified VerificationMethod = "HUMAN_VERIFIED"
	VerifyDualVerified  VerificationMethod = "DUAL_VERIFIED"
)

// Claim is a proposition extracted from document spans.
//
// A factual, non-subjective claim must reference at least one evidence item
// or calculation; intake validation rejects writes that violate that rule.
type Claim struct {
	ClaimID  string     `json:"claim_id"`
	TenantID string     `json:"tenant_id"`
	DealID   string     `json:"deal_id"`
	Class    ClaimClass `json:"claim_class"`
	Text     string     `json:"text"`

	Value *values.ValueStruct `json:"value,omitempty"`

	Grade       Grade        `json:"claim_grade"`
	Verdict     ClaimVerdict `json:"claim_verdict"`
	Action      ClaimAction  `json:"claim_action"`
	Materiality Materiality  `json:"materiality"`

	IsFactual    bool `json:"is_factual"`
	IsSubjective bool `json:"is_subjective"`

	PrimarySpanID        string          `json:"primary_span_id"`
	EvidenceIDs          []string        `json:"evidence_ids,omitempty"`
	CalculationIDs       []string        `json:"calculation_ids,omitempty"`
	ExtractionConfidence decimal.Decimal `json:"extraction_confidence"`
	DhabtScore           decimal.Decimal `json:"dhabt_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewClaim builds a claim in its initial state: grade D, unverified, no
// action. Grading promotes it later; nothing starts trusted.
func NewClaim(id, tenantID, dealID string, class ClaimClass, text string) *Claim {
	return &Claim{
		ClaimID:     NormalizeID(id),
		TenantID:    tenantID,
		DealID:      NormalizeID(dealID),
		Class:       class,
		Text:        text,
		Grade:       GradeD,
		Verdict:     VerdictUnverified,
		Action:      ActionNone,
		Materiality: MaterialityMedium,
		IsFactual:   true,
	}
}

// RequiresEvidence reports whether the factual-claim invariant applies.
func (c *Claim) RequiresEvidence() bool {
	return c.IsFactual && !c.IsSubjective
}

// HasSupport reports whether the claim references any evidence or calc.
func (c *Claim) HasSupport() bool {
	return len(c.EvidenceIDs) > 0 || len(c.CalculationIDs) > 0
}
