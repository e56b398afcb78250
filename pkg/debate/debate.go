// Package debate runs the adversarial review loop over a deal's claims.
//
// Three agents speak in rounds: the advocate argues the record supports the
// deal, the adversary attacks it, the arbiter weighs both. Every agent
// output must carry a self-check record (muhasabah) and every factual
// statement must cite a claim or calculation. The gate between turns is
// fail-closed: one rejected output halts the whole debate with a typed
// error, it is never skipped or retried.
package debate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/errs"
)

// Role identifies the speaking agent.
type Role string

const (
	RoleAdvocate  Role = "ADVOCATE"
	RoleAdversary Role = "ADVERSARY"
	RoleArbiter   Role = "ARBITER"
)

// Muhasabah is the self-check record attached to every agent output:
// what the output relies on, how it could be falsified, and how sure the
// agent is.
type Muhasabah struct {
	SupportedClaimIDs   []string        `json:"supported_claim_ids"`
	SupportedCalcIDs    []string        `json:"supported_calc_ids"`
	FalsifiabilityTests []string        `json:"falsifiability_tests"`
	Uncertainties       []string        `json:"uncertainties"`
	Confidence          decimal.Decimal `json:"confidence"`
	FailureModes        []string        `json:"failure_modes"`
	IsSubjective        bool            `json:"is_subjective"`
	Recommendation      string          `json:"recommendation,omitempty"`
}

// Statement is one sentence of agent output. Factual statements must carry
// at least one reference; marking a statement subjective does not waive
// that, only is_factual=false does.
type Statement struct {
	Text         string   `json:"text"`
	ClaimRefs    []string `json:"claim_refs,omitempty"`
	CalcRefs     []string `json:"calc_refs,omitempty"`
	IsFactual    bool     `json:"is_factual"`
	IsSubjective bool     `json:"is_subjective"`
}

// Output is one agent turn. Role and Round are stamped by the orchestrator,
// not trusted from the agent.
type Output struct {
	Role       Role        `json:"role"`
	Round      int         `json:"round"`
	Statements []Statement `json:"statements"`
	Muhasabah  *Muhasabah  `json:"muhasabah"`
}

// Topic is what the debate is about: a deal and the claim/calculation
// universe the agents may cite.
type Topic struct {
	DealID   string   `json:"deal_id"`
	Question string   `json:"question,omitempty"`
	ClaimIDs []string `json:"claim_ids,omitempty"`
	CalcIDs  []string `json:"calc_ids,omitempty"`
}

// Turn is one agent invocation: the position in the debate plus everything
// said so far.
type Turn struct {
	Round      int
	Role       Role
	Topic      Topic
	Transcript []*Output
}

// Agent produces one output per turn. Implementations must be safe for
// concurrent use; the production implementation is model-backed, RuleAgent
// is the deterministic stand-in.
type Agent interface {
	Respond(ctx context.Context, turn Turn) (*Output, error)
}

// Gate rejection reasons, carried in the error details.
const (
	ReasonMissingRecord          = "MISSING_RECORD"
	ReasonConfidenceOutOfRange   = "CONFIDENCE_OUT_OF_RANGE"
	ReasonFactualWithoutClaims   = "FACTUAL_WITHOUT_CLAIM_REFS"
	ReasonRecommendationUntested = "RECOMMENDATION_WITHOUT_FALSIFIABILITY"
	ReasonOverconfident          = "OVERCONFIDENT_WITHOUT_UNCERTAINTIES"
	ReasonFreeFact               = "FREE_FACT_IN_OUTPUT"
)

var (
	one                   = decimal.NewFromInt(1)
	overconfidenceCeiling = decimal.RequireFromString("0.80")
)

// CheckOutput is the muhasabah gate. Checks run in a fixed order and the
// first failure wins, so the same bad output always rejects with the same
// reason.
func CheckOutput(out *Output) error {
	if out.Muhasabah == nil {
		return rejected(out, ReasonMissingRecord, "Agent output is missing its self-check record", nil)
	}
	m := out.Muhasabah

	if m.Confidence.IsNegative() || m.Confidence.GreaterThan(one) {
		return rejected(out, ReasonConfidenceOutOfRange, "Self-check confidence must be within [0,1]",
			map[string]any{"confidence": m.Confidence.String()})
	}
	if !m.IsSubjective && len(m.SupportedClaimIDs) == 0 {
		return rejected(out, ReasonFactualWithoutClaims, "Factual output must cite supporting claims", nil)
	}
	if m.Recommendation != "" && len(m.FalsifiabilityTests) == 0 {
		return rejected(out, ReasonRecommendationUntested, "A recommendation requires falsifiability tests",
			map[string]any{"recommendation": m.Recommendation})
	}
	if m.Confidence.GreaterThan(overconfidenceCeiling) && len(m.Uncertainties) == 0 {
		return rejected(out, ReasonOverconfident, "High confidence requires stated uncertainties",
			map[string]any{"confidence": m.Confidence.String()})
	}
	for i, st := range out.Statements {
		if st.IsFactual && len(st.ClaimRefs)+len(st.CalcRefs) == 0 {
			return rejected(out, ReasonFreeFact, "Factual statement carries no claim or calculation reference",
				map[string]any{"statement_index": i})
		}
	}
	return nil
}

func rejected(out *Output, reason, message string, extra map[string]any) error {
	details := map[string]any{
		"reason": reason,
		"role":   string(out.Role),
		"round":  out.Round,
	}
	for k, v := range extra {
		details[k] = v
	}
	return errs.Validation(errs.CodeMuhasabahRejected,
		fmt.Sprintf("%s (%s)", message, reason), details)
}
