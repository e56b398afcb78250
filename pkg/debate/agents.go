package debate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	advocateConfidence  = decimal.RequireFromString("0.75")
	adversaryConfidence = decimal.RequireFromString("0.60")
	arbiterConfidence   = decimal.RequireFromString("0.70")
	noRecordConfidence  = decimal.RequireFromString("0.25")
)

// RuleAgent is the deterministic agent backing lite mode and tests: same
// turn in, same output out, no model call. It fills all three seats by
// switching on the turn's role. The advocate asserts the claim universe,
// the adversary attacks its corroboration, and the arbiter commits to a
// recommendation in the first round, so a rule-driven debate always
// concludes in one round.
type RuleAgent struct{}

func (RuleAgent) Respond(_ context.Context, turn Turn) (*Output, error) {
	claims := turn.Topic.ClaimIDs
	calcs := turn.Topic.CalcIDs
	if len(claims) == 0 {
		return noRecordOutput(turn.Role), nil
	}

	switch turn.Role {
	case RoleAdversary:
		out := &Output{Muhasabah: &Muhasabah{
			SupportedClaimIDs: claims,
			Uncertainties:     []string{"challenge strength depends on corroboration not yet gathered"},
			FailureModes:      []string{"single-source dependency", "self-reported figures"},
			Confidence:        adversaryConfidence,
		}}
		for _, id := range claims {
			out.Statements = append(out.Statements, Statement{
				Text:      fmt.Sprintf("Claim %s rests on the company's own record and lacks independent corroboration.", id),
				ClaimRefs: []string{id},
				IsFactual: true,
			})
		}
		return out, nil

	case RoleArbiter:
		m := &Muhasabah{
			SupportedClaimIDs: claims,
			SupportedCalcIDs:  calcs,
			Uncertainties:     []string{"grades may shift as corroboration arrives"},
			Confidence:        arbiterConfidence,
			Recommendation:    "PROCEED_WITH_CONDITIONS",
		}
		for _, id := range claims {
			m.FalsifiabilityTests = append(m.FalsifiabilityTests,
				fmt.Sprintf("Obtain primary-source confirmation for %s.", id))
		}
		out := &Output{Muhasabah: m}
		for _, id := range claims {
			out.Statements = append(out.Statements, Statement{
				Text:      fmt.Sprintf("Claim %s stands unless primary sources contradict it.", id),
				ClaimRefs: []string{id},
				IsFactual: true,
			})
		}
		out.Statements = append(out.Statements, Statement{
			Text:         "On balance the record justifies proceeding with conditions.",
			IsFactual:    false,
			IsSubjective: true,
		})
		return out, nil

	default: // advocate
		out := &Output{Muhasabah: &Muhasabah{
			SupportedClaimIDs: claims,
			SupportedCalcIDs:  calcs,
			Uncertainties:     []string{"coverage limited to the extracted record"},
			Confidence:        advocateConfidence,
		}}
		for _, id := range claims {
			out.Statements = append(out.Statements, Statement{
				Text:      fmt.Sprintf("The record supports claim %s.", id),
				ClaimRefs: []string{id},
				IsFactual: true,
			})
		}
		for _, id := range calcs {
			out.Statements = append(out.Statements, Statement{
				Text:      fmt.Sprintf("Calculation %s reproduces from its registered inputs.", id),
				CalcRefs:  []string{id},
				IsFactual: true,
			})
		}
		return out, nil
	}
}

// noRecordOutput is every seat's answer to an empty claim universe: purely
// subjective, low confidence, and — from the arbiter — an explicit
// insufficient-record recommendation rather than silence.
func noRecordOutput(role Role) *Output {
	m := &Muhasabah{
		IsSubjective:  true,
		Uncertainties: []string{"no registered claims to argue from"},
		Confidence:    noRecordConfidence,
	}
	if role == RoleArbiter {
		m.Recommendation = "INSUFFICIENT_RECORD"
		m.FalsifiabilityTests = []string{"Request the underlying documents from the company."}
	}
	return &Output{
		Statements: []Statement{{
			Text:         "There are no registered claims for this deal.",
			IsFactual:    false,
			IsSubjective: true,
		}},
		Muhasabah: m,
	}
}
