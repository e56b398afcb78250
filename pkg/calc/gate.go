package calc

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
)

// Extraction-gate thresholds. An input derived by machine extraction must
// clear both before it may feed a calculation; human verification waives
// them.
var (
	minExtractionConfidence = decimal.RequireFromString("0.95")
	minDhabtScore           = decimal.RequireFromString("0.90")
)

// BlockedInput records one input that failed the extraction gate, with the
// scores that failed it.
type BlockedInput struct {
	ClaimID              string          `json:"claim_id"`
	ExtractionConfidence decimal.Decimal `json:"extraction_confidence"`
	DhabtScore           decimal.Decimal `json:"dhabt_score"`
}

func humanVerified(in domain.InputGradeInfo) bool {
	if in.IsHumanVerified {
		return true
	}
	switch in.VerificationMethod {
	case domain.VerifyHumanVerified, domain.VerifyDualVerified:
		return true
	}
	return false
}

// checkExtractionGate screens every input before any computation happens.
// A single failure aborts the calc, and the error lists all blocked inputs
// so the caller can fix them in one pass. Missing scores block: the zero
// value of a decimal is 0, which clears neither threshold.
func checkExtractionGate(inputs []domain.InputGradeInfo) error {
	var blocked []BlockedInput
	for _, in := range inputs {
		if humanVerified(in) {
			continue
		}
		if in.ExtractionConfidence.GreaterThanOrEqual(minExtractionConfidence) &&
			in.DhabtScore.GreaterThanOrEqual(minDhabtScore) {
			continue
		}
		blocked = append(blocked, BlockedInput{
			ClaimID:              in.ClaimID,
			ExtractionConfidence: in.ExtractionConfidence,
			DhabtScore:           in.DhabtScore,
		})
	}
	if len(blocked) == 0 {
		return nil
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].ClaimID < blocked[j].ClaimID })
	return errs.Validation(errs.CodeExtractionGateBlock,
		"One or more inputs failed the extraction confidence gate",
		map[string]any{"blocked_inputs": blocked})
}
