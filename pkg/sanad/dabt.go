package sanad

import (
	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
)

// Dabt dimension weights. The four dimensions are independent; their
// weights sum to 1.
var (
	dabtWeightTimestamp   = decimal.RequireFromString("0.25")
	dabtWeightFigure      = decimal.RequireFromString("0.30")
	dabtWeightIdentifier  = decimal.RequireFromString("0.20")
	dabtWeightMethodology = decimal.RequireFromString("0.25")

	// DabtCapThreshold is the band boundary: a score below it caps the
	// final grade at B.
	DabtCapThreshold = decimal.RequireFromString("0.50")
)

// DabtDimensions are the per-dimension precision scores, each in [0,1].
type DabtDimensions struct {
	TimestampPrecision    decimal.Decimal `json:"timestamp_precision"`
	FigurePrecision       decimal.Decimal `json:"figure_precision"`
	IdentifierPrecision   decimal.Decimal `json:"identifier_precision"`
	MethodologyDisclosure decimal.Decimal `json:"methodology_disclosure"`
}

// Score is the weighted dabt score.
func (d DabtDimensions) Score() decimal.Decimal {
	return d.TimestampPrecision.Mul(dabtWeightTimestamp).
		Add(d.FigurePrecision.Mul(dabtWeightFigure)).
		Add(d.IdentifierPrecision.Mul(dabtWeightIdentifier)).
		Add(d.MethodologyDisclosure.Mul(dabtWeightMethodology))
}

// CapsGrade reports whether the score falls in the band that caps at B.
func (d DabtDimensions) CapsGrade() bool {
	return d.Score().LessThan(DabtCapThreshold)
}

// AssessDabt derives dimension scores from what the chain itself shows.
// Callers with richer extraction metadata pass explicit dimensions instead.
func AssessDabt(claim *domain.Claim, primary *domain.Evidence, s *domain.Sanad) DabtDimensions {
	var d DabtDimensions

	// Timestamp precision: the fraction of chain nodes carrying a time.
	if s != nil && len(s.Nodes) > 0 {
		stamped := 0
		for i := range s.Nodes {
			if !s.Nodes[i].Timestamp.IsZero() {
				stamped++
			}
		}
		d.TimestampPrecision = decimal.NewFromInt(int64(stamped)).
			Div(decimal.NewFromInt(int64(len(s.Nodes))))
	}

	// Figure precision: a structured value beats free text.
	switch {
	case claim == nil:
		d.FigurePrecision = decimal.RequireFromString("0.5")
	case claim.Value != nil:
		d.FigurePrecision = decimal.NewFromInt(1)
	default:
		d.FigurePrecision = decimal.RequireFromString("0.25")
	}

	// Identifier precision: an upstream origin makes the source traceable.
	switch {
	case primary != nil && primary.UpstreamOriginID != "":
		d.IdentifierPrecision = decimal.NewFromInt(1)
	case primary != nil:
		d.IdentifierPrecision = decimal.RequireFromString("0.5")
	}

	// Methodology disclosure follows the authority ladder: audited and
	// contractual sources state how their figures were produced.
	switch TierOf(primary) {
	case TierT1, TierT2:
		d.MethodologyDisclosure = decimal.NewFromInt(1)
	case TierT3:
		d.MethodologyDisclosure = decimal.RequireFromString("0.5")
	}

	return d
}
