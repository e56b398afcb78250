package sanad

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
)

// SourceReading is one source's reported figure for the claim's metric.
// The shudhudh stage compares readings across sources; evidence without a
// comparable figure simply supplies no reading.
type SourceReading struct {
	EvidenceID string          `json:"evidence_id"`
	Tier       SourceTier      `json:"tier"`
	Value      decimal.Decimal `json:"value"`
	UnitLabel  string          `json:"unit_label,omitempty"`
	TimeWindow string          `json:"time_window,omitempty"`
}

var (
	roundingTolerance  = decimal.RequireFromString("0.01")
	anomalyThreshold   = decimal.RequireFromString("0.05")
	unitRatioTolerance = decimal.RequireFromString("0.01")
	thousand           = decimal.NewFromInt(1000)
	million            = decimal.NewFromInt(1000000)
)

// checkShudhudh looks for a weaker source contradicting the tier-weighted
// consensus. Reconciliation runs first, in order: rounding, unit
// conversion, time-window labels. Reconciled differences yield at most a
// MINOR note; only an unreconciled lower-tier contradiction above the 5%
// threshold is an anomaly.
func checkShudhudh(readings []SourceReading) ([]Finding, []string) {
	if len(readings) < 2 {
		return nil, nil
	}

	sorted := make([]SourceReading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EvidenceID < sorted[j].EvidenceID })

	// Rounding: if all readings sit within 1% mean deviation of the
	// weighted consensus, the sources agree modulo rounding.
	consensus := weightedConsensus(sorted, "")
	if !consensus.IsZero() && meanDeviation(sorted, consensus).LessThanOrEqual(roundingTolerance) {
		return nil, []string{"readings agree within rounding tolerance"}
	}

	var findings []Finding
	var notes []string

	for _, r := range sorted {
		peers := weightedConsensus(sorted, r.EvidenceID)
		if peers.IsZero() {
			continue
		}
		deviation := r.Value.Sub(peers).Abs().Div(peers.Abs())
		if deviation.LessThanOrEqual(anomalyThreshold) {
			continue
		}

		// Unit conversion: a clean power-of-ten ratio with explicit,
		// differing unit labels is a labeling difference, not a lie.
		if ratio, ok := unitRatio(r.Value, peers); ok && r.UnitLabel != "" && unitLabelsDiffer(r, sorted) {
			findings = append(findings, Finding{
				Code:        CodeUnitReconciled,
				Type:        domain.DefectUnitMismatch,
				Severity:    domain.SeverityMinor,
				Description: fmt.Sprintf("figure differs from consensus by a factor of %s with explicit unit labels", ratio),
				EvidenceID:  r.EvidenceID,
			})
			continue
		}

		// Time windows: figures for different periods are not comparable.
		if r.TimeWindow != "" && timeWindowsDiffer(r, sorted) {
			findings = append(findings, Finding{
				Code:        CodeTimeWindowReconciled,
				Type:        domain.DefectTimeWindowMismatch,
				Severity:    domain.SeverityMinor,
				Description: fmt.Sprintf("figure covers window %q; peers report a different window", r.TimeWindow),
				EvidenceID:  r.EvidenceID,
			})
			continue
		}

		// Unreconciled. Only a strictly weaker source contradicting its
		// betters is shudhudh; a stronger source outvoting weaker ones is
		// the system working.
		if r.Tier.Rank() > strongestPeerRank(r, sorted) {
			findings = append(findings, Finding{
				Code:        CodeAnomaly,
				Type:        domain.DefectAnomalyVsStrongerSource,
				Severity:    domain.SeverityMajor,
				Description: fmt.Sprintf("deviates %s%% from tier-weighted consensus of stronger sources", deviation.Mul(decimal.NewFromInt(100)).Round(2)),
				EvidenceID:  r.EvidenceID,
			})
		} else {
			notes = append(notes, fmt.Sprintf("reading %s deviates from weaker peers; consensus follows the stronger tier", r.EvidenceID))
		}
	}

	return findings, notes
}

// weightedConsensus is the tier-weighted mean of all readings except the
// one identified by exclude.
func weightedConsensus(readings []SourceReading, exclude string) decimal.Decimal {
	sum := decimal.Zero
	weights := decimal.Zero
	for _, r := range readings {
		if r.EvidenceID == exclude {
			continue
		}
		w := Weight(r.Tier)
		sum = sum.Add(r.Value.Mul(w))
		weights = weights.Add(w)
	}
	if weights.IsZero() {
		return decimal.Zero
	}
	return sum.Div(weights)
}

func meanDeviation(readings []SourceReading, consensus decimal.Decimal) decimal.Decimal {
	if consensus.IsZero() {
		return decimal.NewFromInt(1)
	}
	sum := decimal.Zero
	for _, r := range readings {
		sum = sum.Add(r.Value.Sub(consensus).Abs().Div(consensus.Abs()))
	}
	return sum.Div(decimal.NewFromInt(int64(len(readings))))
}

// unitRatio reports whether a/b (either way) is within tolerance of 1e3 or
// 1e6, returning the matched factor.
func unitRatio(a, b decimal.Decimal) (decimal.Decimal, bool) {
	if a.IsZero() || b.IsZero() {
		return decimal.Zero, false
	}
	for _, factor := range []decimal.Decimal{thousand, million} {
		for _, ratio := range []decimal.Decimal{a.Div(b).Abs(), b.Div(a).Abs()} {
			if ratio.Sub(factor).Abs().Div(factor).LessThanOrEqual(unitRatioTolerance) {
				return factor, true
			}
		}
	}
	return decimal.Zero, false
}

func unitLabelsDiffer(r SourceReading, all []SourceReading) bool {
	for _, other := range all {
		if other.EvidenceID != r.EvidenceID && other.UnitLabel != "" && other.UnitLabel != r.UnitLabel {
			return true
		}
	}
	return false
}

func timeWindowsDiffer(r SourceReading, all []SourceReading) bool {
	for _, other := range all {
		if other.EvidenceID != r.EvidenceID && other.TimeWindow != "" && other.TimeWindow != r.TimeWindow {
			return true
		}
	}
	return false
}

func strongestPeerRank(r SourceReading, all []SourceReading) int {
	best := TierT5.Rank()
	for _, other := range all {
		if other.EvidenceID == r.EvidenceID {
			continue
		}
		if rank := other.Tier.Rank(); rank < best {
			best = rank
		}
	}
	return best
}
