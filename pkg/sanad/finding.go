package sanad

import (
	"sort"

	"github.com/mizan-labs/idis/pkg/domain"
)

// Finding codes. Each maps onto one defect type from the domain catalogue;
// the code carries the grading stage that raised it.
const (
	CodeChainBreak           = "ILAL_CHAIN_BREAK"
	CodeChainGrafting        = "ILAL_CHAIN_GRAFTING"
	CodeChronologyImpossible = "ILAL_CHRONOLOGY_IMPOSSIBLE"
	CodeVersionDrift         = "ILAL_VERSION_DRIFT"
	CodeAnomaly              = "SHUDHUDH_ANOMALY"
	CodeCOIUndisclosed       = "COI_UNDISCLOSED"
	CodeUnitReconciled       = "SHUDHUDH_UNIT_RECONCILED"
	CodeTimeWindowReconciled = "SHUDHUDH_TIME_WINDOW_RECONCILED"
)

// Finding is one fault the grader discovered. Services persist findings as
// domain defects; Type and Severity follow the domain catalogue.
type Finding struct {
	Code        string                `json:"code"`
	Type        domain.DefectType     `json:"defect_type"`
	Severity    domain.DefectSeverity `json:"severity"`
	Description string                `json:"description"`
	NodeID      string                `json:"node_id,omitempty"`
	EvidenceID  string                `json:"evidence_id,omitempty"`
}

func severityRank(s domain.DefectSeverity) int {
	switch s {
	case domain.SeverityFatal:
		return 0
	case domain.SeverityMajor:
		return 1
	default:
		return 2
	}
}

// sortFindings orders findings fatal-first, then by code, node, and
// evidence so grader output never depends on detection order.
func sortFindings(fs []Finding) {
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if severityRank(a.Severity) != severityRank(b.Severity) {
			return severityRank(a.Severity) < severityRank(b.Severity)
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.EvidenceID < b.EvidenceID
	})
}

func countSeverity(fs []Finding, s domain.DefectSeverity) int {
	n := 0
	for i := range fs {
		if fs[i].Severity == s {
			n++
		}
	}
	return n
}
