package sanad

import (
	"fmt"
	"sort"

	"github.com/mizan-labs/idis/pkg/domain"
)

// checkCOI evaluates conflict of interest across all sources. A disclosed
// self-serving source caps the grade at C; an undisclosed one is a MAJOR
// defect, because concealing the interest is worse than holding it.
func checkCOI(sources []*domain.Evidence) ([]GradeCap, []Finding) {
	sorted := make([]*domain.Evidence, 0, len(sources))
	for _, e := range sources {
		if e != nil {
			sorted = append(sorted, e)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EvidenceID < sorted[j].EvidenceID })

	var caps []GradeCap
	var findings []Finding
	for _, e := range sorted {
		if !e.SelfServing {
			continue
		}
		if e.COIDisclosed {
			caps = append(caps, GradeCap{
				Grade:  domain.GradeC,
				Reason: fmt.Sprintf("COI_DISCLOSED:%s", e.EvidenceID),
			})
			continue
		}
		findings = append(findings, Finding{
			Code:        CodeCOIUndisclosed,
			Type:        domain.DefectUnknownSource,
			Severity:    domain.SeverityMajor,
			Description: "self-serving source without conflict-of-interest disclosure",
			EvidenceID:  e.EvidenceID,
		})
	}
	return caps, findings
}
