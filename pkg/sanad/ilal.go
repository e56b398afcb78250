package sanad

import (
	"fmt"
	"sort"

	"github.com/mizan-labs/idis/pkg/domain"
)

// checkChain runs the i'lal structural checks over the transmission DAG:
// chain breaks, grafting, and chronology. knownEvidence, when non-nil, is
// the closed set of evidence IDs a node may reference; a dangling
// reference is a break.
func checkChain(s *domain.Sanad, knownEvidence map[string]bool) []Finding {
	var findings []Finding

	if s == nil || len(s.Nodes) == 0 {
		return []Finding{{
			Code:        CodeChainBreak,
			Type:        domain.DefectBrokenChain,
			Severity:    domain.SeverityFatal,
			Description: "transmission chain is empty",
		}}
	}

	nodes := s.SortedNodes()
	byID := make(map[string]*domain.TransmissionNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	for i := range nodes {
		node := &nodes[i]

		for _, parentID := range sortedCopy(node.ParentIDs) {
			parent, ok := byID[parentID]
			if !ok {
				findings = append(findings, Finding{
					Code:        CodeChainBreak,
					Type:        domain.DefectBrokenChain,
					Severity:    domain.SeverityFatal,
					Description: fmt.Sprintf("node references missing parent %s", parentID),
					NodeID:      node.NodeID,
				})
				continue
			}

			// Grafting: a child stitched onto a parent from a different
			// upstream origin. Merge nodes carry no origin of their own,
			// so the check only fires when both sides declare one.
			if node.UpstreamOriginID != "" && parent.UpstreamOriginID != "" &&
				node.UpstreamOriginID != parent.UpstreamOriginID {
				findings = append(findings, Finding{
					Code:        CodeChainGrafting,
					Type:        domain.DefectChainGrafting,
					Severity:    domain.SeverityFatal,
					Description: fmt.Sprintf("upstream origin conflicts with parent %s", parentID),
					NodeID:      node.NodeID,
				})
			}

			// Chronology: information cannot flow backwards. Unknown
			// timestamps skip the check; shape rules still apply.
			if !node.Timestamp.IsZero() && !parent.Timestamp.IsZero() &&
				node.Timestamp.Before(parent.Timestamp) {
				findings = append(findings, Finding{
					Code:        CodeChronologyImpossible,
					Severity:    domain.SeverityFatal,
					Type:        domain.DefectChronoImpossible,
					Description: fmt.Sprintf("node predates its parent %s", parentID),
					NodeID:      node.NodeID,
				})
			}
		}

		if knownEvidence != nil {
			for _, ref := range sortedCopy(append(append([]string{}, node.InputRefs...), node.OutputRefs...)) {
				if !knownEvidence[ref] {
					findings = append(findings, Finding{
						Code:        CodeChainBreak,
						Type:        domain.DefectBrokenChain,
						Severity:    domain.SeverityFatal,
						Description: fmt.Sprintf("node references unknown evidence %s", ref),
						NodeID:      node.NodeID,
					})
				}
			}
		}
	}

	// Root reachability: every node must reach a root by following
	// parents. A node that cannot sits on a cycle.
	for i := range nodes {
		if !reachesRoot(nodes[i].NodeID, byID) {
			findings = append(findings, Finding{
				Code:        CodeChainBreak,
				Type:        domain.DefectBrokenChain,
				Severity:    domain.SeverityFatal,
				Description: "node cannot reach a chain root",
				NodeID:      nodes[i].NodeID,
			})
		}
	}

	return findings
}

// reachesRoot walks parent edges from start. Missing parents terminate the
// walk without reaching a root; the missing-parent finding covers those.
func reachesRoot(start string, byID map[string]*domain.TransmissionNode) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		node, ok := byID[id]
		if !ok {
			return false
		}
		if len(node.ParentIDs) == 0 {
			return true
		}
		for _, parentID := range node.ParentIDs {
			if walk(parentID) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// checkVersionDrift flags a claim citing an outdated document revision.
// Drift requires a strictly newer version of the same logical document
// whose content differs; a re-upload with identical bytes is not drift.
func checkVersionDrift(cited *domain.Document, all []*domain.Document) []Finding {
	if cited == nil || len(all) == 0 {
		return nil
	}
	latest := cited
	for _, d := range all {
		if d.Name == cited.Name && d.Version > latest.Version {
			latest = d
		}
	}
	if latest.Version > cited.Version && latest.ContentHash != cited.ContentHash {
		return []Finding{{
			Code:        CodeVersionDrift,
			Type:        domain.DefectInconsistency,
			Severity:    domain.SeverityMajor,
			Description: fmt.Sprintf("cites version %d of %q; version %d differs", cited.Version, cited.Name, latest.Version),
		}}
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
