package sanad

import (
	"github.com/mizan-labs/idis/pkg/domain"
)

// corroboration counts transmission chains whose roots sit in distinct
// independence clusters. A cluster is keyed by the root's upstream origin;
// roots without one count as their own cluster, since nothing ties them to
// any other source.
func corroboration(s *domain.Sanad) (int, domain.CorroborationLevel) {
	if s == nil {
		return 0, domain.CorroborationNone
	}
	clusters := make(map[string]bool)
	for _, rootID := range s.Roots() {
		root := s.NodeByID(rootID)
		if root == nil {
			continue
		}
		key := root.UpstreamOriginID
		if key == "" {
			key = "node:" + root.NodeID
		}
		clusters[key] = true
	}

	count := len(clusters)
	switch {
	case count >= 3:
		return count, domain.CorroborationMutawatir
	case count == 2:
		return count, domain.CorroborationAhad2
	case count == 1:
		return count, domain.CorroborationAhad1
	default:
		return 0, domain.CorroborationNone
	}
}
