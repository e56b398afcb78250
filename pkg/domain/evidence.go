package domain

import (
	"sort"
	"time"
)

// VerificationStatus tracks whether an evidence item has been checked
// against its source.
type VerificationStatus string

const (
	EvidenceUnverified VerificationStatus = "UNVERIFIED"
	EvidenceVerified   VerificationStatus = "VERIFIED"
	EvidenceDisputed   VerificationStatus = "DISPUTED"
)

// Evidence is one item supporting a claim: a span plus provenance metadata.
type Evidence struct {
	EvidenceID         string             `json:"evidence_id"`
	TenantID           string             `json:"tenant_id"`
	ClaimID            string             `json:"claim_id"`
	SourceSpanID       string             `json:"source_span_id"`
	SourceGrade        Grade              `json:"source_grade"`
	SourceSystem       string             `json:"source_system"`
	UpstreamOriginID   string             `json:"upstream_origin_id"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	SelfServing        bool               `json:"self_serving"`
	COIDisclosed       bool               `json:"coi_disclosed"`
	CreatedAt          time.Time          `json:"created_at"`
}

// NodeKind is the transformation a transmission node performed.
type NodeKind string

const (
	NodeExtraction        NodeKind = "EXTRACTION"
	NodeCalculation       NodeKind = "CALCULATION"
	NodeHumanVerification NodeKind = "HUMAN_VERIFICATION"
)

func (k NodeKind) Valid() bool {
	switch k {
	case NodeExtraction, NodeCalculation, NodeHumanVerification:
		return true
	}
	return false
}

// TransmissionNode is one step of an evidence chain. InputRefs and
// OutputRefs are ordered; ParentIDs is adjacency toward the chain root.
// Timestamp is zero when the step time is unknown; chronology checks skip
// unknown timestamps but chain-shape checks still apply.
type TransmissionNode struct {
	NodeID           string    `json:"node_id"`
	TenantID         string    `json:"tenant_id"`
	Kind             NodeKind  `json:"kind"`
	Timestamp        time.Time `json:"timestamp"`
	UpstreamOriginID string    `json:"upstream_origin_id"`
	ParentIDs        []string  `json:"parent_ids,omitempty"`
	InputRefs        []string  `json:"input_refs,omitempty"`
	OutputRefs       []string  `json:"output_refs,omitempty"`
}

// CorroborationLevel is the tawatur status of a sanad.
type CorroborationLevel string

const (
	CorroborationNone      CorroborationLevel = "NONE"
	CorroborationAhad1     CorroborationLevel = "AHAD_1"
	CorroborationAhad2     CorroborationLevel = "AHAD_2"
	CorroborationMutawatir CorroborationLevel = "MUTAWATIR"
)

// Sanad is the rooted DAG of transmission nodes supporting a claim, plus the
// grading outputs computed over it.
type Sanad struct {
	SanadID  string `json:"sanad_id"`
	TenantID string `json:"tenant_id"`
	DealID   string `json:"deal_id"`
	ClaimID  string `json:"claim_id"`

	PrimaryEvidenceID string             `json:"primary_evidence_id"`
	Nodes             []TransmissionNode `json:"nodes"`

	Grade                 Grade              `json:"grade"`
	CorroborationLevel    CorroborationLevel `json:"corroboration_level"`
	IndependentChainCount int                `json:"independent_chain_count"`
	GradeRationale        string             `json:"grade_rationale"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SortedNodes returns the chain nodes ordered by node ID. Grading iterates
// this order so output never depends on insertion order.
func (s *Sanad) SortedNodes() []TransmissionNode {
	nodes := make([]TransmissionNode, len(s.Nodes))
	copy(nodes, s.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

// NodeByID returns the chain node with the given ID, or nil.
func (s *Sanad) NodeByID(id string) *TransmissionNode {
	for i := range s.Nodes {
		if s.Nodes[i].NodeID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Roots returns the IDs of nodes with no parents, sorted.
func (s *Sanad) Roots() []string {
	var roots []string
	for i := range s.Nodes {
		if len(s.Nodes[i].ParentIDs) == 0 {
			roots = append(roots, s.Nodes[i].NodeID)
		}
	}
	sort.Strings(roots)
	return roots
}
