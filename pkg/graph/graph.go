// Package graph maintains the provenance projection of relational state.
//
// Postgres stays source of truth; the graph holds a queryable mirror of
// deals, documents, claims, evidence chains, and calculations. Node and
// edge kinds are closed sets, every write is keyed by (tenant_id, id), and
// no traversal crosses tenants. The projection layer wraps the store with
// the skip/fail/audit semantics the orchestrator depends on.
package graph

import (
	"context"
	"fmt"
)

// NodeKind is the closed set of projected node labels.
type NodeKind string

const (
	NodeDeal             NodeKind = "Deal"
	NodeDocument         NodeKind = "Document"
	NodeSpan             NodeKind = "Span"
	NodeClaim            NodeKind = "Claim"
	NodeEvidenceItem     NodeKind = "EvidenceItem"
	NodeTransmissionNode NodeKind = "TransmissionNode"
	NodeCalculation      NodeKind = "Calculation"
	NodeDefect           NodeKind = "Defect"
	NodeEntity           NodeKind = "Entity"
)

// ValidNodeKind reports membership in the closed label set. Labels are
// interpolated into queries, so nothing outside this set may reach a store.
func ValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeDeal, NodeDocument, NodeSpan, NodeClaim, NodeEvidenceItem,
		NodeTransmissionNode, NodeCalculation, NodeDefect, NodeEntity:
		return true
	}
	return false
}

// EdgeKind is the closed set of projected relationship types.
type EdgeKind string

const (
	EdgeHasDocument  EdgeKind = "HAS_DOCUMENT"
	EdgeHasSpan      EdgeKind = "HAS_SPAN"
	EdgeSupportedBy  EdgeKind = "SUPPORTED_BY"
	EdgeHasSanadStep EdgeKind = "HAS_SANAD_STEP"
	EdgeInput        EdgeKind = "INPUT"
	EdgeOutput       EdgeKind = "OUTPUT"
	EdgeHasDefect    EdgeKind = "HAS_DEFECT"
	EdgeDerivedFrom  EdgeKind = "DERIVED_FROM"
	EdgeMentionedIn  EdgeKind = "MENTIONED_IN"
)

// ValidEdgeKind reports membership in the closed relationship set.
func ValidEdgeKind(k EdgeKind) bool {
	switch k {
	case EdgeHasDocument, EdgeHasSpan, EdgeSupportedBy, EdgeHasSanadStep,
		EdgeInput, EdgeOutput, EdgeHasDefect, EdgeDerivedFrom, EdgeMentionedIn:
		return true
	}
	return false
}

// Node is one projected entity. Props carry display/query fields only,
// never payload data the relational store is authoritative for.
type Node struct {
	TenantID string
	ID       string
	Kind     NodeKind
	Props    map[string]any
}

// Edge is one projected relationship between two nodes of the same tenant.
type Edge struct {
	TenantID string
	Kind     EdgeKind
	FromID   string
	ToID     string
}

func (n Node) validate() error {
	if n.TenantID == "" {
		return fmt.Errorf("graph: node %s has no tenant", n.ID)
	}
	if n.ID == "" {
		return fmt.Errorf("graph: node of kind %s has no id", n.Kind)
	}
	if !ValidNodeKind(n.Kind) {
		return fmt.Errorf("graph: unknown node kind %q", n.Kind)
	}
	return nil
}

func (e Edge) validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("graph: edge %s has no tenant", e.Kind)
	}
	if e.FromID == "" || e.ToID == "" {
		return fmt.Errorf("graph: edge %s needs both endpoints", e.Kind)
	}
	if !ValidEdgeKind(e.Kind) {
		return fmt.Errorf("graph: unknown edge kind %q", e.Kind)
	}
	return nil
}

// Store is the projection target. MergeNode and MergeEdge are idempotent
// upserts; DeleteNode detaches and removes a node and is the compensation
// primitive for saga unwinding. Both endpoints of an edge must already
// exist in the same tenant or MergeEdge fails.
type Store interface {
	MergeNode(ctx context.Context, n Node) error
	MergeEdge(ctx context.Context, e Edge) error
	DeleteNode(ctx context.Context, tenantID, nodeID string) error
	Close(ctx context.Context) error
}
