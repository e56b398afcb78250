package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
)

// Status is the outcome of one projection attempt.
//
// SKIPPED means no graph is configured and is not an error. FAILED means
// the graph write failed and a HIGH audit event recorded that; the
// relational store remains authoritative. AUDIT_FAILURE means the
// projection failed AND the failure could not be audited — the compound
// worst case, surfaced to callers verbatim.
type Status string

const (
	StatusSkipped      Status = "SKIPPED"
	StatusProjected    Status = "PROJECTED"
	StatusFailed       Status = "FAILED"
	StatusAuditFailure Status = "AUDIT_FAILURE"
)

// EntityMention is an extracted named entity and the spans mentioning it.
type EntityMention struct {
	EntityID string
	Name     string
	SpanIDs  []string
}

// Projector wraps a Store with the skip/fail/audit semantics callers rely
// on. A nil store is a valid configuration: every projection reports
// SKIPPED and the platform runs relational-only.
type Projector struct {
	store    Store
	recorder *audit.Recorder
	builder  *audit.Builder
	logger   *slog.Logger
}

// NewProjector builds a projector. store may be nil (graph unconfigured).
func NewProjector(store Store, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, recorder: recorder, builder: builder, logger: logger}
}

// Configured reports whether a graph store is attached.
func (p *Projector) Configured() bool { return p != nil && p.store != nil }

func actorOf(tc *auth.TenantContext) audit.Actor {
	t := audit.ActorHuman
	if tc.IsService() {
		t = audit.ActorService
	}
	return audit.Actor{ActorType: t, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
}

func (p *Projector) project(ctx context.Context, tc *auth.TenantContext, req audit.Request, kind, resourceID string, write func(context.Context) error) (Status, error) {
	if !p.Configured() {
		return StatusSkipped, nil
	}
	err := write(ctx)
	if err == nil {
		return StatusProjected, nil
	}

	p.logger.WarnContext(ctx, "graph projection failed",
		"kind", kind, "resource_id", resourceID, "tenant_id", tc.TenantID, "error", err)

	event := p.builder.Build(
		tc.TenantID,
		actorOf(tc),
		req,
		audit.Resource{ResourceType: "GRAPH_PROJECTION", ResourceID: resourceID},
		"graph_projection."+kind+".failed",
		audit.SeverityHigh,
		"Graph projection failed; relational store remains source of truth",
		audit.Payload{
			Refs: []string{resourceID},
			Safe: map[string]any{"entity_kind": kind, "status": string(StatusFailed)},
		},
	)
	if aerr := p.recorder.Record(ctx, event); aerr != nil {
		return StatusAuditFailure, errs.AuditEmitFailed(aerr)
	}
	return StatusFailed, nil
}

// ProjectDeal mirrors a deal node.
func (p *Projector) ProjectDeal(ctx context.Context, tc *auth.TenantContext, req audit.Request, deal *domain.Deal) (Status, error) {
	return p.project(ctx, tc, req, "deal", deal.DealID, func(ctx context.Context) error {
		return p.store.MergeNode(ctx, Node{
			TenantID: deal.TenantID,
			ID:       deal.DealID,
			Kind:     NodeDeal,
			Props: map[string]any{
				"company_name": deal.CompanyName,
				"stage":        string(deal.Stage),
				"status":       deal.Status,
			},
		})
	})
}

// ProjectDocument mirrors a document node and links it to its deal.
func (p *Projector) ProjectDocument(ctx context.Context, tc *auth.TenantContext, req audit.Request, doc *domain.Document) (Status, error) {
	return p.project(ctx, tc, req, "document", doc.DocumentID, func(ctx context.Context) error {
		if err := p.store.MergeNode(ctx, Node{
			TenantID: doc.TenantID,
			ID:       doc.DocumentID,
			Kind:     NodeDocument,
			Props: map[string]any{
				"name":         doc.Name,
				"type":         string(doc.Type),
				"version":      doc.Version,
				"content_hash": doc.ContentHash,
			},
		}); err != nil {
			return err
		}
		return p.store.MergeEdge(ctx, Edge{
			TenantID: doc.TenantID, Kind: EdgeHasDocument, FromID: doc.DealID, ToID: doc.DocumentID,
		})
	})
}

// ProjectClaim mirrors a claim with its primary span, supporting evidence,
// and any calculations it was derived from.
func (p *Projector) ProjectClaim(ctx context.Context, tc *auth.TenantContext, req audit.Request, claim *domain.Claim, span *domain.Span, evidence []domain.Evidence) (Status, error) {
	return p.project(ctx, tc, req, "claim", claim.ClaimID, func(ctx context.Context) error {
		if err := p.store.MergeNode(ctx, Node{
			TenantID: claim.TenantID,
			ID:       claim.ClaimID,
			Kind:     NodeClaim,
			Props: map[string]any{
				"claim_class": string(claim.Class),
				"grade":       string(claim.Grade),
				"verdict":     string(claim.Verdict),
				"materiality": string(claim.Materiality),
				"is_factual":  claim.IsFactual,
			},
		}); err != nil {
			return err
		}

		if span != nil {
			if err := p.store.MergeNode(ctx, Node{
				TenantID: span.TenantID,
				ID:       span.SpanID,
				Kind:     NodeSpan,
				Props: map[string]any{
					"span_type":    string(span.SpanType),
					"content_hash": span.ContentHash,
				},
			}); err != nil {
				return err
			}
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: span.TenantID, Kind: EdgeHasSpan, FromID: span.DocumentID, ToID: span.SpanID,
			}); err != nil {
				return err
			}
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: claim.TenantID, Kind: EdgeMentionedIn, FromID: claim.ClaimID, ToID: span.SpanID,
			}); err != nil {
				return err
			}
		}

		for i := range evidence {
			ev := &evidence[i]
			if err := p.store.MergeNode(ctx, Node{
				TenantID: ev.TenantID,
				ID:       ev.EvidenceID,
				Kind:     NodeEvidenceItem,
				Props: map[string]any{
					"source_system":      ev.SourceSystem,
					"source_grade":       string(ev.SourceGrade),
					"upstream_origin_id": ev.UpstreamOriginID,
				},
			}); err != nil {
				return err
			}
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: claim.TenantID, Kind: EdgeSupportedBy, FromID: claim.ClaimID, ToID: ev.EvidenceID,
			}); err != nil {
				return err
			}
		}

		for _, calcID := range claim.CalculationIDs {
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: claim.TenantID, Kind: EdgeOutput, FromID: calcID, ToID: claim.ClaimID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProjectSanad mirrors the transmission chain: one node per step, the claim
// linked to every step, and each child linked to its parents.
func (p *Projector) ProjectSanad(ctx context.Context, tc *auth.TenantContext, req audit.Request, sanad *domain.Sanad) (Status, error) {
	return p.project(ctx, tc, req, "sanad", sanad.SanadID, func(ctx context.Context) error {
		for _, n := range sanad.SortedNodes() {
			props := map[string]any{
				"kind":               string(n.Kind),
				"upstream_origin_id": n.UpstreamOriginID,
			}
			if !n.Timestamp.IsZero() {
				props["timestamp"] = n.Timestamp.UTC().Format(time.RFC3339)
			}
			if err := p.store.MergeNode(ctx, Node{
				TenantID: sanad.TenantID, ID: n.NodeID, Kind: NodeTransmissionNode, Props: props,
			}); err != nil {
				return err
			}
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: sanad.TenantID, Kind: EdgeHasSanadStep, FromID: sanad.ClaimID, ToID: n.NodeID,
			}); err != nil {
				return err
			}
		}
		for _, n := range sanad.SortedNodes() {
			for _, parent := range n.ParentIDs {
				if err := p.store.MergeEdge(ctx, Edge{
					TenantID: sanad.TenantID, Kind: EdgeDerivedFrom, FromID: n.NodeID, ToID: parent,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ProjectCalc mirrors a calculation node and the claims feeding it.
func (p *Projector) ProjectCalc(ctx context.Context, tc *auth.TenantContext, req audit.Request, calc *domain.DeterministicCalculation) (Status, error) {
	return p.project(ctx, tc, req, "calc", calc.CalcID, func(ctx context.Context) error {
		if err := p.store.MergeNode(ctx, Node{
			TenantID: calc.TenantID,
			ID:       calc.CalcID,
			Kind:     NodeCalculation,
			Props: map[string]any{
				"calc_type":            calc.CalcType,
				"code_version":         calc.CodeVersion,
				"formula_hash":         calc.FormulaHash,
				"reproducibility_hash": calc.ReproducibilityHash,
				"primary_value":        calc.Output.PrimaryValue,
				"unit":                 calc.Output.Unit,
			},
		}); err != nil {
			return err
		}
		for _, claimID := range calc.InputClaimIDs {
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: calc.TenantID, Kind: EdgeInput, FromID: claimID, ToID: calc.CalcID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProjectDefect mirrors a defect node attached to its claim.
func (p *Projector) ProjectDefect(ctx context.Context, tc *auth.TenantContext, req audit.Request, defect *domain.Defect) (Status, error) {
	return p.project(ctx, tc, req, "defect", defect.DefectID, func(ctx context.Context) error {
		if err := p.store.MergeNode(ctx, Node{
			TenantID: defect.TenantID,
			ID:       defect.DefectID,
			Kind:     NodeDefect,
			Props: map[string]any{
				"defect_type": string(defect.Type),
				"severity":    string(defect.Severity),
				"status":      string(defect.Status),
			},
		}); err != nil {
			return err
		}
		return p.store.MergeEdge(ctx, Edge{
			TenantID: defect.TenantID, Kind: EdgeHasDefect, FromID: defect.ClaimID, ToID: defect.DefectID,
		})
	})
}

// ProjectEntity mirrors a named entity and the spans mentioning it.
func (p *Projector) ProjectEntity(ctx context.Context, tc *auth.TenantContext, req audit.Request, mention EntityMention) (Status, error) {
	return p.project(ctx, tc, req, "entity", mention.EntityID, func(ctx context.Context) error {
		if err := p.store.MergeNode(ctx, Node{
			TenantID: tc.TenantID,
			ID:       mention.EntityID,
			Kind:     NodeEntity,
			Props:    map[string]any{"name": mention.Name},
		}); err != nil {
			return err
		}
		for _, spanID := range mention.SpanIDs {
			if err := p.store.MergeEdge(ctx, Edge{
				TenantID: tc.TenantID, Kind: EdgeMentionedIn, FromID: mention.EntityID, ToID: spanID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes projected nodes, detaching their edges. It is the saga
// compensation primitive and is idempotent; with no graph configured it is
// a no-op.
func (p *Projector) Remove(ctx context.Context, tenantID string, nodeIDs ...string) error {
	if !p.Configured() {
		return nil
	}
	for _, id := range nodeIDs {
		if err := p.store.DeleteNode(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}
