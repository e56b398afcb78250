package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
)

func graphTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID:   "tenant-1",
		ActorID:    "analyst-1",
		DataRegion: "eu-west-1",
		Roles:      []auth.Role{auth.RoleAnalyst},
	}
}

func newTestProjector(t *testing.T, store Store) (*Projector, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	rec, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	builder := audit.NewBuilder().
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return NewProjector(store, rec, builder, nil), sink
}

func TestMemoryStoreMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n := Node{TenantID: "tenant-1", ID: "deal-1", Kind: NodeDeal, Props: map[string]any{"stage": "DILIGENCE"}}
	require.NoError(t, s.MergeNode(ctx, n))
	n.Props["stage"] = "IC"
	require.NoError(t, s.MergeNode(ctx, n))

	got, ok := s.GetNode("tenant-1", "deal-1")
	require.True(t, ok)
	assert.Equal(t, "IC", got.Props["stage"])
	assert.Equal(t, 1, s.NodeCount("tenant-1", NodeDeal))
}

func TestMemoryStoreEdgeRequiresEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "deal-1", Kind: NodeDeal}))

	err := s.MergeEdge(ctx, Edge{TenantID: "tenant-1", Kind: EdgeHasDocument, FromID: "deal-1", ToID: "doc-1"})
	assert.Error(t, err)

	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "doc-1", Kind: NodeDocument}))
	require.NoError(t, s.MergeEdge(ctx, Edge{TenantID: "tenant-1", Kind: EdgeHasDocument, FromID: "deal-1", ToID: "doc-1"}))
	assert.Len(t, s.Edges("tenant-1"), 1)
}

func TestMemoryStoreDeleteDetaches(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "deal-1", Kind: NodeDeal}))
	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "doc-1", Kind: NodeDocument}))
	require.NoError(t, s.MergeEdge(ctx, Edge{TenantID: "tenant-1", Kind: EdgeHasDocument, FromID: "deal-1", ToID: "doc-1"}))

	require.NoError(t, s.DeleteNode(ctx, "tenant-1", "doc-1"))
	_, ok := s.GetNode("tenant-1", "doc-1")
	assert.False(t, ok)
	assert.Empty(t, s.Edges("tenant-1"))

	// Deleting again is a no-op; compensation must be idempotent.
	require.NoError(t, s.DeleteNode(ctx, "tenant-1", "doc-1"))
}

func TestMemoryStoreTenantKeying(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-a", ID: "deal-1", Kind: NodeDeal, Props: map[string]any{"company_name": "Acme"}}))
	require.NoError(t, s.MergeNode(ctx, Node{TenantID: "tenant-b", ID: "deal-1", Kind: NodeDeal, Props: map[string]any{"company_name": "Globex"}}))

	a, ok := s.GetNode("tenant-a", "deal-1")
	require.True(t, ok)
	b, ok := s.GetNode("tenant-b", "deal-1")
	require.True(t, ok)
	assert.Equal(t, "Acme", a.Props["company_name"])
	assert.Equal(t, "Globex", b.Props["company_name"])

	require.NoError(t, s.DeleteNode(ctx, "tenant-a", "deal-1"))
	_, ok = s.GetNode("tenant-b", "deal-1")
	assert.True(t, ok)
}

func TestValidationClosedSets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assert.Error(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "x", Kind: "Wormhole"}))
	assert.Error(t, s.MergeNode(ctx, Node{TenantID: "", ID: "x", Kind: NodeDeal}))
	assert.Error(t, s.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "", Kind: NodeDeal}))
	assert.Error(t, s.MergeEdge(ctx, Edge{TenantID: "tenant-1", Kind: "TELEPORTS_TO", FromID: "a", ToID: "b"}))
}

func TestProjectionSkippedWithoutStore(t *testing.T) {
	p, sink := newTestProjector(t, nil)

	status, err := p.ProjectDeal(context.Background(), graphTC(), audit.Request{RequestID: "req-1"},
		&domain.Deal{DealID: "deal-1", TenantID: "tenant-1", CompanyName: "Acme", Stage: domain.StageDiligence, Status: "ACTIVE"})

	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)
	assert.Empty(t, sink.Events())
	assert.NoError(t, p.Remove(context.Background(), "tenant-1", "deal-1"))
}

func TestProjectClaimBuildsSupportSubgraph(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, _ := newTestProjector(t, store)
	tc := graphTC()
	req := audit.Request{RequestID: "req-1"}

	deal := &domain.Deal{DealID: "deal-1", TenantID: "tenant-1", CompanyName: "Acme", Stage: domain.StageDiligence, Status: "ACTIVE"}
	doc := &domain.Document{DocumentID: "doc-1", TenantID: "tenant-1", DealID: "deal-1", Name: "financials.pdf", Type: domain.DocPDF, Version: 1, ContentHash: "abc"}
	span := &domain.Span{SpanID: "span-1", TenantID: "tenant-1", DocumentID: "doc-1", SpanType: domain.SpanPDFLine, ContentHash: "def"}
	claim := &domain.Claim{ClaimID: "claim-1", TenantID: "tenant-1", DealID: "deal-1", Class: domain.ClassFinancial, Grade: domain.GradeB, Verdict: domain.VerdictVerified, Materiality: domain.MaterialityHigh, IsFactual: true}
	ev := []domain.Evidence{{EvidenceID: "ev-1", TenantID: "tenant-1", ClaimID: "claim-1", SourceSystem: "AUDITED_FINANCIALS", SourceGrade: domain.GradeA, UpstreamOriginID: "origin-1"}}

	status, err := p.ProjectDeal(ctx, tc, req, deal)
	require.NoError(t, err)
	require.Equal(t, StatusProjected, status)
	status, err = p.ProjectDocument(ctx, tc, req, doc)
	require.NoError(t, err)
	require.Equal(t, StatusProjected, status)
	status, err = p.ProjectClaim(ctx, tc, req, claim, span, ev)
	require.NoError(t, err)
	require.Equal(t, StatusProjected, status)

	assert.Equal(t, 1, store.NodeCount("tenant-1", NodeClaim))
	assert.Equal(t, 1, store.NodeCount("tenant-1", NodeSpan))
	assert.Equal(t, 1, store.NodeCount("tenant-1", NodeEvidenceItem))

	kinds := map[EdgeKind]int{}
	for _, e := range store.Edges("tenant-1") {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[EdgeHasDocument])
	assert.Equal(t, 1, kinds[EdgeHasSpan])
	assert.Equal(t, 1, kinds[EdgeMentionedIn])
	assert.Equal(t, 1, kinds[EdgeSupportedBy])
}

func TestProjectSanadChainEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, _ := newTestProjector(t, store)
	tc := graphTC()
	req := audit.Request{RequestID: "req-1"}

	require.NoError(t, store.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "claim-1", Kind: NodeClaim}))

	sanad := &domain.Sanad{
		SanadID: "sanad-1", TenantID: "tenant-1", DealID: "deal-1", ClaimID: "claim-1",
		Nodes: []domain.TransmissionNode{
			{NodeID: "n-1", TenantID: "tenant-1", Kind: domain.NodeExtraction, UpstreamOriginID: "origin-1", Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
			{NodeID: "n-2", TenantID: "tenant-1", Kind: domain.NodeCalculation, UpstreamOriginID: "origin-1", ParentIDs: []string{"n-1"}},
		},
	}

	status, err := p.ProjectSanad(ctx, tc, req, sanad)
	require.NoError(t, err)
	assert.Equal(t, StatusProjected, status)
	assert.Equal(t, 2, store.NodeCount("tenant-1", NodeTransmissionNode))

	kinds := map[EdgeKind]int{}
	for _, e := range store.Edges("tenant-1") {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[EdgeHasSanadStep])
	assert.Equal(t, 1, kinds[EdgeDerivedFrom])
}

func TestProjectCalcInputEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, _ := newTestProjector(t, store)
	tc := graphTC()
	req := audit.Request{RequestID: "req-1"}

	require.NoError(t, store.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "claim-1", Kind: NodeClaim}))
	require.NoError(t, store.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "claim-2", Kind: NodeClaim}))

	calc := &domain.DeterministicCalculation{
		CalcID: "calc-1", TenantID: "tenant-1", DealID: "deal-1", CalcType: "RUNWAY",
		InputClaimIDs: []string{"claim-1", "claim-2"},
		Output:        domain.CalcOutput{PrimaryValue: "20.0000", Unit: "months"},
	}

	status, err := p.ProjectCalc(ctx, tc, req, calc)
	require.NoError(t, err)
	assert.Equal(t, StatusProjected, status)

	node, ok := store.GetNode("tenant-1", "calc-1")
	require.True(t, ok)
	assert.Equal(t, "20.0000", node.Props["primary_value"])

	kinds := map[EdgeKind]int{}
	for _, e := range store.Edges("tenant-1") {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[EdgeInput])
}

type failingStore struct{}

func (failingStore) MergeNode(context.Context, Node) error { return errors.New("bolt: connection reset") }
func (failingStore) MergeEdge(context.Context, Edge) error { return errors.New("bolt: connection reset") }
func (failingStore) DeleteNode(context.Context, string, string) error {
	return errors.New("bolt: connection reset")
}
func (failingStore) Close(context.Context) error { return nil }

func TestProjectionFailureIsAuditedHigh(t *testing.T) {
	p, sink := newTestProjector(t, failingStore{})

	status, err := p.ProjectDeal(context.Background(), graphTC(), audit.Request{RequestID: "req-1"},
		&domain.Deal{DealID: "deal-1", TenantID: "tenant-1", CompanyName: "Acme", Stage: domain.StageDiligence, Status: "ACTIVE"})

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	events := sink.ByType("graph_projection.deal.failed")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityHigh, events[0].Severity)
	assert.Equal(t, "GRAPH_PROJECTION", events[0].Resource.ResourceType)
	assert.Equal(t, "deal-1", events[0].Resource.ResourceID)
}

func TestProjectionAuditFailureCompounds(t *testing.T) {
	sink := audit.NewMemorySink()
	sink.FailWith = errors.New("disk full")
	rec, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	p := NewProjector(failingStore{}, rec, audit.NewBuilder(), nil)

	status, err := p.ProjectDeal(context.Background(), graphTC(), audit.Request{RequestID: "req-1"},
		&domain.Deal{DealID: "deal-1", TenantID: "tenant-1", CompanyName: "Acme", Stage: domain.StageDiligence, Status: "ACTIVE"})

	assert.Equal(t, StatusAuditFailure, status)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))
}

func TestRemoveDeletesProjectedNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, _ := newTestProjector(t, store)

	require.NoError(t, store.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "claim-1", Kind: NodeClaim}))
	require.NoError(t, store.MergeNode(ctx, Node{TenantID: "tenant-1", ID: "ev-1", Kind: NodeEvidenceItem}))

	require.NoError(t, p.Remove(ctx, "tenant-1", "claim-1", "ev-1"))
	assert.Equal(t, 0, store.NodeCount("tenant-1", NodeClaim))
	assert.Equal(t, 0, store.NodeCount("tenant-1", NodeEvidenceItem))
}
