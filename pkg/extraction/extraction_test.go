package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/values"
)

var extractionTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func extractionTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID: "tenant-1",
		ActorID:  "analyst-1",
		Roles:    []auth.Role{auth.RoleAnalyst},
	}
}

func span(id, docID, text string) *domain.Span {
	return &domain.Span{
		SpanID:      id,
		TenantID:    "tenant-1",
		DocumentID:  docID,
		SpanType:    domain.SpanPDFLine,
		TextExcerpt: text,
	}
}

func newTestPipeline(t *testing.T, ex Extractor) (*Pipeline, *repo.MemoryClaimRepo, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	recorder, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	builder := audit.NewBuilder().WithClock(func() time.Time { return extractionTestNow })
	claims := repo.NewMemoryClaimRepo()

	n := 0
	p := NewPipeline(ex, claims, recorder, builder, nil).
		WithClock(func() time.Time { return extractionTestNow }).
		WithIDSource(func() string { n++; return fmt.Sprintf("claim-%d", n) })
	return p, claims, sink
}

func TestPipelineExtractsFinancialClaim(t *testing.T) {
	p, claims, sink := newTestPipeline(t, PatternExtractor{})

	res, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-1", "Revenue was $5M."),
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"claim-1"}, res.ClaimIDs)

	got, err := claims.Get(context.Background(), "tenant-1", "claim-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassFinancial, got.Class)
	assert.Equal(t, domain.GradeD, got.Grade)
	assert.Equal(t, domain.VerdictUnverified, got.Verdict)
	assert.Equal(t, "span-1", got.PrimarySpanID)
	assert.Equal(t, domain.MaterialityHigh, got.Materiality)
	assert.Equal(t, extractionTestNow, got.CreatedAt)
	assert.True(t, got.ExtractionConfidence.Equal(decimal.RequireFromString("0.97")))

	require.NotNil(t, got.Value)
	assert.Equal(t, values.KindMonetary, got.Value.Kind)
	assert.Equal(t, "USD", got.Value.Currency)
	assert.True(t, got.Value.Amount.Equal(decimal.NewFromInt(5_000_000)))

	events := sink.ByType("extraction.batch.completed")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityLow, events[0].Severity)
	assert.Equal(t, "COMPLETED", events[0].Payload.Safe["status"])
	assert.Equal(t, []string{"claim-1"}, events[0].Payload.Refs)
}

func TestPipelineDedupesRepeatedStatements(t *testing.T) {
	p, _, _ := newTestPipeline(t, PatternExtractor{})

	res, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-1", "Revenue was $5M."),
		span("span-2", "doc-1", "revenue   was $5M."),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, res.ClaimIDs, 1)
}

func TestPipelineChunksByDocument(t *testing.T) {
	var chunks []Chunk
	counter := extractorFunc(func(_ context.Context, ch Chunk) ([]Candidate, error) {
		chunks = append(chunks, ch)
		return nil, nil
	})
	p, _, _ := newTestPipeline(t, counter)
	p.WithChunkSize(2)

	res, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-a", "a"),
		span("span-2", "doc-b", "b"),
		span("span-3", "doc-a", "c"),
		span("span-4", "doc-a", "d"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Chunks)

	// doc-a splits into two chunks of [2,1]; doc-b follows in first-seen order.
	assert.Equal(t, "doc-a", chunks[0].DocumentID)
	assert.Len(t, chunks[0].Spans, 2)
	assert.Equal(t, "doc-a", chunks[1].DocumentID)
	assert.Len(t, chunks[1].Spans, 1)
	assert.Equal(t, "doc-b", chunks[2].DocumentID)
}

func TestPipelinePartialOnChunkFailure(t *testing.T) {
	flaky := extractorFunc(func(ctx context.Context, ch Chunk) ([]Candidate, error) {
		if ch.DocumentID == "doc-bad" {
			return nil, errors.New("model timeout")
		}
		return PatternExtractor{}.Extract(ctx, ch)
	})
	p, claims, sink := newTestPipeline(t, flaky)

	res, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-good", "ARR grew to $2M."),
		span("span-2", "doc-bad", "Burn is $300K per month."),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.ChunksFailed)
	require.Len(t, res.ClaimIDs, 1)

	_, err = claims.Get(context.Background(), "tenant-1", res.ClaimIDs[0])
	require.NoError(t, err)

	events := sink.ByType("extraction.batch.completed")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityMedium, events[0].Severity)
	assert.Equal(t, "PARTIAL", events[0].Payload.Safe["status"])
}

func TestPipelineFailsWhenEveryChunkFails(t *testing.T) {
	broken := extractorFunc(func(context.Context, Chunk) ([]Candidate, error) {
		return nil, errors.New("model down")
	})
	p, _, sink := newTestPipeline(t, broken)

	_, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-1", "Revenue was $5M."),
	})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeInternal))
	assert.Empty(t, sink.Events())
}

func TestPipelineRejectsInvalidCandidates(t *testing.T) {
	bad := extractorFunc(func(_ context.Context, ch Chunk) ([]Candidate, error) {
		return []Candidate{
			{Class: domain.ClassFinancial, Text: "cites a span outside the batch", SpanID: "span-elsewhere",
				ExtractionConfidence: decimal.RequireFromString("0.9"), DhabtScore: decimal.RequireFromString("0.9")},
			{Class: domain.ClassFinancial, Text: "confidence above one", SpanID: ch.Spans[0].SpanID,
				ExtractionConfidence: decimal.RequireFromString("1.2"), DhabtScore: decimal.RequireFromString("0.9")},
			{Class: "GOSSIP", Text: "unknown class", SpanID: ch.Spans[0].SpanID},
		}, nil
	})
	p, _, _ := newTestPipeline(t, bad)

	res, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-1", "whatever"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rejected)
	assert.Empty(t, res.ClaimIDs)
}

func TestPipelineAuditFailureAborts(t *testing.T) {
	p, claims, sink := newTestPipeline(t, PatternExtractor{})
	sink.FailWith = errors.New("disk full")

	_, err := p.Run(context.Background(), extractionTC(), audit.Request{RequestID: "req-1"}, "deal-1", []*domain.Span{
		span("span-1", "doc-1", "Revenue was $5M."),
	})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))

	// The claim write landed before the audit sink failed; the error is the
	// orchestrator's signal to fail the step rather than silently succeed.
	_, err = claims.Get(context.Background(), "tenant-1", "claim-1")
	require.NoError(t, err)
}

func TestPatternExtractorRecognizesFigures(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		wantClass domain.ClaimClass
		wantKind  values.Kind
		wantText  bool
	}{
		{"monetary with keyword", "Revenue was $5M.", domain.ClassFinancial, values.KindMonetary, false},
		{"monetary without keyword", "We raised $12.5 million last year.", domain.ClassFinancial, values.KindMonetary, false},
		{"percentage", "Gross margin reached 60%.", domain.ClassFinancial, values.KindPercentage, false},
		{"overflow percentage", "Growth of 140% year over year.", domain.ClassTraction, values.KindPercentage, false},
		{"count", "We serve 1,200 customers today.", domain.ClassTraction, values.KindCount, false},
		{"keyword only", "The founder previously sold a company.", domain.ClassTeam, "", true},
		{"market size", "TAM of $30B.", domain.ClassMarketSize, values.KindMonetary, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cands, err := PatternExtractor{}.Extract(context.Background(), Chunk{
				DocumentID: "doc-1",
				Spans:      []*domain.Span{span("span-1", "doc-1", tc.text)},
			})
			require.NoError(t, err)
			require.Len(t, cands, 1)
			assert.Equal(t, tc.wantClass, cands[0].Class)
			if tc.wantText {
				assert.Nil(t, cands[0].Value)
				assert.True(t, cands[0].ExtractionConfidence.LessThan(decimal.RequireFromString("0.95")))
			} else {
				require.NotNil(t, cands[0].Value)
				assert.Equal(t, tc.wantKind, cands[0].Value.Kind)
				require.NoError(t, cands[0].Value.Validate())
			}
		})
	}
}

func TestPatternExtractorSkipsUnclassifiableSpans(t *testing.T) {
	cands, err := PatternExtractor{}.Extract(context.Background(), Chunk{
		DocumentID: "doc-1",
		Spans:      []*domain.Span{span("span-1", "doc-1", "This page intentionally left blank.")},
	})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestPatternExtractorParsesMagnitudes(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"cash of $500K", 500_000},
		{"cash of $2.5M", 2_500_000},
		{"cash of $1B", 1_000_000_000},
		{"cash of $750,000", 750_000},
	}
	for _, tc := range cases {
		cands, err := PatternExtractor{}.Extract(context.Background(), Chunk{
			DocumentID: "doc-1",
			Spans:      []*domain.Span{span("span-1", "doc-1", tc.text)},
		})
		require.NoError(t, err)
		require.Len(t, cands, 1, tc.text)
		require.NotNil(t, cands[0].Value)
		assert.True(t, cands[0].Value.Amount.Equal(decimal.NewFromInt(tc.want)),
			"%s: got %s", tc.text, cands[0].Value.Amount)
	}
}

func TestPatternExtractorIsDeterministic(t *testing.T) {
	chunk := Chunk{DocumentID: "doc-1", Spans: []*domain.Span{
		span("span-1", "doc-1", "Revenue was $5M."),
		span("span-2", "doc-1", "Churn is 3%."),
	}}

	first, err := PatternExtractor{}.Extract(context.Background(), chunk)
	require.NoError(t, err)
	second, err := PatternExtractor{}.Extract(context.Background(), chunk)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Class, second[i].Class)
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.True(t, first[i].ExtractionConfidence.Equal(second[i].ExtractionConfidence))
		assert.True(t, first[i].Value.Amount.Equal(*second[i].Value.Amount))
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "revenue was $5m.", NormalizeText("  Revenue   was $5M.  "))
	// Composed and decomposed forms of the same text collide.
	assert.Equal(t, NormalizeText("café"), NormalizeText("café"))
}

// extractorFunc adapts a function to the Extractor interface.
type extractorFunc func(ctx context.Context, chunk Chunk) ([]Candidate, error)

func (f extractorFunc) Extract(ctx context.Context, chunk Chunk) ([]Candidate, error) {
	return f(ctx, chunk)
}
