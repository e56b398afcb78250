// Package extraction turns document spans into claims.
//
// The pipeline is chunk, extract, dedupe, persist. Extractor is the model
// boundary: production wires an LLM-backed implementation, lite mode and
// tests wire the deterministic PatternExtractor. Every claim enters the
// store at grade D regardless of who extracted it; extraction proposes,
// grading promotes.
//
// A chunk that fails to extract degrades the batch to PARTIAL instead of
// aborting it. Persistence and audit failures abort: a claim the audit
// trail cannot account for must not exist.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/values"
)

// DefaultChunkSize bounds how many spans one Extract call sees.
const DefaultChunkSize = 20

// Chunk is the unit of work handed to an extractor: a batch of spans from a
// single document.
type Chunk struct {
	DocumentID string
	Spans      []*domain.Span
}

// Candidate is one claim proposal from an extractor. The pipeline validates
// it before anything is persisted; a candidate citing a span outside its
// chunk's document set is rejected.
type Candidate struct {
	Class  domain.ClaimClass
	Text   string
	Value  *values.ValueStruct
	SpanID string

	ExtractionConfidence decimal.Decimal
	DhabtScore           decimal.Decimal
	Materiality          domain.Materiality
}

// Extractor proposes claims for a chunk of spans. Implementations must be
// safe for concurrent use and must not persist anything themselves.
type Extractor interface {
	Extract(ctx context.Context, chunk Chunk) ([]Candidate, error)
}

// Status is the batch outcome the run orchestrator consumes.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusPartial   Status = "PARTIAL"
)

// Result summarizes one extraction batch. It marshals into the run step's
// result_summary.
type Result struct {
	Status       Status   `json:"status"`
	Chunks       int      `json:"chunks"`
	ChunksFailed int      `json:"chunks_failed"`
	Candidates   int      `json:"candidates"`
	Duplicates   int      `json:"duplicates"`
	Rejected     int      `json:"rejected"`
	ClaimIDs     []string `json:"claim_ids"`
}

// Pipeline runs extraction batches against a claim store.
type Pipeline struct {
	extractor Extractor
	claims    repo.ClaimRepo
	recorder  *audit.Recorder
	builder   *audit.Builder
	logger    *slog.Logger

	chunkSize int
	clock     func() time.Time
	newID     func() string
}

// NewPipeline wires an extraction pipeline. A nil logger falls back to
// slog.Default.
func NewPipeline(extractor Extractor, claims repo.ClaimRepo, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		claims:    claims,
		recorder:  recorder,
		builder:   builder,
		logger:    logger,
		chunkSize: DefaultChunkSize,
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// WithChunkSize overrides the spans-per-chunk bound. Values below 1 are
// ignored.
func (p *Pipeline) WithChunkSize(n int) *Pipeline {
	if n >= 1 {
		p.chunkSize = n
	}
	return p
}

// WithClock overrides the clock for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithIDSource overrides claim-ID generation for deterministic tests.
func (p *Pipeline) WithIDSource(newID func() string) *Pipeline {
	p.newID = newID
	return p
}

// Run extracts claims for one deal from the given spans and persists them.
//
// Chunks that fail to extract are logged and counted; the batch returns
// PARTIAL as long as at least one chunk succeeded. Every chunk failing is a
// batch failure. The closing audit event is fatal: if it cannot be
// recorded, Run returns the audit error even though claims were written.
func (p *Pipeline) Run(ctx context.Context, tc *auth.TenantContext, req audit.Request, dealID string, spans []*domain.Span) (*Result, error) {
	if p.extractor == nil || p.claims == nil {
		return nil, errs.New(errs.CodeInternal, "Extraction pipeline is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Extraction requires a tenant context")
	}

	chunks := p.chunk(spans)
	known := make(map[string]bool, len(spans))
	for _, s := range spans {
		known[s.SpanID] = true
	}

	res := &Result{Status: StatusCompleted, Chunks: len(chunks)}
	seen := make(map[string]bool)
	var lastErr error

	for _, ch := range chunks {
		cands, err := p.extractor.Extract(ctx, ch)
		if err != nil {
			res.ChunksFailed++
			lastErr = err
			p.logger.WarnContext(ctx, "extraction chunk failed",
				"tenant_id", tc.TenantID,
				"deal_id", dealID,
				"document_id", ch.DocumentID,
				"spans", len(ch.Spans),
				"error", err)
			continue
		}
		res.Candidates += len(cands)

		for _, cand := range cands {
			if err := cand.validate(known); err != nil {
				res.Rejected++
				p.logger.WarnContext(ctx, "extraction candidate rejected",
					"tenant_id", tc.TenantID,
					"deal_id", dealID,
					"document_id", ch.DocumentID,
					"error", err)
				continue
			}
			key := string(cand.Class) + "\x00" + NormalizeText(cand.Text)
			if seen[key] {
				res.Duplicates++
				continue
			}
			seen[key] = true

			claim, err := p.persist(ctx, tc.TenantID, dealID, cand)
			if err != nil {
				return nil, err
			}
			res.ClaimIDs = append(res.ClaimIDs, claim.ClaimID)
		}
	}

	if res.Chunks > 0 && res.ChunksFailed == res.Chunks {
		return nil, errs.Wrap(errs.CodeInternal, "Extraction failed for every chunk", lastErr)
	}
	if res.ChunksFailed > 0 {
		res.Status = StatusPartial
	}

	if err := p.recordBatch(ctx, tc, req, dealID, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) persist(ctx context.Context, tenantID, dealID string, cand Candidate) (*domain.Claim, error) {
	claim := domain.NewClaim(p.newID(), tenantID, dealID, cand.Class, cand.Text)
	claim.Value = cand.Value
	claim.PrimarySpanID = cand.SpanID
	claim.ExtractionConfidence = cand.ExtractionConfidence
	claim.DhabtScore = cand.DhabtScore
	if cand.Materiality.Valid() {
		claim.Materiality = cand.Materiality
	}
	now := p.clock().UTC()
	claim.CreatedAt = now
	claim.UpdatedAt = now

	if err := p.claims.Create(ctx, claim); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Persisting extracted claim failed", err)
	}
	return claim, nil
}

func (p *Pipeline) recordBatch(ctx context.Context, tc *auth.TenantContext, req audit.Request, dealID string, res *Result) error {
	if p.recorder == nil || p.builder == nil {
		return errs.New(errs.CodeAuditEmitFailed, "Extraction has no audit recorder")
	}
	severity := audit.SeverityLow
	if res.Status == StatusPartial {
		severity = audit.SeverityMedium
	}
	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	ev := p.builder.Build(tc.TenantID, actor, req,
		audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
		"extraction.batch.completed", severity,
		fmt.Sprintf("Extracted %d claims from %d chunks", len(res.ClaimIDs), res.Chunks),
		audit.Payload{
			Refs: res.ClaimIDs,
			Safe: map[string]any{
				"status":        string(res.Status),
				"chunks":        res.Chunks,
				"chunks_failed": res.ChunksFailed,
				"candidates":    res.Candidates,
				"duplicates":    res.Duplicates,
				"rejected":      res.Rejected,
			},
		})
	if err := p.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

// chunk groups spans by document in first-seen order, then splits each
// group into batches of at most chunkSize.
func (p *Pipeline) chunk(spans []*domain.Span) []Chunk {
	byDoc := make(map[string][]*domain.Span)
	var order []string
	for _, s := range spans {
		if s == nil {
			continue
		}
		if _, ok := byDoc[s.DocumentID]; !ok {
			order = append(order, s.DocumentID)
		}
		byDoc[s.DocumentID] = append(byDoc[s.DocumentID], s)
	}

	var chunks []Chunk
	for _, docID := range order {
		group := byDoc[docID]
		for start := 0; start < len(group); start += p.chunkSize {
			end := start + p.chunkSize
			if end > len(group) {
				end = len(group)
			}
			chunks = append(chunks, Chunk{DocumentID: docID, Spans: group[start:end]})
		}
	}
	return chunks
}

var one = decimal.NewFromInt(1)

func (c Candidate) validate(knownSpans map[string]bool) error {
	if !c.Class.Valid() {
		return fmt.Errorf("extraction: unknown claim class %q", c.Class)
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("extraction: candidate has empty text")
	}
	if !knownSpans[c.SpanID] {
		return fmt.Errorf("extraction: candidate cites unknown span %q", c.SpanID)
	}
	if c.ExtractionConfidence.IsNegative() || c.ExtractionConfidence.GreaterThan(one) {
		return fmt.Errorf("extraction: extraction_confidence %s outside [0,1]", c.ExtractionConfidence)
	}
	if c.DhabtScore.IsNegative() || c.DhabtScore.GreaterThan(one) {
		return fmt.Errorf("extraction: dhabt_score %s outside [0,1]", c.DhabtScore)
	}
	if c.Value != nil {
		if err := c.Value.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeText is the dedupe key normalization: NFC, lowercase, collapsed
// whitespace. Two extractions of the same sentence from different chunks
// must collide here.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
