package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/calc"
	"github.com/mizan-labs/idis/pkg/debate"
	"github.com/mizan-labs/idis/pkg/deliverable"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/enrichment"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/extraction"
	"github.com/mizan-labs/idis/pkg/graph"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/retention"
	"github.com/mizan-labs/idis/pkg/run"
	"github.com/mizan-labs/idis/pkg/saga"
	"github.com/mizan-labs/idis/pkg/sanad"
)

// stepDeps carries everything the pipeline steps touch. Step functions hang
// off it so the orchestrator map stays a plain listing.
type stepDeps struct {
	stores     *repo.Stores
	extractor  *extraction.Pipeline
	calcEngine *calc.Engine
	registry   *calc.Registry
	enricher   *enrichment.Service
	debater    *debate.Orchestrator
	projector  *graph.Projector
	sagas      *saga.Executor
	exporter   *deliverable.Exporter
	retention  retention.Index
	recorder   *audit.Recorder
	builder    *audit.Builder
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// pipelineSteps maps every step name either mode can reach to its function.
func pipelineSteps(d *stepDeps) map[domain.StepName]run.StepFn {
	return map[domain.StepName]run.StepFn{
		domain.StepIngestCheck:  d.ingestCheckStep,
		domain.StepExtract:      d.extractStep,
		domain.StepGrade:        d.gradeStep,
		domain.StepCalc:         d.calcStep,
		domain.StepEnrichment:   d.enricher.Step(),
		domain.StepDebate:       d.debateStep,
		domain.StepAnalysis:     d.analysisStep,
		domain.StepScoring:      d.scoringStep,
		domain.StepDeliverables: d.deliverablesStep,
	}
}

func actorFor(tc *auth.TenantContext) audit.Actor {
	t := audit.ActorHuman
	if tc.IsService() {
		t = audit.ActorService
	}
	return audit.Actor{ActorType: t, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
}

// record emits one fail-closed audit event for a step. A rejected emission
// converts to AUDIT_EMIT_FAILED, which halts the run where it stands.
func (d *stepDeps) record(ctx context.Context, rc *run.Context, res audit.Resource, eventType string, sev audit.Severity, summary string, payload audit.Payload) error {
	ev := d.builder.Build(rc.Tenant.TenantID, actorFor(rc.Tenant), rc.Request, res, eventType, sev, summary, payload)
	if err := d.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func (d *stepDeps) listAllClaims(ctx context.Context, tenantID, dealID string) ([]*domain.Claim, error) {
	var out []*domain.Claim
	page := repo.Page{Limit: repo.MaxPageLimit}
	for {
		batch, err := d.stores.Claims.ListByDeal(ctx, tenantID, dealID, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page.Limit {
			return out, nil
		}
		page.Cursor = batch[len(batch)-1].CreatedAt
	}
}

func (d *stepDeps) listAllDefects(ctx context.Context, tenantID, dealID string) ([]*domain.Defect, error) {
	var out []*domain.Defect
	page := repo.Page{Limit: repo.MaxPageLimit}
	for {
		batch, err := d.stores.Defects.ListByDeal(ctx, tenantID, dealID, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page.Limit {
			return out, nil
		}
		page.Cursor = batch[len(batch)-1].CreatedAt
	}
}

// ingestCheckStep verifies the deal exists and counts what the run has to
// work with. It writes nothing.
func (d *stepDeps) ingestCheckStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	if _, err := d.stores.Deals.Get(ctx, tenantID, dealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run.StepResult{}, errs.NotFound()
		}
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Loading deal failed", err)
	}
	docs, err := d.stores.Documents.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing documents failed", err)
	}
	spanCount := 0
	for _, doc := range docs {
		spans, err := d.stores.Documents.ListSpans(ctx, tenantID, doc.DocumentID)
		if err != nil {
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing spans failed", err)
		}
		spanCount += len(spans)
	}
	return run.StepResult{Summary: map[string]any{
		"status":    "COMPLETED",
		"documents": len(docs),
		"spans":     spanCount,
	}}, nil
}

// extractStep feeds every span of the deal through the extraction pipeline.
// A deal with no spans completes empty; it does not fail.
func (d *stepDeps) extractStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	docs, err := d.stores.Documents.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing documents failed", err)
	}
	var spans []*domain.Span
	for _, doc := range docs {
		batch, err := d.stores.Documents.ListSpans(ctx, tenantID, doc.DocumentID)
		if err != nil {
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing spans failed", err)
		}
		spans = append(spans, batch...)
	}
	if len(spans) == 0 {
		return run.StepResult{Summary: map[string]any{
			"status": "COMPLETED", "chunks": 0, "candidates": 0, "claim_ids": []string{},
		}}, nil
	}

	res, err := d.extractor.Run(ctx, rc.Tenant, rc.Request, dealID, spans)
	if err != nil {
		return run.StepResult{}, err
	}
	return run.StepResult{Summary: res, Partial: res.Status == extraction.StatusPartial}, nil
}

type gradeOutcome struct {
	grade            domain.Grade
	defectsCreated   int
	projectionFailed bool
}

// gradeStep grades every factual claim's evidence chain: seed a sanad when
// extraction left none, run the grader, persist findings as defects, then
// dual-write the graph projection under a saga. Relational writes are
// authoritative; a compensated projection degrades the step to PARTIAL, a
// compensation failure fails it.
func (d *stepDeps) gradeStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	docs, err := d.stores.Documents.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing documents failed", err)
	}

	var graded, skipped, defectsCreated, projectionsFailed int
	gradeCounts := map[string]int{}
	for _, claim := range claims {
		if !claim.RequiresEvidence() {
			skipped++
			continue
		}
		out, err := d.gradeClaim(ctx, rc, claim, docs)
		if err != nil {
			return run.StepResult{}, err
		}
		graded++
		defectsCreated += out.defectsCreated
		gradeCounts[string(out.grade)]++
		if out.projectionFailed {
			projectionsFailed++
		}
	}

	status := "COMPLETED"
	if projectionsFailed > 0 {
		status = "PARTIAL"
	}
	return run.StepResult{
		Summary: map[string]any{
			"status":             status,
			"claims_graded":      graded,
			"claims_skipped":     skipped,
			"defects_created":    defectsCreated,
			"grades":             gradeCounts,
			"projections_failed": projectionsFailed,
		},
		Partial: projectionsFailed > 0,
	}, nil
}

func (d *stepDeps) gradeClaim(ctx context.Context, rc *run.Context, claim *domain.Claim, docs []*domain.Document) (gradeOutcome, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID
	now := d.clock().UTC()

	s, err := d.stores.Sanads.GetByClaim(ctx, tenantID, claim.ClaimID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Loading sanad failed", err)
		}
		s = d.seedSanad(claim, dealID, now)
		if err := d.stores.Sanads.Create(ctx, s); err != nil {
			return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Creating sanad failed", err)
		}
	}

	evidence, err := d.stores.Evidence.ListByClaim(ctx, tenantID, claim.ClaimID)
	if err != nil {
		return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Listing evidence failed", err)
	}
	primary, corroborating := splitEvidence(s.PrimaryEvidenceID, evidence)

	// Close the reference universe: the claim, its primary span, and every
	// evidence item with its source span. A chain node pointing outside this
	// set is a break.
	known := map[string]bool{claim.ClaimID: true}
	if claim.PrimarySpanID != "" {
		known[claim.PrimarySpanID] = true
	}
	for _, ev := range evidence {
		known[ev.EvidenceID] = true
		if ev.SourceSpanID != "" {
			known[ev.SourceSpanID] = true
		}
	}

	var cited *domain.Document
	if primary != nil && primary.SourceSpanID != "" {
		if span, err := d.stores.Documents.GetSpan(ctx, tenantID, primary.SourceSpanID); err == nil {
			for _, doc := range docs {
				if doc.DocumentID == span.DocumentID {
					cited = doc
					break
				}
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Loading cited span failed", err)
		}
	}

	gr := sanad.Grade(sanad.GradeInput{
		Sanad:            s,
		Primary:          primary,
		Corroborating:    corroborating,
		Claim:            claim,
		CitedDocument:    cited,
		Documents:        docs,
		KnownEvidenceIDs: known,
	})

	newDefects, err := d.persistFindings(ctx, rc, claim, s, gr.Findings, now)
	if err != nil {
		return gradeOutcome{}, err
	}

	s.Grade = gr.Grade
	s.CorroborationLevel = gr.CorroborationLevel
	s.IndependentChainCount = gr.IndependentChainCount
	s.GradeRationale = gr.Rationale
	if s.PrimaryEvidenceID == "" && primary != nil {
		s.PrimaryEvidenceID = primary.EvidenceID
	}
	s.UpdatedAt = now
	if err := d.stores.Sanads.Update(ctx, s); err != nil {
		return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Updating sanad failed", err)
	}
	claim.Grade = gr.Grade
	claim.UpdatedAt = now
	if err := d.stores.Claims.Update(ctx, claim); err != nil {
		return gradeOutcome{}, errs.Wrap(errs.CodeInternal, "Updating claim failed", err)
	}

	projectionFailed, err := d.projectGraded(ctx, rc, claim, s, evidence, newDefects)
	if err != nil {
		return gradeOutcome{}, err
	}

	err = d.record(ctx, rc,
		audit.Resource{ResourceType: "SANAD", ResourceID: s.SanadID},
		"sanad.graded", audit.SeverityLow,
		fmt.Sprintf("Sanad graded %s", gr.Grade),
		audit.Payload{
			Refs: []string{claim.ClaimID},
			Safe: map[string]any{
				"grade":           string(gr.Grade),
				"corroboration":   string(gr.CorroborationLevel),
				"defects_created": len(newDefects),
			},
		})
	if err != nil {
		return gradeOutcome{}, err
	}
	return gradeOutcome{grade: gr.Grade, defectsCreated: len(newDefects), projectionFailed: projectionFailed}, nil
}

// seedSanad builds the minimal chain for a claim that arrived without one:
// a single extraction node from the primary span to the claim.
func (d *stepDeps) seedSanad(claim *domain.Claim, dealID string, now time.Time) *domain.Sanad {
	var inputRefs []string
	if claim.PrimarySpanID != "" {
		inputRefs = []string{claim.PrimarySpanID}
	}
	ts := claim.CreatedAt
	if ts.IsZero() {
		ts = now
	}
	return &domain.Sanad{
		SanadID:  d.newID(),
		TenantID: claim.TenantID,
		DealID:   dealID,
		ClaimID:  claim.ClaimID,
		Nodes: []domain.TransmissionNode{{
			NodeID:     d.newID(),
			TenantID:   claim.TenantID,
			Kind:       domain.NodeExtraction,
			Timestamp:  ts,
			InputRefs:  inputRefs,
			OutputRefs: []string{claim.ClaimID},
		}},
		Grade:              domain.GradeD,
		CorroborationLevel: domain.CorroborationNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// splitEvidence picks the primary item and the corroborating rest. The
// sanad's recorded primary wins; otherwise the strongest source grade,
// ties broken by ID so the pick is stable.
func splitEvidence(primaryID string, evidence []*domain.Evidence) (*domain.Evidence, []*domain.Evidence) {
	if len(evidence) == 0 {
		return nil, nil
	}
	var primary *domain.Evidence
	if primaryID != "" {
		for _, ev := range evidence {
			if ev.EvidenceID == primaryID {
				primary = ev
				break
			}
		}
	}
	if primary == nil {
		for _, ev := range evidence {
			if primary == nil ||
				ev.SourceGrade.Rank() > primary.SourceGrade.Rank() ||
				(ev.SourceGrade.Rank() == primary.SourceGrade.Rank() && ev.EvidenceID < primary.EvidenceID) {
				primary = ev
			}
		}
	}
	rest := make([]*domain.Evidence, 0, len(evidence)-1)
	for _, ev := range evidence {
		if ev.EvidenceID != primary.EvidenceID {
			rest = append(rest, ev)
		}
	}
	return primary, rest
}

// persistFindings converts grader findings into defect rows, deduplicating
// against what earlier runs already recorded for this sanad.
func (d *stepDeps) persistFindings(ctx context.Context, rc *run.Context, claim *domain.Claim, s *domain.Sanad, findings []sanad.Finding, now time.Time) ([]*domain.Defect, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	existing, err := d.stores.Defects.ListBySanad(ctx, rc.Tenant.TenantID, s.SanadID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, def := range existing {
		seen[string(def.Type)+"|"+def.Description] = true
	}

	var created []*domain.Defect
	for _, f := range findings {
		key := string(f.Type) + "|" + f.Description
		if seen[key] {
			continue
		}
		seen[key] = true
		def := domain.NewDefect(d.newID(), claim.TenantID, rc.Run.DealID, s.SanadID, claim.ClaimID,
			f.Type, f.Description, domain.CureFor(f.Type))
		def.CreatedAt = now
		if err := d.stores.Defects.Create(ctx, def); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "Creating defect failed", err)
		}
		created = append(created, def)
	}
	return created, nil
}

// projectGraded mirrors the graded claim, its chain, and any new defects
// into the graph under one saga. Reports (compensated, err): compensated
// means the graph write failed and was rolled back while Postgres stays
// authoritative; err means the step must fail (audit loss or an
// unwound-but-inconsistent graph).
func (d *stepDeps) projectGraded(ctx context.Context, rc *run.Context, claim *domain.Claim, s *domain.Sanad, evidence []*domain.Evidence, defects []*domain.Defect) (bool, error) {
	if !d.projector.Configured() {
		return false, nil
	}

	var span *domain.Span
	if claim.PrimarySpanID != "" {
		sp, err := d.stores.Documents.GetSpan(ctx, rc.Tenant.TenantID, claim.PrimarySpanID)
		if err == nil {
			span = sp
		} else if !errors.Is(err, repo.ErrNotFound) {
			return false, errs.Wrap(errs.CodeInternal, "Loading primary span failed", err)
		}
	}
	evVals := make([]domain.Evidence, len(evidence))
	for i, ev := range evidence {
		evVals[i] = *ev
	}
	nodeIDs := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		nodeIDs = append(nodeIDs, n.NodeID)
	}

	tenantID := rc.Tenant.TenantID
	steps := []saga.Step{
		d.projectionStep("project_claim", tenantID, []string{claim.ClaimID}, func(ctx context.Context) (graph.Status, error) {
			return d.projector.ProjectClaim(ctx, rc.Tenant, rc.Request, claim, span, evVals)
		}),
		d.projectionStep("project_sanad", tenantID, nodeIDs, func(ctx context.Context) (graph.Status, error) {
			return d.projector.ProjectSanad(ctx, rc.Tenant, rc.Request, s)
		}),
	}
	for _, def := range defects {
		steps = append(steps, d.projectionStep("project_defect_"+def.DefectID, tenantID, []string{def.DefectID},
			func(ctx context.Context) (graph.Status, error) {
				return d.projector.ProjectDefect(ctx, rc.Tenant, rc.Request, def)
			}))
	}
	return d.runProjectionSaga(ctx, "graph_claim_projection", claim.ClaimID, steps)
}

// projectionStep adapts one projector call to a saga step. A FAILED status
// (audited, absorbed by the projector) becomes a step error so earlier graph
// writes unwind; compensation detaches the nodes this step merged.
func (d *stepDeps) projectionStep(name, tenantID string, nodeIDs []string, fn func(ctx context.Context) (graph.Status, error)) saga.Step {
	return saga.Step{
		Name: name,
		Execute: func(ctx context.Context) (any, error) {
			status, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			if status == graph.StatusFailed {
				return nil, fmt.Errorf("projection %s reported %s", name, status)
			}
			if status == graph.StatusSkipped {
				return nil, nil
			}
			return nodeIDs, nil
		},
		Compensate: func(ctx context.Context, result any) error {
			ids, ok := result.([]string)
			if !ok || len(ids) == 0 {
				return nil
			}
			return d.projector.Remove(ctx, tenantID, ids...)
		},
	}
}

func (d *stepDeps) runProjectionSaga(ctx context.Context, name, resourceID string, steps []saga.Step) (bool, error) {
	res, err := d.sagas.Run(ctx, name, steps)
	if err == nil {
		return false, nil
	}
	if res != nil && res.Outcome == saga.OutcomeCompensationFailed {
		return false, err
	}
	if errs.HasCode(err, errs.CodeAuditEmitFailed) {
		return false, err
	}
	d.logger.WarnContext(ctx, "graph projection compensated, relational store authoritative",
		"saga", name, "resource_id", resourceID, "error", err)
	return true, nil
}

// calcStep executes every registered formula whose inputs the deal's claims
// can satisfy. Gate-blocked and rejected formulas are recorded, not fatal;
// a formula type that already ran for this deal is skipped so resumes do
// not double-calculate.
func (d *stepDeps) calcStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	existing, err := d.stores.Calcs.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing calculations failed", err)
	}
	existingTypes := make(map[string]bool, len(existing))
	for _, c := range existing {
		existingTypes[c.CalcType] = true
	}
	defects, err := d.listAllDefects(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	fatalOpen := map[string]bool{}
	for _, def := range defects {
		if def.Severity == domain.SeverityFatal && def.Status == domain.DefectOpen {
			fatalOpen[def.ClaimID] = true
		}
	}

	inputs := map[string]*domain.Claim{}
	byID := make(map[string]*domain.Claim, len(claims))
	for _, c := range claims {
		byID[c.ClaimID] = c
		if c.Class != domain.ClassFinancial && c.Class != domain.ClassTraction {
			continue
		}
		if c.Value == nil || c.Value.Amount == nil {
			continue
		}
		key := metricKey(c.Text)
		if key == "" {
			continue
		}
		if cur, ok := inputs[key]; !ok || betterInput(c, cur) {
			inputs[key] = c
		}
	}

	var executed, skippedExisting, projectionsFailed int
	var blocked, failed, missing []string
	for _, calcType := range d.registry.Types() {
		if existingTypes[calcType] {
			skippedExisting++
			continue
		}
		spec, ok := d.registry.Get(calcType)
		if !ok {
			continue
		}
		req, ok := buildCalcRequest(tenantID, dealID, spec, inputs, fatalOpen)
		if !ok {
			missing = append(missing, calcType)
			continue
		}

		calcRec, calcSanad, err := d.calcEngine.Execute(req)
		if err != nil {
			switch {
			case errs.HasCode(err, errs.CodeExtractionGateBlock):
				blocked = append(blocked, calcType)
			case errs.HasCode(err, errs.CodeValidationFailed):
				failed = append(failed, calcType)
			default:
				return run.StepResult{}, err
			}
			continue
		}
		if err := d.stores.Calcs.Create(ctx, calcRec, calcSanad); err != nil {
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Persisting calculation failed", err)
		}
		executed++

		for _, claimID := range calcRec.InputClaimIDs {
			cl := byID[claimID]
			if cl == nil || containsString(cl.CalculationIDs, calcRec.CalcID) {
				continue
			}
			cl.CalculationIDs = append(cl.CalculationIDs, calcRec.CalcID)
			cl.UpdatedAt = d.clock().UTC()
			if err := d.stores.Claims.Update(ctx, cl); err != nil {
				return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Linking claim to calculation failed", err)
			}
		}

		if d.projector.Configured() {
			steps := []saga.Step{
				d.projectionStep("project_calc", tenantID, []string{calcRec.CalcID}, func(ctx context.Context) (graph.Status, error) {
					return d.projector.ProjectCalc(ctx, rc.Tenant, rc.Request, calcRec)
				}),
			}
			compensated, err := d.runProjectionSaga(ctx, "graph_calc_projection", calcRec.CalcID, steps)
			if err != nil {
				return run.StepResult{}, err
			}
			if compensated {
				projectionsFailed++
			}
		}

		err = d.record(ctx, rc,
			audit.Resource{ResourceType: "CALC", ResourceID: calcRec.CalcID},
			"calc.executed", audit.SeverityLow,
			fmt.Sprintf("Calculated %s", calcRec.CalcType),
			audit.Payload{
				Refs: calcRec.InputClaimIDs,
				Safe: map[string]any{
					"calc_type":  calcRec.CalcType,
					"value":      calcRec.Output.PrimaryValue,
					"unit":       calcRec.Output.Unit,
					"calc_grade": string(calcSanad.CalcGrade),
				},
			})
		if err != nil {
			return run.StepResult{}, err
		}
	}

	status := "COMPLETED"
	if projectionsFailed > 0 {
		status = "PARTIAL"
	}
	return run.StepResult{
		Summary: map[string]any{
			"status":                 status,
			"calcs_executed":         executed,
			"types_skipped_existing": skippedExisting,
			"blocked_types":          sorted(blocked),
			"failed_types":           sorted(failed),
			"missing_input_types":    sorted(missing),
			"projections_failed":     projectionsFailed,
		},
		Partial: projectionsFailed > 0,
	}, nil
}

// metricKey maps claim text to a formula input name. First match wins, so
// the more specific phrases sit above their substrings.
func metricKey(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "net new arr"):
		return "net_new_arr"
	case strings.Contains(t, "net burn"):
		return "net_burn"
	case strings.Contains(t, "burn"):
		return "monthly_burn_rate"
	case strings.Contains(t, "cash"):
		return "cash_balance"
	case strings.Contains(t, "cogs"), strings.Contains(t, "cost of goods"):
		return "cogs"
	case strings.Contains(t, "net revenue retention"), strings.Contains(t, "nrr"):
		return ""
	case strings.Contains(t, "expansion"):
		return "expansion_arr"
	case strings.Contains(t, "contraction"):
		return "contraction_arr"
	case strings.Contains(t, "churn"):
		return "churned_arr"
	case strings.Contains(t, "starting arr"), strings.Contains(t, "beginning arr"):
		return "starting_arr"
	case strings.Contains(t, "prior arr"):
		return "arr_prior"
	case strings.Contains(t, "arr"):
		return "arr_current"
	case strings.Contains(t, "gross margin"):
		return ""
	case strings.Contains(t, "revenue"):
		return "revenue"
	case strings.Contains(t, "ltv"), strings.Contains(t, "lifetime value"):
		return "ltv"
	case strings.Contains(t, "cac"), strings.Contains(t, "customer acquisition cost"):
		return "cac"
	}
	return ""
}

// betterInput prefers the stronger grade; ties break on claim ID so the
// pick is stable across runs.
func betterInput(c, cur *domain.Claim) bool {
	if c.Grade.Rank() != cur.Grade.Rank() {
		return c.Grade.Rank() > cur.Grade.Rank()
	}
	return c.ClaimID < cur.ClaimID
}

func buildCalcRequest(tenantID, dealID string, spec *calc.FormulaSpec, inputs map[string]*domain.Claim, fatalOpen map[string]bool) (calc.ExecuteRequest, bool) {
	req := calc.ExecuteRequest{
		TenantID: tenantID,
		DealID:   dealID,
		CalcType: spec.CalcType,
		Inputs:   make(map[string]decimal.Decimal, len(spec.RequiredInputs)),
	}
	used := map[string]*domain.Claim{}
	for _, name := range spec.RequiredInputs {
		cl, ok := inputs[name]
		if !ok {
			return calc.ExecuteRequest{}, false
		}
		req.Inputs[name] = *cl.Value.Amount
		used[cl.ClaimID] = cl
	}
	for name := range spec.OptionalInputs {
		if cl, ok := inputs[name]; ok {
			req.Inputs[name] = *cl.Value.Amount
			used[cl.ClaimID] = cl
		}
	}

	ids := make([]string, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	req.InputClaimIDs = ids
	for _, id := range ids {
		cl := used[id]
		req.InputGrades = append(req.InputGrades, domain.InputGradeInfo{
			ClaimID:              cl.ClaimID,
			Grade:                cl.Grade,
			IsMaterial:           cl.Materiality == domain.MaterialityHigh || cl.Materiality == domain.MaterialityCritical,
			ExtractionConfidence: cl.ExtractionConfidence,
			DhabtScore:           cl.DhabtScore,
			VerificationMethod:   domain.VerifyNone,
			HasFatalDefect:       fatalOpen[cl.ClaimID],
		})
	}
	return req, true
}

// debateStep runs the adversarial review over the deal's material claims
// and calculations. The arbiter's recommendation lands in the summary, where
// the deliverables step picks it up.
func (d *stepDeps) debateStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	deal, err := d.stores.Deals.Get(ctx, tenantID, dealID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run.StepResult{}, errs.NotFound()
		}
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Loading deal failed", err)
	}
	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	calcs, err := d.stores.Calcs.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing calculations failed", err)
	}

	var material, all []string
	for _, c := range claims {
		all = append(all, c.ClaimID)
		if c.Materiality == domain.MaterialityHigh || c.Materiality == domain.MaterialityCritical {
			material = append(material, c.ClaimID)
		}
	}
	claimIDs := material
	if len(claimIDs) == 0 {
		claimIDs = all
	}
	sort.Strings(claimIDs)
	calcIDs := make([]string, 0, len(calcs))
	for _, c := range calcs {
		calcIDs = append(calcIDs, c.CalcID)
	}
	sort.Strings(calcIDs)

	res, err := d.debater.Run(ctx, rc.Tenant, rc.Request, debate.Topic{
		DealID:   dealID,
		Question: fmt.Sprintf("Does the evidence support proceeding with %s?", deal.CompanyName),
		ClaimIDs: claimIDs,
		CalcIDs:  calcIDs,
	})
	if err != nil {
		return run.StepResult{}, err
	}

	return run.StepResult{Summary: map[string]any{
		"status":              "COMPLETED",
		"rounds":              res.Rounds,
		"concluded":           res.Concluded,
		"recommendation":      res.Recommendation,
		"confidence":          res.Confidence.String(),
		"supported_claim_ids": res.SupportedClaimIDs,
		"supported_calc_ids":  res.SupportedCalcIDs,
	}}, nil
}

// analysisStep adjudicates verdicts and follow-up actions from the graded
// record. Rules apply in order, first match wins; the HUMAN_GATE action on
// the claim is the review flag itself, no queue rows are created.
func (d *stepDeps) analysisStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	defects, err := d.listAllDefects(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	fatalOpen := map[string]bool{}
	anomalyOpen := map[string]bool{}
	for _, def := range defects {
		if def.Status != domain.DefectOpen {
			continue
		}
		if def.Severity == domain.SeverityFatal {
			fatalOpen[def.ClaimID] = true
		}
		if def.Type == domain.DefectAnomalyVsStrongerSource {
			anomalyOpen[def.ClaimID] = true
		}
	}

	now := d.clock().UTC()
	verdicts := map[string]int{}
	humanGates := 0
	for _, c := range claims {
		verdict, action := adjudicate(c, fatalOpen[c.ClaimID], anomalyOpen[c.ClaimID])
		verdicts[string(verdict)]++
		if action == domain.ActionHumanGate {
			humanGates++
		}
		if c.Verdict == verdict && c.Action == action {
			continue
		}
		c.Verdict = verdict
		c.Action = action
		c.UpdatedAt = now
		if err := d.stores.Claims.Update(ctx, c); err != nil {
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Updating claim verdict failed", err)
		}
	}

	err = d.record(ctx, rc,
		audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
		"deal.analysis.completed", audit.SeverityLow,
		fmt.Sprintf("Analysis adjudicated %d claims", len(claims)),
		audit.Payload{
			Refs: []string{rc.Run.RunID},
			Safe: map[string]any{
				"claims_analyzed":      len(claims),
				"human_gates_required": humanGates,
			},
		})
	if err != nil {
		return run.StepResult{}, err
	}

	return run.StepResult{Summary: map[string]any{
		"status":               "COMPLETED",
		"claims_analyzed":      len(claims),
		"verdicts":             verdicts,
		"human_gates_required": humanGates,
	}}, nil
}

func adjudicate(c *domain.Claim, fatalOpen, anomalyOpen bool) (domain.ClaimVerdict, domain.ClaimAction) {
	switch {
	case fatalOpen:
		return domain.VerdictContradicted, domain.ActionRedFlag
	case anomalyOpen:
		return domain.VerdictInflated, domain.ActionFlag
	case c.IsSubjective:
		return domain.VerdictSubjective, domain.ActionNone
	case c.Grade == domain.GradeA || c.Grade == domain.GradeB:
		return domain.VerdictVerified, domain.ActionNone
	case c.Grade == domain.GradeC:
		return domain.VerdictUnverified, domain.ActionVerify
	case c.Materiality == domain.MaterialityHigh || c.Materiality == domain.MaterialityCritical:
		return domain.VerdictUnverified, domain.ActionHumanGate
	default:
		return domain.VerdictUnverified, domain.ActionFlag
	}
}

// Scoring weights and bands. All decimal; the composite never touches
// floating point.
var (
	scoreWeightGrades   = decimal.RequireFromString("0.4")
	scoreWeightVerified = decimal.RequireFromString("0.3")
	scoreWeightCalcs    = decimal.RequireFromString("0.3")
	scoreNeutral        = decimal.RequireFromString("0.5")
	penaltyFatal        = decimal.RequireFromString("0.10")
	penaltyMajor        = decimal.RequireFromString("0.05")
	penaltyMinor        = decimal.RequireFromString("0.02")
	penaltyCap          = decimal.RequireFromString("0.30")
	bandStrong          = decimal.RequireFromString("0.75")
	bandModerate        = decimal.RequireFromString("0.50")
	bandWeak            = decimal.RequireFromString("0.25")

	gradePoints = map[domain.Grade]decimal.Decimal{
		domain.GradeA: decimal.RequireFromString("1"),
		domain.GradeB: decimal.RequireFromString("0.75"),
		domain.GradeC: decimal.RequireFromString("0.5"),
		domain.GradeD: decimal.RequireFromString("0.25"),
	}
	materialityWeights = map[domain.Materiality]decimal.Decimal{
		domain.MaterialityLow:      decimal.NewFromInt(1),
		domain.MaterialityMedium:   decimal.NewFromInt(2),
		domain.MaterialityHigh:     decimal.NewFromInt(3),
		domain.MaterialityCritical: decimal.NewFromInt(4),
	}
)

// scoringStep composes the deal score from the graded record: the
// materiality-weighted grade average, the verified ratio, the calc grade
// ratio, minus an open-defect penalty. Pure arithmetic over what earlier
// steps persisted; running it twice moves nothing.
func (d *stepDeps) scoringStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	calcs, err := d.stores.Calcs.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing calculations failed", err)
	}
	defects, err := d.listAllDefects(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}

	gradeScore := scoreNeutral
	verifiedRatio := scoreNeutral
	var factual, verified int
	weightSum := decimal.Zero
	pointSum := decimal.Zero
	for _, c := range claims {
		if !c.RequiresEvidence() {
			continue
		}
		factual++
		if c.Verdict == domain.VerdictVerified {
			verified++
		}
		w := materialityWeights[c.Materiality]
		if w.IsZero() {
			w = decimal.NewFromInt(2)
		}
		weightSum = weightSum.Add(w)
		pointSum = pointSum.Add(gradePoints[c.Grade].Mul(w))
	}
	if factual > 0 {
		gradeScore = pointSum.Div(weightSum)
		verifiedRatio = decimal.NewFromInt(int64(verified)).Div(decimal.NewFromInt(int64(factual)))
	}

	calcScore := scoreNeutral
	if len(calcs) > 0 {
		strong := 0
		for _, c := range calcs {
			cs, err := d.stores.Calcs.GetSanad(ctx, tenantID, c.CalcID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Loading calc sanad failed", err)
			}
			if cs.CalcGrade == domain.GradeA || cs.CalcGrade == domain.GradeB {
				strong++
			}
		}
		calcScore = decimal.NewFromInt(int64(strong)).Div(decimal.NewFromInt(int64(len(calcs))))
	}

	penalty := decimal.Zero
	openDefects := 0
	for _, def := range defects {
		if def.Status != domain.DefectOpen {
			continue
		}
		openDefects++
		switch def.Severity {
		case domain.SeverityFatal:
			penalty = penalty.Add(penaltyFatal)
		case domain.SeverityMajor:
			penalty = penalty.Add(penaltyMajor)
		default:
			penalty = penalty.Add(penaltyMinor)
		}
	}
	if penalty.GreaterThan(penaltyCap) {
		penalty = penaltyCap
	}

	score := gradeScore.Mul(scoreWeightGrades).
		Add(verifiedRatio.Mul(scoreWeightVerified)).
		Add(calcScore.Mul(scoreWeightCalcs)).
		Sub(penalty)
	if score.IsNegative() {
		score = decimal.Zero
	}
	if score.GreaterThan(decimal.NewFromInt(1)) {
		score = decimal.NewFromInt(1)
	}

	band := "CRITICAL"
	switch {
	case score.GreaterThanOrEqual(bandStrong):
		band = "STRONG"
	case score.GreaterThanOrEqual(bandModerate):
		band = "MODERATE"
	case score.GreaterThanOrEqual(bandWeak):
		band = "WEAK"
	}

	err = d.record(ctx, rc,
		audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
		"deal.scored", audit.SeverityLow,
		fmt.Sprintf("Deal scored %s (%s)", score.StringFixed(4), band),
		audit.Payload{
			Refs: []string{rc.Run.RunID},
			Safe: map[string]any{"score": score.StringFixed(4), "band": band},
		})
	if err != nil {
		return run.StepResult{}, err
	}

	return run.StepResult{Summary: map[string]any{
		"status":       "COMPLETED",
		"score":        score.StringFixed(4),
		"band":         band,
		"open_defects": openDefects,
		"components": map[string]any{
			"grade_score":    gradeScore.StringFixed(4),
			"verified_ratio": verifiedRatio.StringFixed(4),
			"calc_score":     calcScore.StringFixed(4),
			"defect_penalty": penalty.StringFixed(4),
		},
	}}, nil
}

// deliverablesStep exports the screening snapshot (PDF) and IC memo (DOCX)
// from the persisted record. Export timestamps pin to the run's start so a
// resumed run renders byte-identical artifacts.
func (d *stepDeps) deliverablesStep(ctx context.Context, rc *run.Context) (run.StepResult, error) {
	tenantID, dealID := rc.Tenant.TenantID, rc.Run.DealID

	deal, err := d.stores.Deals.Get(ctx, tenantID, dealID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run.StepResult{}, errs.NotFound()
		}
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Loading deal failed", err)
	}
	claims, err := d.listAllClaims(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	calcs, err := d.stores.Calcs.ListByDeal(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing calculations failed", err)
	}
	defects, err := d.listAllDefects(ctx, tenantID, dealID)
	if err != nil {
		return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	calcSanads := make(map[string]*domain.CalcSanad, len(calcs))
	for _, c := range calcs {
		cs, err := d.stores.Calcs.GetSanad(ctx, tenantID, c.CalcID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Loading calc sanad failed", err)
		}
		calcSanads[c.CalcID] = cs
	}

	in := deliverable.BuildInput{
		Deal:           deal,
		Claims:         claims,
		Calcs:          calcs,
		CalcSanads:     calcSanads,
		Defects:        defects,
		Recommendation: d.debateRecommendation(ctx, rc),
	}
	exportTS := rc.Run.StartedAt
	if exportTS.IsZero() {
		exportTS = d.clock().UTC()
	}

	var refs []map[string]any
	for _, spec := range []struct {
		build  func(id string, in deliverable.BuildInput) *deliverable.Deliverable
		format deliverable.Format
	}{
		{deliverable.BuildScreeningSnapshot, deliverable.FormatPDF},
		{deliverable.BuildICMemo, deliverable.FormatDOCX},
	} {
		doc := spec.build(d.newID(), in)
		res, err := d.exporter.Export(ctx, rc.Tenant, rc.Request, doc, spec.format, exportTS)
		if err != nil {
			return run.StepResult{}, err
		}
		rec := &retention.Record{
			DeliverableID: res.DeliverableID,
			TenantID:      tenantID,
			DealID:        dealID,
			StorageRef:    res.StorageRef,
			Kind:          string(doc.Kind),
			CreatedAt:     exportTS,
		}
		if err := d.retention.Register(ctx, rec); err != nil && !errors.Is(err, repo.ErrConflict) {
			return run.StepResult{}, errs.Wrap(errs.CodeInternal, "Registering deliverable for retention failed", err)
		}
		refs = append(refs, map[string]any{
			"deliverable_id": res.DeliverableID,
			"kind":           string(doc.Kind),
			"format":         string(res.Format),
			"sha256":         res.SHA256,
			"storage_ref":    res.StorageRef,
		})
	}

	return run.StepResult{Summary: map[string]any{
		"status":       "COMPLETED",
		"deliverables": refs,
	}}, nil
}

// debateRecommendation recovers the arbiter's position from the run's own
// ledger. Best-effort: a missing or unreadable debate summary just renders
// the memo without a recommendation section.
func (d *stepDeps) debateRecommendation(ctx context.Context, rc *run.Context) string {
	steps, err := d.stores.Runs.ListSteps(ctx, rc.Tenant.TenantID, rc.Run.RunID)
	if err != nil {
		return ""
	}
	for _, st := range steps {
		if st.StepName != domain.StepDebate || st.Status != domain.StepCompleted || len(st.Result) == 0 {
			continue
		}
		var probe struct {
			Recommendation string `json:"recommendation"`
		}
		if json.Unmarshal(st.Result, &probe) == nil {
			return probe.Recommendation
		}
	}
	return ""
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func sorted(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	sort.Strings(xs)
	return xs
}
