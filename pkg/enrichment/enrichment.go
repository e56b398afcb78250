// Package enrichment corroborates extracted claims with records pulled
// from external data providers under the tenant's own licences.
//
// The step is credential-gated end to end. The tenant's provider
// credentials are resolved before anything else happens, and only
// providers the tenant holds a credential for are consulted; a tenant
// with no usable credential skips the step entirely. The skip is a
// documented degradation, audited as enrichment.skipped, never an error.
// Provider calls that fail degrade the batch to PARTIAL; persistence and
// audit failures abort.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/run"
)

// Credential is one tenant-supplied provider licence. Secret is handed to
// the matching connector and nowhere else: it never reaches audit
// payloads, logs, or step summaries.
type Credential struct {
	Provider string
	Secret   string
}

// Resolver looks up the credentials a tenant has brought. An empty result
// means the tenant holds no licences and the step skips; an error means
// the vault itself failed and the step must not proceed.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) ([]Credential, error)
}

// Target is what a connector sees: the deal under diligence and the
// claims eligible for external corroboration.
type Target struct {
	DealID string
	Claims []*domain.Claim
}

// Finding is one provider record bearing on an existing claim. OriginID
// is the provider-scoped record identifier and becomes the evidence
// item's upstream origin. Verification is the connector's judgement of
// whether the record confirms or contradicts the claim.
type Finding struct {
	ClaimID      string
	OriginID     string
	Verification domain.VerificationStatus
}

// Connector wraps one external data vendor. The step calls each connector
// the tenant holds a credential for. Implementations must be safe for
// concurrent use and must not persist anything themselves.
type Connector interface {
	Provider() string
	Corroborate(ctx context.Context, cred Credential, target Target) ([]Finding, error)
}

// Status is the batch outcome the run orchestrator consumes.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusPartial   Status = "PARTIAL"
	StatusSkipped   Status = "SKIPPED_NO_CREDENTIALS"
)

// Result summarizes one enrichment batch. It marshals into the run step's
// result_summary.
type Result struct {
	Status          Status   `json:"status"`
	Providers       []string `json:"providers,omitempty"`
	ProvidersFailed []string `json:"providers_failed,omitempty"`
	Findings        int      `json:"findings"`
	Duplicates      int      `json:"duplicates"`
	Rejected        int      `json:"rejected"`
	EvidenceIDs     []string `json:"evidence_ids,omitempty"`
}

// Service runs enrichment batches against the claim and evidence stores.
type Service struct {
	resolver   Resolver
	connectors []Connector
	claims     repo.ClaimRepo
	evidence   repo.EvidenceRepo
	recorder   *audit.Recorder
	builder    *audit.Builder
	logger     *slog.Logger

	clock func() time.Time
	newID func() string
}

// NewService wires an enrichment service. Connectors are consulted in the
// order given here. A nil logger falls back to slog.Default.
func NewService(resolver Resolver, connectors []Connector, claims repo.ClaimRepo, evidence repo.EvidenceRepo, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:   resolver,
		connectors: connectors,
		claims:     claims,
		evidence:   evidence,
		recorder:   recorder,
		builder:    builder,
		logger:     logger,
		clock:      time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDSource overrides evidence-ID generation for deterministic tests.
func (s *Service) WithIDSource(newID func() string) *Service {
	s.newID = newID
	return s
}

// Step adapts the service to the run orchestrator's ENRICHMENT slot.
func (s *Service) Step() run.StepFn {
	return func(ctx context.Context, rc *run.Context) (run.StepResult, error) {
		res, err := s.Run(ctx, rc.Tenant, rc.Request, rc.Run.DealID)
		if err != nil {
			return run.StepResult{}, err
		}
		return run.StepResult{Summary: res, Partial: res.Status == StatusPartial}, nil
	}
}

// Run enriches one deal's claims from every provider the tenant holds a
// credential for.
//
// Credentials resolve before anything is emitted: a tenant must never see
// an enrichment.started event for a batch that could not have run. When
// no connector has a matching credential the batch skips with a single
// enrichment.skipped event. Provider failures are logged and counted; the
// batch returns PARTIAL as long as at least one provider answered. Every
// provider failing is a batch failure. Re-executing the step is safe: a
// finding whose evidence row already exists is counted as a duplicate,
// not written again.
func (s *Service) Run(ctx context.Context, tc *auth.TenantContext, req audit.Request, dealID string) (*Result, error) {
	if s.resolver == nil || s.claims == nil || s.evidence == nil {
		return nil, errs.New(errs.CodeInternal, "Enrichment service is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Enrichment requires a tenant context")
	}

	creds, err := s.resolver.Resolve(ctx, tc.TenantID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Resolving provider credentials failed", err)
	}
	plan := s.plan(creds)

	if len(plan) == 0 {
		err := s.record(ctx, tc, req,
			audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
			"enrichment.skipped", audit.SeverityMedium,
			"Enrichment skipped: no usable provider credentials",
			audit.Payload{Safe: map[string]any{
				"status":      string(StatusSkipped),
				"connectors":  len(s.connectors),
				"credentials": len(creds),
			}})
		if err != nil {
			return nil, err
		}
		return &Result{Status: StatusSkipped}, nil
	}

	providers := make([]string, 0, len(plan))
	for _, b := range plan {
		providers = append(providers, b.conn.Provider())
	}
	err = s.record(ctx, tc, req,
		audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
		"enrichment.started", audit.SeverityLow,
		fmt.Sprintf("Enrichment started with %d providers", len(plan)),
		audit.Payload{Safe: map[string]any{"providers": providers}})
	if err != nil {
		return nil, err
	}

	target, byID, err := s.loadTarget(ctx, tc.TenantID, dealID)
	if err != nil {
		return nil, err
	}

	res := &Result{Status: StatusCompleted}
	now := s.clock().UTC()
	gained := make(map[string][]string) // claim_id -> evidence ids to link
	var order []string
	var lastErr error

	for _, b := range plan {
		provider := b.conn.Provider()
		findings, err := b.conn.Corroborate(ctx, b.cred, target)
		if err != nil {
			res.ProvidersFailed = append(res.ProvidersFailed, provider)
			lastErr = err
			s.logger.WarnContext(ctx, "enrichment provider failed",
				"tenant_id", tc.TenantID,
				"deal_id", dealID,
				"provider", provider,
				"error", err)
			continue
		}
		res.Providers = append(res.Providers, provider)
		res.Findings += len(findings)

		for _, f := range findings {
			if err := f.validate(byID); err != nil {
				res.Rejected++
				s.logger.WarnContext(ctx, "enrichment finding rejected",
					"tenant_id", tc.TenantID,
					"deal_id", dealID,
					"provider", provider,
					"error", err)
				continue
			}

			prior, err := s.priorEvidence(ctx, tc.TenantID, provider, f)
			if err != nil {
				return nil, err
			}
			if prior != nil {
				res.Duplicates++
				// A crash between the evidence write and the claim update
				// leaves the row unlinked; relink on resume.
				if !linked(byID[f.ClaimID], gained[f.ClaimID], prior.EvidenceID) {
					if _, ok := gained[f.ClaimID]; !ok {
						order = append(order, f.ClaimID)
					}
					gained[f.ClaimID] = append(gained[f.ClaimID], prior.EvidenceID)
				}
				continue
			}

			ev := &domain.Evidence{
				EvidenceID:       s.newID(),
				TenantID:         tc.TenantID,
				ClaimID:          f.ClaimID,
				SourceGrade:      domain.GradeB,
				SourceSystem:     provider,
				UpstreamOriginID: f.OriginID,

				VerificationStatus: f.Verification,
				CreatedAt:          now,
			}
			if err := s.evidence.Create(ctx, ev); err != nil {
				return nil, errs.Wrap(errs.CodeInternal, "Persisting enrichment evidence failed", err)
			}
			res.EvidenceIDs = append(res.EvidenceIDs, ev.EvidenceID)
			if _, ok := gained[f.ClaimID]; !ok {
				order = append(order, f.ClaimID)
			}
			gained[f.ClaimID] = append(gained[f.ClaimID], ev.EvidenceID)
		}
	}

	if len(res.Providers) == 0 {
		return nil, errs.Wrap(errs.CodeInternal, "Enrichment failed for every provider", lastErr)
	}
	if len(res.ProvidersFailed) > 0 {
		res.Status = StatusPartial
	}

	for _, claimID := range order {
		claim := byID[claimID]
		claim.EvidenceIDs = append(claim.EvidenceIDs, gained[claimID]...)
		claim.UpdatedAt = now
		if err := s.claims.Update(ctx, claim); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "Linking enrichment evidence to claim failed", err)
		}
	}

	if err := s.recordBatch(ctx, tc, req, dealID, res); err != nil {
		return nil, err
	}
	return res, nil
}

type binding struct {
	conn Connector
	cred Credential
}

// plan pairs registered connectors with the tenant's credentials in
// registration order. Credentials without a connector and connectors
// without a credential both drop out.
func (s *Service) plan(creds []Credential) []binding {
	byProvider := make(map[string]Credential, len(creds))
	for _, c := range creds {
		if c.Provider == "" || c.Secret == "" {
			continue
		}
		byProvider[c.Provider] = c
	}
	var plan []binding
	for _, conn := range s.connectors {
		if cred, ok := byProvider[conn.Provider()]; ok {
			plan = append(plan, binding{conn: conn, cred: cred})
		}
	}
	return plan
}

func (s *Service) loadTarget(ctx context.Context, tenantID, dealID string) (Target, map[string]*domain.Claim, error) {
	target := Target{DealID: dealID}
	byID := make(map[string]*domain.Claim)
	page := repo.Page{Limit: repo.MaxPageLimit}
	for {
		batch, err := s.claims.ListByDeal(ctx, tenantID, dealID, page)
		if err != nil {
			return Target{}, nil, errs.Wrap(errs.CodeInternal, "Loading claims for enrichment failed", err)
		}
		for _, c := range batch {
			target.Claims = append(target.Claims, c)
			byID[c.ClaimID] = c
		}
		if len(batch) < page.Limit {
			return target, byID, nil
		}
		page.Cursor = batch[len(batch)-1].CreatedAt
	}
}

// priorEvidence looks for an evidence row an earlier execution of this
// step already wrote for the same provider record, so a resume never
// duplicates it.
func (s *Service) priorEvidence(ctx context.Context, tenantID, provider string, f Finding) (*domain.Evidence, error) {
	existing, err := s.evidence.ListByClaim(ctx, tenantID, f.ClaimID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Loading claim evidence failed", err)
	}
	for _, e := range existing {
		if e.SourceSystem == provider && e.UpstreamOriginID == f.OriginID {
			return e, nil
		}
	}
	return nil, nil
}

func (s *Service) recordBatch(ctx context.Context, tc *auth.TenantContext, req audit.Request, dealID string, res *Result) error {
	severity := audit.SeverityLow
	if res.Status == StatusPartial {
		severity = audit.SeverityMedium
	}
	return s.record(ctx, tc, req,
		audit.Resource{ResourceType: "DEAL", ResourceID: dealID},
		"enrichment.completed", severity,
		fmt.Sprintf("Recorded %d findings from %d providers", len(res.EvidenceIDs), len(res.Providers)),
		audit.Payload{
			Refs: res.EvidenceIDs,
			Safe: map[string]any{
				"status":           string(res.Status),
				"providers":        res.Providers,
				"providers_failed": res.ProvidersFailed,
				"findings":         res.Findings,
				"duplicates":       res.Duplicates,
				"rejected":         res.Rejected,
			},
		})
}

func (s *Service) record(ctx context.Context, tc *auth.TenantContext, req audit.Request, res audit.Resource, eventType string, sev audit.Severity, summary string, payload audit.Payload) error {
	if s.recorder == nil || s.builder == nil {
		return errs.New(errs.CodeAuditEmitFailed, "Enrichment has no audit recorder")
	}
	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	ev := s.builder.Build(tc.TenantID, actor, req, res, eventType, sev, summary, payload)
	if err := s.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func (f Finding) validate(known map[string]*domain.Claim) error {
	if _, ok := known[f.ClaimID]; !ok {
		return fmt.Errorf("enrichment: finding cites unknown claim %q", f.ClaimID)
	}
	if strings.TrimSpace(f.OriginID) == "" {
		return fmt.Errorf("enrichment: finding has no provider record reference")
	}
	switch f.Verification {
	case domain.EvidenceVerified, domain.EvidenceDisputed, domain.EvidenceUnverified:
		return nil
	}
	return fmt.Errorf("enrichment: unknown verification status %q", f.Verification)
}

func linked(claim *domain.Claim, pending []string, evidenceID string) bool {
	for _, id := range claim.EvidenceIDs {
		if id == evidenceID {
			return true
		}
	}
	for _, id := range pending {
		if id == evidenceID {
			return true
		}
	}
	return false
}
