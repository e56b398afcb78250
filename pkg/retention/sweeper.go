package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mizan-labs/idis/pkg/artifacts"
	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
)

// Result summarizes one tenant sweep.
type Result struct {
	TenantID         string    `json:"tenant_id"`
	Cutoff           time.Time `json:"cutoff"`
	Examined         int       `json:"examined"`
	Deleted          []string  `json:"deleted,omitempty"`
	Held             int       `json:"held"`
	AwaitingApproval int       `json:"awaiting_approval"`
}

// Sweeper hard-deletes expired deliverable artifacts. It touches nothing
// else: raw documents have no expiry and audit events have no deletion
// path at all. Every candidate is checked against the legal-hold registry
// and, per policy, against recorded admin approvals before anything is
// removed.
type Sweeper struct {
	policies map[domain.RetentionClass]domain.RetentionPolicy
	index    Index
	blobs    artifacts.Store
	holds    *security.HoldRegistry
	recorder *audit.Recorder
	builder  *audit.Builder
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	approvals map[string]map[string]approval
}

type approval struct {
	approvedBy string
	approvedAt time.Time
}

// NewSweeper wires a sweeper with the default lifecycle policies. blobs
// may be nil (records are still removed; blob cleanup is skipped).
func NewSweeper(index Index, blobs artifacts.Store, holds *security.HoldRegistry, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		policies:  domain.DefaultRetentionPolicies(),
		index:     index,
		blobs:     blobs,
		holds:     holds,
		recorder:  recorder,
		builder:   builder,
		logger:    logger,
		clock:     time.Now,
		approvals: make(map[string]map[string]approval),
	}
}

// WithPolicies overrides the lifecycle, for profile-configured day counts.
func (s *Sweeper) WithPolicies(policies map[domain.RetentionClass]domain.RetentionPolicy) *Sweeper {
	if len(policies) > 0 {
		s.policies = policies
	}
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// ApproveDeletion records an admin's approval to hard-delete one expired
// deliverable. The approval is audited before it takes effect and is
// consumed by the sweep that uses it.
func (s *Sweeper) ApproveDeletion(ctx context.Context, tc *auth.TenantContext, req audit.Request, deliverableID string) error {
	if s.recorder == nil || s.builder == nil {
		return errs.New(errs.CodeInternal, "Retention sweeper is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return errs.New(errs.CodeInternal, "Deletion approval requires a tenant context")
	}
	if !tc.HasRole(auth.RoleAdmin) {
		return errs.PolicyDenied(errs.CodeRBACDenied)
	}
	id := domain.NormalizeID(deliverableID)
	if id == "" {
		return errs.Validation(errs.CodeValidationFailed, "Deliverable ID is required", nil)
	}

	if err := s.record(ctx, tc, req, "data.retention.deletion_approved", audit.SeverityMedium,
		"Approved hard delete of an expired deliverable",
		audit.Resource{ResourceType: "DELIVERABLE", ResourceID: id},
		audit.Payload{Refs: []string{id}}); err != nil {
		return err
	}

	s.mu.Lock()
	byID, ok := s.approvals[tc.TenantID]
	if !ok {
		byID = make(map[string]approval)
		s.approvals[tc.TenantID] = byID
	}
	byID[id] = approval{approvedBy: tc.ActorID, approvedAt: s.clock().UTC()}
	s.mu.Unlock()
	return nil
}

// Sweep applies the lifecycle to one tenant. Held and unapproved
// candidates are counted and left alone; everything the policy permits is
// removed from the index and, when no other record shares the blob, from
// the blob store. The closing data.retention.swept audit is fatal.
func (s *Sweeper) Sweep(ctx context.Context, tc *auth.TenantContext, req audit.Request) (*Result, error) {
	if s.index == nil || s.holds == nil || s.recorder == nil || s.builder == nil {
		return nil, errs.New(errs.CodeInternal, "Retention sweeper is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Retention sweep requires a tenant context")
	}
	policy := s.policies[domain.RetainDeliverables]
	if !policy.HardDeleteAllowed || policy.Days <= 0 {
		return nil, errs.New(errs.CodeInternal, "Deliverable retention policy does not permit sweeping")
	}

	cutoff := s.clock().UTC().AddDate(0, 0, -policy.Days)
	expired, err := s.index.ListExpired(ctx, tc.TenantID, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Listing expired deliverables failed", err)
	}

	res := &Result{TenantID: tc.TenantID, Cutoff: cutoff, Examined: len(expired)}
	for _, rec := range expired {
		if s.holds.BlockDeletionIfHeld(tc.TenantID, security.HoldTargetArtifact, rec.DeliverableID) != nil ||
			s.holds.BlockDeletionIfHeld(tc.TenantID, security.HoldTargetDeal, rec.DealID) != nil {
			res.Held++
			continue
		}
		if policy.RequiresAdminApproval && !s.approved(tc.TenantID, rec.DeliverableID) {
			res.AwaitingApproval++
			continue
		}
		if err := s.index.Remove(ctx, tc.TenantID, rec.DeliverableID); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "Removing deliverable record failed", err)
		}
		s.deleteBlob(ctx, tc.TenantID, rec)
		s.consumeApproval(tc.TenantID, rec.DeliverableID)
		res.Deleted = append(res.Deleted, rec.DeliverableID)
	}

	if err := s.record(ctx, tc, req, "data.retention.swept", audit.SeverityLow,
		"Retention sweep completed",
		audit.Resource{ResourceType: "TENANT", ResourceID: tc.TenantID},
		audit.Payload{Refs: res.Deleted, Safe: map[string]any{
			"class":             string(domain.RetainDeliverables),
			"cutoff":            cutoff.Format(time.RFC3339),
			"examined":          res.Examined,
			"deleted":           len(res.Deleted),
			"held":              res.Held,
			"awaiting_approval": res.AwaitingApproval,
		}}); err != nil {
		return nil, err
	}
	return res, nil
}

// SweepAll sweeps every tenant in the index under the sweeper's service
// identity. A failing tenant does not stop the rest; the errors are
// joined.
func (s *Sweeper) SweepAll(ctx context.Context, req audit.Request) ([]*Result, error) {
	if s.index == nil {
		return nil, errs.New(errs.CodeInternal, "Retention sweeper is not configured")
	}
	tenants, err := s.index.Tenants(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Listing tenants failed", err)
	}
	var results []*Result
	var failures []error
	for _, tenant := range tenants {
		tc := &auth.TenantContext{
			TenantID: tenant,
			ActorID:  "retention-sweeper",
			Roles:    []auth.Role{auth.RoleIntegrationService},
		}
		res, err := s.Sweep(ctx, tc, req)
		if err != nil {
			failures = append(failures, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(failures...)
}

// deleteBlob removes the stored bytes once no record references them.
// Blob-store failures are logged, not fatal: the record is gone and a
// later sweep of the same ref would succeed, while an orphaned blob is
// unreachable anyway.
func (s *Sweeper) deleteBlob(ctx context.Context, tenantID string, rec *Record) {
	if s.blobs == nil || rec.StorageRef == "" {
		return
	}
	n, err := s.index.RefCount(ctx, tenantID, rec.StorageRef)
	if err != nil {
		s.logger.WarnContext(ctx, "storage ref count failed", "storage_ref", rec.StorageRef, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, rec.StorageRef); err != nil {
		s.logger.WarnContext(ctx, "expired blob not deleted", "storage_ref", rec.StorageRef, "error", err)
	}
}

func (s *Sweeper) approved(tenantID, deliverableID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.approvals[tenantID][domain.NormalizeID(deliverableID)]
	return ok
}

func (s *Sweeper) consumeApproval(tenantID, deliverableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals[tenantID], domain.NormalizeID(deliverableID))
}

func (s *Sweeper) record(ctx context.Context, tc *auth.TenantContext, req audit.Request, eventType string, sev audit.Severity, summary string, res audit.Resource, payload audit.Payload) error {
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
