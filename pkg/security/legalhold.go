package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// HoldTargetType names what a legal hold pins.
type HoldTargetType string

const (
	HoldTargetDeal     HoldTargetType = "DEAL"
	HoldTargetDocument HoldTargetType = "DOCUMENT"
	HoldTargetArtifact HoldTargetType = "ARTIFACT"
)

func validHoldTarget(t HoldTargetType) bool {
	switch t {
	case HoldTargetDeal, HoldTargetDocument, HoldTargetArtifact:
		return true
	}
	return false
}

// LegalHold pins a target against every deletion path. The reason text is
// never stored or audited; only its SHA-256 and length survive.
type LegalHold struct {
	HoldID       string
	TenantID     string
	TargetType   HoldTargetType
	TargetID     string
	ReasonHash   string
	ReasonLength int
	AppliedBy    string
	AppliedAt    time.Time
	LiftedBy     string
	LiftedAt     time.Time
}

// Active reports whether the hold still blocks deletion.
func (h *LegalHold) Active() bool { return h.LiftedAt.IsZero() }

// HoldRegistry tracks legal holds per tenant. Apply and Lift audit at
// CRITICAL severity and fail closed on emission failure.
type HoldRegistry struct {
	mu       sync.RWMutex
	holds    map[string]*LegalHold
	recorder *audit.Recorder
	builder  *audit.Builder
	clock    func() time.Time
}

// NewHoldRegistry wires the registry to the audit pipeline.
func NewHoldRegistry(recorder *audit.Recorder, builder *audit.Builder) *HoldRegistry {
	return &HoldRegistry{
		holds:    make(map[string]*LegalHold),
		recorder: recorder,
		builder:  builder,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *HoldRegistry) WithClock(clock func() time.Time) *HoldRegistry {
	r.clock = clock
	return r
}

// Apply places a hold. The reason must be non-empty; it is hashed before
// anything else sees it.
func (r *HoldRegistry) Apply(ctx context.Context, tc *auth.TenantContext, targetType HoldTargetType, targetID, reason string, req audit.Request) (*LegalHold, error) {
	if !validHoldTarget(targetType) {
		return nil, errs.Validation(errs.CodeInvalidRequest, "unknown hold target type", nil)
	}
	if targetID == "" || strings.TrimSpace(reason) == "" {
		return nil, errs.Validation(errs.CodeInvalidRequest, "target and reason are required", nil)
	}
	sum := sha256.Sum256([]byte(reason))
	hold := &LegalHold{
		HoldID:       uuid.New().String(),
		TenantID:     tc.TenantID,
		TargetType:   targetType,
		TargetID:     targetID,
		ReasonHash:   hex.EncodeToString(sum[:]),
		ReasonLength: len(reason),
		AppliedBy:    tc.ActorID,
		AppliedAt:    r.clock().UTC(),
	}
	if err := r.auditHold(ctx, tc, req, "legal_hold.applied", hold); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.holds[hold.HoldID] = hold
	r.mu.Unlock()
	return copyHold(hold), nil
}

// Lift releases a hold. Lifting also requires a reason; it is audited the
// same way the apply reason was.
func (r *HoldRegistry) Lift(ctx context.Context, tc *auth.TenantContext, holdID, reason string, req audit.Request) (*LegalHold, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errs.Validation(errs.CodeInvalidRequest, "reason is required", nil)
	}
	r.mu.RLock()
	existing, ok := r.holds[holdID]
	r.mu.RUnlock()
	if !ok || existing.TenantID != tc.TenantID {
		return nil, errs.NotFound()
	}
	if !existing.Active() {
		return nil, errs.Conflict(errs.CodeConflict, "hold already lifted")
	}
	sum := sha256.Sum256([]byte(reason))
	lifted := copyHold(existing)
	lifted.LiftedBy = tc.ActorID
	lifted.LiftedAt = r.clock().UTC()
	lifted.ReasonHash = hex.EncodeToString(sum[:])
	lifted.ReasonLength = len(reason)
	if err := r.auditHold(ctx, tc, req, "legal_hold.lifted", lifted); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.holds[holdID] = lifted
	r.mu.Unlock()
	return copyHold(lifted), nil
}

// Get returns a hold within the tenant, or errs.NotFound.
func (r *HoldRegistry) Get(tenantID, holdID string) (*LegalHold, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hold, ok := r.holds[holdID]
	if !ok || hold.TenantID != tenantID {
		return nil, errs.NotFound()
	}
	return copyHold(hold), nil
}

// ListActive returns the tenant's active holds. The retention sweeper
// consults this before every candidate deletion.
func (r *HoldRegistry) ListActive(tenantID string) []*LegalHold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*LegalHold
	for _, hold := range r.holds {
		if hold.TenantID == tenantID && hold.Active() {
			out = append(out, copyHold(hold))
		}
	}
	return out
}

// BlockDeletionIfHeld is called on every delete path before the delete
// happens. An active hold on the target wins over everything, including
// retention expiry and admin approval.
func (r *HoldRegistry) BlockDeletionIfHeld(tenantID string, targetType HoldTargetType, targetID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hold := range r.holds {
		if hold.TenantID == tenantID && hold.TargetType == targetType && hold.TargetID == targetID && hold.Active() {
			return errs.PolicyDenied(errs.CodeDeletionBlockedByHold)
		}
	}
	return nil
}

func (r *HoldRegistry) auditHold(ctx context.Context, tc *auth.TenantContext, req audit.Request, eventType string, hold *LegalHold) error {
	event := r.builder.Build(
		tc.TenantID,
		audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()},
		req,
		audit.Resource{ResourceType: "LEGAL_HOLD", ResourceID: hold.HoldID},
		eventType,
		audit.SeverityCritical,
		"legal hold "+string(hold.TargetType),
		audit.Payload{
			Hashes: []string{hold.ReasonHash},
			Refs:   []string{hold.TargetID},
			Safe: map[string]any{
				"target_type":   string(hold.TargetType),
				"reason_length": hold.ReasonLength,
			},
		},
	)
	if err := r.recorder.Record(ctx, event); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func copyHold(h *LegalHold) *LegalHold {
	c := *h
	return &c
}
