package security

import (
	"context"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// Access describes one request's demand on the perimeter. DealID or
// ClaimID scopes the ABAC check; leaving both empty skips ABAC for
// tenant-level operations. Class is the highest data class the operation
// touches. BreakGlassToken is the raw override header, if presented.
type Access struct {
	Op              Operation
	DealID          string
	ClaimID         string
	Class           DataClass
	BreakGlassToken string
	Request         audit.Request
}

// Clearance is the perimeter's positive decision. Denials are errors, not
// clearances; a nil-error return always carries a usable clearance.
type Clearance struct {
	TenantID       string
	Operation      Operation
	DealID         string
	ABACReason     string
	UsedBreakGlass bool
}

// Perimeter runs every gate in order and stops at the first denial:
// residency, RBAC, ABAC with optional break-glass override, BYOK, and the
// legal-hold deletion block. Each gate fails closed on its own; a nil
// registry denies rather than waves through.
type Perimeter struct {
	residency  *ResidencyEnforcer
	abac       *Engine
	breakGlass *BreakGlass
	byok       *BYOKRegistry
	holds      *HoldRegistry
}

// NewPerimeter assembles the full gate sequence.
func NewPerimeter(residency *ResidencyEnforcer, abac *Engine, bg *BreakGlass, byok *BYOKRegistry, holds *HoldRegistry) *Perimeter {
	return &Perimeter{residency: residency, abac: abac, breakGlass: bg, byok: byok, holds: holds}
}

// Authorize evaluates one access demand against the gate sequence.
func (p *Perimeter) Authorize(ctx context.Context, tc *auth.TenantContext, access Access) (*Clearance, error) {
	// Check 1: an authenticated tenant context. Anything that reached us
	// without one is unauthenticated, not merely unauthorized.
	if tc == nil || tc.TenantID == "" || tc.ActorID == "" {
		return nil, errs.Unauthorized()
	}

	// Check 2: residency. The tenant's data region must match the region
	// this deployment serves.
	if p.residency == nil {
		return nil, errs.PolicyDenied(errs.CodeResidencyServiceRegionUnset)
	}
	if err := p.residency.Check(tc); err != nil {
		return nil, err
	}

	// Check 3: RBAC. Unknown operations deny inside CheckRBAC.
	if err := CheckRBAC(tc, access.Op); err != nil {
		return nil, err
	}

	clearance := &Clearance{TenantID: tc.TenantID, Operation: access.Op, DealID: access.DealID}

	// Check 4: ABAC for deal- and claim-scoped operations. Claim scope
	// resolves to a deal first; resolution failure is its own denial.
	if access.DealID != "" || access.ClaimID != "" {
		if p.abac == nil {
			return nil, errs.PolicyDenied(errs.CodeABACResolutionFailed)
		}
		var decision Decision
		if access.ClaimID != "" {
			decision = p.abac.CheckClaim(ctx, tc, access.ClaimID, access.Op)
		} else {
			decision = p.abac.CheckDeal(ctx, tc, access.DealID, access.Op)
		}
		clearance.DealID = decision.DealID
		clearance.ABACReason = decision.ReasonCode

		if !decision.Allowed {
			// Check 4a: break-glass, only where the denial invites it.
			// The override is consumed before effect: its CRITICAL audit
			// event must be durable or the denial stands.
			if decision.RequiresBreakGlass && access.BreakGlassToken != "" {
				if p.breakGlass == nil {
					return nil, errs.PolicyDenied(errs.CodeBreakGlassInvalid)
				}
				if err := p.breakGlass.Use(ctx, access.BreakGlassToken, tc, decision.DealID, access.Request); err != nil {
					return nil, err
				}
				clearance.ABACReason = ReasonAllowedBreakGlass
				clearance.UsedBreakGlass = true
			} else {
				return nil, decision.Err()
			}
		}
	}

	// Check 5: BYOK. Class2/3 content is locked while the tenant's key is
	// revoked.
	if p.byok != nil {
		if err := p.byok.CheckAccess(tc.TenantID, access.Class); err != nil {
			return nil, err
		}
	}

	// Check 6: legal hold. Deletion paths stop here regardless of role,
	// retention class, or break-glass.
	if access.Op == OpDealDelete && p.holds != nil {
		if err := p.holds.BlockDeletionIfHeld(tc.TenantID, HoldTargetDeal, clearance.DealID); err != nil {
			return nil, err
		}
	}

	return clearance, nil
}
