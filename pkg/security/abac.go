package security

import (
	"context"
	"errors"
	"sync"

	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
)

// ABAC reason codes. The wire collapses several of these onto one error
// code so responses leak no existence information; audit payloads keep the
// precise reason.
const (
	ReasonAllowedAssigned          = "ALLOWED_ASSIGNED"
	ReasonAllowedGroupAssignment   = "ALLOWED_GROUP_ASSIGNMENT"
	ReasonAllowedBreakGlass        = "ALLOWED_BREAK_GLASS"
	ReasonDeniedNotAssigned        = "DENIED_NOT_ASSIGNED"
	ReasonDeniedBreakGlassRequired = "DENIED_BREAK_GLASS_REQUIRED"
	ReasonDeniedUnknownOutOfScope  = "DENIED_UNKNOWN_OR_OUT_OF_SCOPE"
	ReasonDeniedAttributePolicy    = "DENIED_ATTRIBUTE_POLICY"
	ReasonResolutionFailed         = "ABAC_RESOLUTION_FAILED"
)

// Decision is the outcome of a deal-scope check.
type Decision struct {
	Allowed            bool   `json:"allowed"`
	ReasonCode         string `json:"reason_code"`
	DealID             string `json:"deal_id,omitempty"`
	RequiresBreakGlass bool   `json:"requires_break_glass,omitempty"`
}

// Err converts a denial into its wire error. Assignment denials share the
// unknown-deal code: a caller must not be able to distinguish "exists but
// not yours" from "does not exist".
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.ReasonCode {
	case ReasonDeniedBreakGlassRequired:
		return errs.PolicyDenied(errs.CodeDeniedBreakGlassRequired).
			WithDetail("requires_break_glass", true)
	case ReasonResolutionFailed:
		return errs.PolicyDenied(errs.CodeABACResolutionFailed)
	case ReasonDeniedAttributePolicy:
		return errs.PolicyDenied(errs.CodeDeniedUnknownOrOutOfScope)
	default:
		return errs.PolicyDenied(errs.CodeDeniedUnknownOrOutOfScope)
	}
}

// Assignments tracks which actors and groups may work a deal. The registry
// is tenant-scoped throughout; an assignment in one tenant can never
// satisfy a check in another.
type Assignments struct {
	mu sync.RWMutex
	// tenant → deal → actor set
	actorAssignments map[string]map[string]map[string]bool
	// tenant → deal → group set
	groupAssignments map[string]map[string]map[string]bool
	// tenant → group → actor set
	groupMembers map[string]map[string]map[string]bool
}

// NewAssignments returns an empty registry.
func NewAssignments() *Assignments {
	return &Assignments{
		actorAssignments: make(map[string]map[string]map[string]bool),
		groupAssignments: make(map[string]map[string]map[string]bool),
		groupMembers:     make(map[string]map[string]map[string]bool),
	}
}

func put(m map[string]map[string]map[string]bool, tenantID, outer, inner string) {
	if m[tenantID] == nil {
		m[tenantID] = make(map[string]map[string]bool)
	}
	if m[tenantID][outer] == nil {
		m[tenantID][outer] = make(map[string]bool)
	}
	m[tenantID][outer][inner] = true
}

// AssignActor grants an actor direct access to a deal.
func (a *Assignments) AssignActor(tenantID, dealID, actorID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	put(a.actorAssignments, tenantID, dealID, actorID)
}

// AssignGroup grants a group access to a deal.
func (a *Assignments) AssignGroup(tenantID, dealID, groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	put(a.groupAssignments, tenantID, dealID, groupID)
}

// AddMember puts an actor into a group.
func (a *Assignments) AddMember(tenantID, groupID, actorID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	put(a.groupMembers, tenantID, groupID, actorID)
}

// assignment reports whether the actor reaches the deal, and how.
func (a *Assignments) assignment(tenantID, dealID, actorID string) (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.actorAssignments[tenantID][dealID][actorID] {
		return true, ReasonAllowedAssigned
	}
	for groupID := range a.groupAssignments[tenantID][dealID] {
		if a.groupMembers[tenantID][groupID][actorID] {
			return true, ReasonAllowedGroupAssignment
		}
	}
	return false, ReasonDeniedNotAssigned
}

// Engine evaluates deal-scoped access: assignment state, then deny-only
// attribute policies. Deal existence is checked first so unknown and
// cross-tenant deals yield the same denial without consulting assignments.
type Engine struct {
	assignments *Assignments
	deals       repo.DealRepo
	claims      repo.ClaimRepo
	policies    *PolicySet
}

// NewEngine wires the ABAC engine. policies may be nil (no attribute
// policies configured).
func NewEngine(assignments *Assignments, deals repo.DealRepo, claims repo.ClaimRepo, policies *PolicySet) *Engine {
	return &Engine{assignments: assignments, deals: deals, claims: claims, policies: policies}
}

// CheckDeal evaluates access to one deal.
func (e *Engine) CheckDeal(ctx context.Context, tc *auth.TenantContext, dealID string, op Operation) Decision {
	if _, err := e.deals.Get(ctx, tc.TenantID, dealID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Decision{ReasonCode: ReasonDeniedUnknownOutOfScope, DealID: dealID}
		}
		// Storage reachable-but-failing is indistinguishable from "cannot
		// resolve scope"; deny rather than guess.
		return Decision{ReasonCode: ReasonResolutionFailed, DealID: dealID}
	}

	if e.policies != nil {
		denied, err := e.policies.Denies(ctx, tc, dealID, op)
		if err != nil || denied {
			return Decision{ReasonCode: ReasonDeniedAttributePolicy, DealID: dealID}
		}
	}

	assigned, reason := e.assignments.assignment(tc.TenantID, dealID, tc.ActorID)
	if assigned {
		return Decision{Allowed: true, ReasonCode: reason, DealID: dealID}
	}

	if tc.HasRole(auth.RoleAdmin) {
		return Decision{
			ReasonCode:         ReasonDeniedBreakGlassRequired,
			DealID:             dealID,
			RequiresBreakGlass: true,
		}
	}
	return Decision{ReasonCode: ReasonDeniedNotAssigned, DealID: dealID}
}

// CheckClaim resolves a claim to its deal under tenant scope, then checks
// the deal. An unknown or cross-tenant claim is an unknown deal.
func (e *Engine) CheckClaim(ctx context.Context, tc *auth.TenantContext, claimID string, op Operation) Decision {
	dealID, err := e.claims.ResolveDealID(ctx, tc.TenantID, claimID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Decision{ReasonCode: ReasonDeniedUnknownOutOfScope}
		}
		return Decision{ReasonCode: ReasonResolutionFailed}
	}
	return e.CheckDeal(ctx, tc, dealID, op)
}
