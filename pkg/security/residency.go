// Package security implements the tenant isolation perimeter: residency,
// RBAC, ABAC with CEL attribute policies, break-glass overrides, BYOK key
// state, and legal holds.
//
// Every gate fails closed. Missing configuration denies; unknown enum
// values deny; an unreachable dependency denies. Denial responses are
// deliberately uniform so neither resource existence nor region names leak
// through error text.
package security

import (
	"strings"

	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// ResidencyEnforcer pins a deployment to one data region. Tenants whose
// data_region differs are denied before any handler logic runs.
type ResidencyEnforcer struct {
	serviceRegion string
}

// NewResidencyEnforcer builds the enforcer. An empty region is legal at
// construction; Check then denies everything, which is the correct posture
// for a misconfigured deployment.
func NewResidencyEnforcer(serviceRegion string) *ResidencyEnforcer {
	return &ResidencyEnforcer{serviceRegion: normalizeRegion(serviceRegion)}
}

// Check compares the tenant's residency region to the service region.
func (e *ResidencyEnforcer) Check(tc *auth.TenantContext) error {
	if e.serviceRegion == "" {
		return errs.PolicyDenied(errs.CodeResidencyServiceRegionUnset)
	}
	if normalizeRegion(tc.DataRegion) != e.serviceRegion {
		return errs.PolicyDenied(errs.CodeResidencyRegionMismatch)
	}
	return nil
}

func normalizeRegion(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}
