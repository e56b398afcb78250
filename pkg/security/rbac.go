package security

import (
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// Operation names every RBAC-guarded action. The set is closed; an
// operation absent from the matrix is denied for every role.
type Operation string

const (
	OpDealCreate Operation = "deal.create"
	OpDealRead   Operation = "deal.read"
	OpDealUpdate Operation = "deal.update"
	OpDealDelete Operation = "deal.delete"

	OpDocumentIngest Operation = "document.ingest"
	OpDocumentRead   Operation = "document.read"

	OpClaimCreate Operation = "claim.create"
	OpClaimRead   Operation = "claim.read"
	OpClaimUpdate Operation = "claim.update"

	OpSanadRead     Operation = "sanad.read"
	OpSanadGrade    Operation = "sanad.grade"
	OpDefectRead    Operation = "defect.read"
	OpDefectResolve Operation = "defect.resolve"

	OpCalcExecute Operation = "calc.execute"
	OpCalcRead    Operation = "calc.read"

	OpRunStart Operation = "run.start"
	OpRunRead  Operation = "run.read"

	OpHumanGateDecide Operation = "human_gate.decide"
	OpHumanGateRead   Operation = "human_gate.read"

	OpDeliverableExport Operation = "deliverable.export"
	OpDeliverableRead   Operation = "deliverable.read"

	OpAuditRead Operation = "audit.read"

	OpBYOKManage      Operation = "byok.manage"
	OpLegalHoldManage Operation = "legal_hold.manage"
	OpWebhookManage   Operation = "webhook.manage"
	OpRetentionSweep  Operation = "retention.sweep"
)

// mutations marks the operations that change state. Reads are everything
// else in the matrix.
var mutations = map[Operation]bool{
	OpDealCreate:        true,
	OpDealUpdate:        true,
	OpDealDelete:        true,
	OpDocumentIngest:    true,
	OpClaimCreate:       true,
	OpClaimUpdate:       true,
	OpSanadGrade:        true,
	OpDefectResolve:     true,
	OpCalcExecute:       true,
	OpRunStart:          true,
	OpHumanGateDecide:   true,
	OpDeliverableExport: true,
	OpBYOKManage:        true,
	OpLegalHoldManage:   true,
	OpWebhookManage:     true,
	OpRetentionSweep:    true,
}

// IsMutation reports whether op changes state. Unknown operations count as
// mutations so a new unlisted operation cannot slip past the stricter path.
func (op Operation) IsMutation() bool {
	if _, known := rbacMatrix[op]; !known {
		return true
	}
	return mutations[op]
}

// rbacMatrix maps each operation to the roles allowed to perform it.
// AUDITOR holds every read and no mutation. ADMIN holds everything.
var rbacMatrix = map[Operation][]auth.Role{
	OpDealCreate: {auth.RoleAdmin, auth.RoleAnalyst, auth.RoleIntegrationService},
	OpDealRead:   {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor, auth.RoleIntegrationService},
	OpDealUpdate: {auth.RoleAdmin, auth.RoleAnalyst},
	OpDealDelete: {auth.RoleAdmin},

	OpDocumentIngest: {auth.RoleAdmin, auth.RoleAnalyst, auth.RoleIntegrationService},
	OpDocumentRead:   {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor, auth.RoleIntegrationService},

	OpClaimCreate: {auth.RoleAdmin, auth.RoleAnalyst, auth.RoleIntegrationService},
	OpClaimRead:   {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor, auth.RoleIntegrationService},
	OpClaimUpdate: {auth.RoleAdmin, auth.RoleAnalyst},

	OpSanadRead:     {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor},
	OpSanadGrade:    {auth.RoleAdmin, auth.RoleAnalyst},
	OpDefectRead:    {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor},
	OpDefectResolve: {auth.RoleAdmin, auth.RoleAnalyst},

	OpCalcExecute: {auth.RoleAdmin, auth.RoleAnalyst},
	OpCalcRead:    {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor},

	OpRunStart: {auth.RoleAdmin, auth.RoleAnalyst, auth.RoleIntegrationService},
	OpRunRead:  {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor, auth.RoleIntegrationService},

	OpHumanGateDecide: {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner},
	OpHumanGateRead:   {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor},

	OpDeliverableExport: {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner},
	OpDeliverableRead:   {auth.RoleAdmin, auth.RoleAnalyst, auth.RolePartner, auth.RoleAuditor},

	OpAuditRead: {auth.RoleAdmin, auth.RoleAuditor},

	OpBYOKManage:      {auth.RoleAdmin},
	OpLegalHoldManage: {auth.RoleAdmin},
	OpWebhookManage:   {auth.RoleAdmin, auth.RoleAnalyst},
	OpRetentionSweep:  {auth.RoleAdmin},
}

// CheckRBAC evaluates the role matrix. Unknown operations and empty role
// sets deny.
func CheckRBAC(tc *auth.TenantContext, op Operation) error {
	allowed, known := rbacMatrix[op]
	if !known {
		return errs.PolicyDenied(errs.CodeRBACDenied)
	}
	for _, role := range allowed {
		if tc.HasRole(role) {
			return nil
		}
	}
	return errs.PolicyDenied(errs.CodeRBACDenied)
}
