package domain

// RetentionClass buckets entities by how long they are kept and whether
// deletion is ever allowed.
type RetentionClass string

const (
	RetainRawDocuments RetentionClass = "RAW_DOCUMENTS"
	RetainDeliverables RetentionClass = "DELIVERABLES"
	RetainAuditEvents  RetentionClass = "AUDIT_EVENTS"
)

// DefaultRetentionDays is the regulatory default for deliverables and audit
// events (seven years). RAW_DOCUMENTS are kept indefinitely.
const DefaultRetentionDays = 2555

// RetentionPolicy describes what the sweeper may do with a class.
type RetentionPolicy struct {
	Class                 RetentionClass `json:"class"`
	Days                  int            `json:"days"`
	HardDeleteAllowed     bool           `json:"hard_delete_allowed"`
	RequiresAdminApproval bool           `json:"requires_admin_approval"`
}

// DefaultRetentionPolicies returns the built-in lifecycle: raw documents are
// kept indefinitely, deliverables are hard-deletable after expiry with admin
// approval, audit events are never deleted.
func DefaultRetentionPolicies() map[RetentionClass]RetentionPolicy {
	return map[RetentionClass]RetentionPolicy{
		RetainRawDocuments: {Class: RetainRawDocuments, Days: 0, HardDeleteAllowed: false},
		RetainDeliverables: {Class: RetainDeliverables, Days: DefaultRetentionDays, HardDeleteAllowed: true, RequiresAdminApproval: true},
		RetainAuditEvents:  {Class: RetainAuditEvents, Days: DefaultRetentionDays, HardDeleteAllowed: false},
	}
}
