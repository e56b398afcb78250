package domain

import "time"

// HumanGateAction is the decision a human reviewer records on a deal.
type HumanGateAction string

const (
	GateApprove        HumanGateAction = "APPROVE"
	GateReject         HumanGateAction = "REJECT"
	GateRequestChanges HumanGateAction = "REQUEST_CHANGES"
)

func (a HumanGateAction) Valid() bool {
	switch a {
	case GateApprove, GateReject, GateRequestChanges:
		return true
	}
	return false
}

// HumanGate records one human decision in a deal's review trail. Rationale
// is mandatory; the decision is HIGH-severity audited.
type HumanGate struct {
	GateID    string          `json:"gate_id"`
	TenantID  string          `json:"tenant_id"`
	DealID    string          `json:"deal_id"`
	Action    HumanGateAction `json:"action"`
	Rationale string          `json:"rationale"`
	ActorID   string          `json:"actor_id"`
	CreatedAt time.Time       `json:"created_at"`
}
