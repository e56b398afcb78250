package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
)

type decideGateRequest struct {
	Action    domain.HumanGateAction `json:"action"`
	Rationale string                 `json:"rationale"`
}

type gateListResponse struct {
	Gates      []*domain.HumanGate `json:"gates"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func (s *Server) listHumanGates(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpHumanGateRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	gates, err := s.stores.HumanGates.ListByDeal(r.Context(), tc.TenantID, domain.NormalizeID(dealID), page)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Listing human gates failed")
	}
	return http.StatusOK, gateListResponse{
		Gates:      gates,
		NextCursor: nextCursor(len(gates), page, func(i int) time.Time { return gates[i].CreatedAt }),
	}, nil
}

// decideHumanGate appends a reviewer decision to the deal's review trail.
// Decisions are append-only; a changed mind is a new decision, not an edit.
func (s *Server) decideHumanGate(r *http.Request, m *Mutation) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorize(r, security.OpHumanGateDecide, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	var req decideGateRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	details := map[string]any{}
	if !req.Action.Valid() {
		details["action"] = "must be APPROVE, REJECT, or REQUEST_CHANGES"
	}
	rationale := strings.TrimSpace(req.Rationale)
	if rationale == "" {
		details["rationale"] = "a non-empty rationale is required"
	}
	if len(details) > 0 {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Human-gate decision is invalid", details)
	}

	g := &domain.HumanGate{
		GateID:    domain.NormalizeID(s.newID()),
		TenantID:  tc.TenantID,
		DealID:    domain.NormalizeID(dealID),
		Action:    req.Action,
		Rationale: rationale,
		ActorID:   tc.ActorID,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.stores.HumanGates.Create(r.Context(), g); err != nil {
		return 0, nil, mapRepoErr(err, "Persisting human-gate decision failed")
	}

	m.Resource = audit.Resource{ResourceType: "HUMAN_GATE", ResourceID: g.GateID}
	m.Summary = "Human gate decided: " + string(g.Action)
	m.Payload = audit.Payload{
		Refs: []string{g.DealID},
		Safe: map[string]any{
			"action":           string(g.Action),
			"rationale_length": len(rationale),
		},
	}
	return http.StatusCreated, g, nil
}
