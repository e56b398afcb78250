package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
	"github.com/mizan-labs/idis/pkg/values"
)

type createClaimRequest struct {
	Class          string              `json:"claim_class"`
	Text           string              `json:"text"`
	Materiality    string              `json:"materiality,omitempty"`
	IsFactual      *bool               `json:"is_factual,omitempty"`
	IsSubjective   bool                `json:"is_subjective,omitempty"`
	Value          *values.ValueStruct `json:"value,omitempty"`
	PrimarySpanID  string              `json:"primary_span_id,omitempty"`
	EvidenceIDs    []string            `json:"evidence_ids,omitempty"`
	CalculationIDs []string            `json:"calculation_ids,omitempty"`
}

type updateClaimRequest struct {
	Text           *string             `json:"text,omitempty"`
	Materiality    *string             `json:"materiality,omitempty"`
	Verdict        *string             `json:"claim_verdict,omitempty"`
	Action         *string             `json:"claim_action,omitempty"`
	IsFactual      *bool               `json:"is_factual,omitempty"`
	IsSubjective   *bool               `json:"is_subjective,omitempty"`
	Value          *values.ValueStruct `json:"value,omitempty"`
	EvidenceIDs    *[]string           `json:"evidence_ids,omitempty"`
	CalculationIDs *[]string           `json:"calculation_ids,omitempty"`
}

type claimListResponse struct {
	Claims     []*domain.Claim `json:"claims"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) listClaims(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpClaimRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	claims, err := s.stores.Claims.ListByDeal(r.Context(), tc.TenantID, domain.NormalizeID(dealID), page)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing claims failed", err)
	}
	return http.StatusOK, claimListResponse{
		Claims:     claims,
		NextCursor: nextCursor(len(claims), page, func(i int) time.Time { return claims[i].CreatedAt }),
	}, nil
}

func (s *Server) createClaim(r *http.Request, m *Mutation) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorize(r, security.OpClaimCreate, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	var req createClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	class := domain.ClaimClass(req.Class)
	if !class.Valid() {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown claim class",
			map[string]any{"claim_class": req.Class})
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim text is required",
			map[string]any{"missing_fields": []string{"text"}})
	}

	c := domain.NewClaim(s.newID(), tc.TenantID, domain.NormalizeID(dealID), class, text)
	if req.Materiality != "" {
		mat := domain.Materiality(req.Materiality)
		if !mat.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown materiality",
				map[string]any{"materiality": req.Materiality})
		}
		c.Materiality = mat
	}
	if req.IsFactual != nil {
		c.IsFactual = *req.IsFactual
	}
	c.IsSubjective = req.IsSubjective
	if req.Value != nil {
		if err := req.Value.Validate(); err != nil {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim value is invalid",
				map[string]any{"reason": err.Error()})
		}
		c.Value = req.Value
	}
	c.PrimarySpanID = req.PrimarySpanID
	c.EvidenceIDs = req.EvidenceIDs
	c.CalculationIDs = req.CalculationIDs
	if err := s.checkClaimRefs(r, tc.TenantID, c); err != nil {
		return 0, nil, err
	}
	if c.RequiresEvidence() && !c.HasSupport() {
		return 0, nil, errs.Validation(errs.CodeValidationFailed,
			"A factual claim needs at least one evidence or calculation reference",
			map[string]any{"claim_id": c.ClaimID})
	}

	now := s.clock().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.stores.Claims.Create(r.Context(), c); err != nil {
		return 0, nil, mapRepoErr(err, "Creating claim failed")
	}

	m.Resource = audit.Resource{ResourceType: "CLAIM", ResourceID: c.ClaimID}
	m.Summary = "Claim created"
	m.Payload = audit.Payload{
		Refs: []string{c.DealID},
		Safe: map[string]any{
			"claim_class":   string(c.Class),
			"materiality":   string(c.Materiality),
			"is_factual":    c.IsFactual,
			"is_subjective": c.IsSubjective,
		},
	}
	return http.StatusCreated, c, nil
}

func (s *Server) getClaim(r *http.Request) (int, any, error) {
	claimID := r.PathValue("claimId")
	tc, err := s.authorizeRead(r, security.OpClaimRead, security.Class2Confidential, "", claimID)
	if err != nil {
		return 0, nil, err
	}
	c, err := s.stores.Claims.Get(r.Context(), tc.TenantID, claimID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading claim failed")
	}
	return http.StatusOK, c, nil
}

func (s *Server) updateClaim(r *http.Request, m *Mutation) (int, any, error) {
	claimID := r.PathValue("claimId")
	tc, err := s.authorize(r, security.OpClaimUpdate, security.Class2Confidential, "", claimID)
	if err != nil {
		return 0, nil, err
	}
	var req updateClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	c, err := s.stores.Claims.Get(r.Context(), tc.TenantID, claimID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading claim failed")
	}

	var changed []string
	if req.Text != nil {
		text := strings.TrimSpace(*req.Text)
		if text == "" {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim text cannot be empty", nil)
		}
		c.Text = text
		changed = append(changed, "text")
	}
	if req.Materiality != nil {
		mat := domain.Materiality(*req.Materiality)
		if !mat.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown materiality",
				map[string]any{"materiality": *req.Materiality})
		}
		c.Materiality = mat
		changed = append(changed, "materiality")
	}
	if req.Verdict != nil {
		verdict := domain.ClaimVerdict(*req.Verdict)
		if !verdict.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown claim verdict",
				map[string]any{"claim_verdict": *req.Verdict})
		}
		c.Verdict = verdict
		changed = append(changed, "claim_verdict")
	}
	if req.Action != nil {
		action := domain.ClaimAction(*req.Action)
		if !action.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown claim action",
				map[string]any{"claim_action": *req.Action})
		}
		c.Action = action
		changed = append(changed, "claim_action")
	}
	if req.IsFactual != nil {
		c.IsFactual = *req.IsFactual
		changed = append(changed, "is_factual")
	}
	if req.IsSubjective != nil {
		c.IsSubjective = *req.IsSubjective
		changed = append(changed, "is_subjective")
	}
	if req.Value != nil {
		if err := req.Value.Validate(); err != nil {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim value is invalid",
				map[string]any{"reason": err.Error()})
		}
		c.Value = req.Value
		changed = append(changed, "value")
	}
	if req.EvidenceIDs != nil {
		c.EvidenceIDs = *req.EvidenceIDs
		changed = append(changed, "evidence_ids")
	}
	if req.CalculationIDs != nil {
		c.CalculationIDs = *req.CalculationIDs
		changed = append(changed, "calculation_ids")
	}
	if len(changed) == 0 {
		return 0, nil, errs.Validation(errs.CodeInvalidRequest, "Update carries no fields", nil)
	}

	if err := s.checkClaimRefs(r, tc.TenantID, c); err != nil {
		return 0, nil, err
	}
	if c.RequiresEvidence() && !c.HasSupport() {
		return 0, nil, errs.Validation(errs.CodeValidationFailed,
			"A factual claim needs at least one evidence or calculation reference",
			map[string]any{"claim_id": c.ClaimID})
	}

	c.UpdatedAt = s.clock().UTC()
	if err := s.stores.Claims.Update(r.Context(), c); err != nil {
		return 0, nil, mapRepoErr(err, "Updating claim failed")
	}

	m.Resource = audit.Resource{ResourceType: "CLAIM", ResourceID: c.ClaimID}
	m.Summary = "Claim updated"
	m.Payload = audit.Payload{
		Refs: []string{c.DealID},
		Safe: map[string]any{"updated_fields": changed},
	}
	return http.StatusOK, c, nil
}

// checkClaimRefs verifies every referenced evidence item and calculation
// exists under the tenant. Dangling references would let a claim fake its
// support.
func (s *Server) checkClaimRefs(r *http.Request, tenantID string, c *domain.Claim) error {
	for _, id := range c.EvidenceIDs {
		if _, err := s.stores.Evidence.Get(r.Context(), tenantID, id); err != nil {
			return errs.Validation(errs.CodeValidationFailed, "Referenced evidence does not exist",
				map[string]any{"evidence_id": id})
		}
	}
	for _, id := range c.CalculationIDs {
		if _, err := s.stores.Calcs.Get(r.Context(), tenantID, id); err != nil {
			return errs.Validation(errs.CodeValidationFailed, "Referenced calculation does not exist",
				map[string]any{"calculation_id": id})
		}
	}
	return nil
}
