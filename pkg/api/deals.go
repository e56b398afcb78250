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

type createDealRequest struct {
	CompanyName string   `json:"company_name"`
	Stage       string   `json:"stage,omitempty"`
	Status      string   `json:"status,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type updateDealRequest struct {
	CompanyName *string   `json:"company_name,omitempty"`
	Stage       *string   `json:"stage,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

type dealListResponse struct {
	Deals      []*domain.Deal `json:"deals"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (s *Server) listDeals(r *http.Request) (int, any, error) {
	tc, err := s.authorize(r, security.OpDealRead, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	deals, err := s.stores.Deals.List(r.Context(), tc.TenantID, page)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing deals failed", err)
	}
	return http.StatusOK, dealListResponse{
		Deals:      deals,
		NextCursor: nextCursor(len(deals), page, func(i int) time.Time { return deals[i].CreatedAt }),
	}, nil
}

func (s *Server) createDeal(r *http.Request, m *Mutation) (int, any, error) {
	tc, err := s.authorize(r, security.OpDealCreate, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	var req createDealRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	req.CompanyName = strings.TrimSpace(req.CompanyName)
	if req.CompanyName == "" {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Company name is required",
			map[string]any{"missing_fields": []string{"company_name"}})
	}
	stage := domain.StageSourcing
	if req.Stage != "" {
		stage = domain.DealStage(req.Stage)
		if !stage.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown deal stage",
				map[string]any{"stage": req.Stage})
		}
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = "ACTIVE"
	}

	now := s.clock().UTC()
	d := &domain.Deal{
		DealID:      domain.NormalizeID(s.newID()),
		TenantID:    tc.TenantID,
		CompanyName: req.CompanyName,
		Stage:       stage,
		Status:      status,
		Tags:        req.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.stores.Deals.Create(r.Context(), d); err != nil {
		return 0, nil, mapRepoErr(err, "Creating deal failed")
	}
	if s.assignments != nil {
		// The creator works the deal they opened; without a first assignment
		// the new deal would be reachable only by break-glass.
		s.assignments.AssignActor(tc.TenantID, d.DealID, tc.ActorID)
	}

	m.Resource = audit.Resource{ResourceType: "DEAL", ResourceID: d.DealID}
	m.Summary = "Deal created"
	m.Payload = audit.Payload{Safe: map[string]any{
		"company_name": d.CompanyName,
		"stage":        string(d.Stage),
	}}
	return http.StatusCreated, d, nil
}

func (s *Server) getDeal(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpDealRead, security.Class1Internal, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	d, err := s.stores.Deals.Get(r.Context(), tc.TenantID, dealID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading deal failed")
	}
	return http.StatusOK, d, nil
}

func (s *Server) updateDeal(r *http.Request, m *Mutation) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorize(r, security.OpDealUpdate, security.Class1Internal, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	var req updateDealRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	d, err := s.stores.Deals.Get(r.Context(), tc.TenantID, dealID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading deal failed")
	}

	var changed []string
	if req.CompanyName != nil {
		name := strings.TrimSpace(*req.CompanyName)
		if name == "" {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Company name cannot be empty", nil)
		}
		d.CompanyName = name
		changed = append(changed, "company_name")
	}
	if req.Stage != nil {
		stage := domain.DealStage(*req.Stage)
		if !stage.Valid() {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Unknown deal stage",
				map[string]any{"stage": *req.Stage})
		}
		d.Stage = stage
		changed = append(changed, "stage")
	}
	if req.Status != nil {
		status := strings.TrimSpace(*req.Status)
		if status == "" {
			return 0, nil, errs.Validation(errs.CodeValidationFailed, "Status cannot be empty", nil)
		}
		d.Status = status
		changed = append(changed, "status")
	}
	if req.Tags != nil {
		d.Tags = *req.Tags
		changed = append(changed, "tags")
	}
	if len(changed) == 0 {
		return 0, nil, errs.Validation(errs.CodeInvalidRequest, "Update carries no fields", nil)
	}

	d.UpdatedAt = s.clock().UTC()
	if err := s.stores.Deals.Update(r.Context(), d); err != nil {
		return 0, nil, mapRepoErr(err, "Updating deal failed")
	}

	m.Resource = audit.Resource{ResourceType: "DEAL", ResourceID: d.DealID}
	m.Summary = "Deal updated"
	m.Payload = audit.Payload{Safe: map[string]any{"updated_fields": changed}}
	return http.StatusOK, d, nil
}

func (s *Server) deleteDeal(r *http.Request, m *Mutation) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorize(r, security.OpDealDelete, security.Class1Internal, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	if err := s.stores.Deals.Delete(r.Context(), tc.TenantID, dealID); err != nil {
		return 0, nil, mapRepoErr(err, "Deleting deal failed")
	}

	m.Resource = audit.Resource{ResourceType: "DEAL", ResourceID: domain.NormalizeID(dealID)}
	m.Summary = "Deal deleted"
	return http.StatusNoContent, nil, nil
}
