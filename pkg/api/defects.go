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

type resolveDefectRequest struct {
	Reason string `json:"reason"`
}

type defectListResponse struct {
	Defects    []*domain.Defect `json:"defects"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (s *Server) listDefects(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpDefectRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	defects, err := s.stores.Defects.ListByDeal(r.Context(), tc.TenantID, domain.NormalizeID(dealID), page)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	return http.StatusOK, defectListResponse{
		Defects:    defects,
		NextCursor: nextCursor(len(defects), page, func(i int) time.Time { return defects[i].CreatedAt }),
	}, nil
}

func (s *Server) getDefect(r *http.Request) (int, any, error) {
	defectID := r.PathValue("defectId")
	tc, err := s.tenant(r)
	if err != nil {
		return 0, nil, err
	}
	d, err := s.stores.Defects.Get(r.Context(), tc.TenantID, defectID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading defect failed")
	}
	if _, err := s.authorizeRead(r, security.OpDefectRead, security.Class2Confidential, d.DealID, ""); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, d, nil
}

func (s *Server) waiveDefect(r *http.Request, m *Mutation) (int, any, error) {
	return s.resolveDefect(r, m, domain.DefectWaived, "Defect waived")
}

func (s *Server) cureDefect(r *http.Request, m *Mutation) (int, any, error) {
	return s.resolveDefect(r, m, domain.DefectCured, "Defect cured")
}

// resolveDefect closes an open defect as waived or cured. Both transitions
// demand a reason and an open defect; re-resolving is a conflict, never a
// silent overwrite of who decided what.
func (s *Server) resolveDefect(r *http.Request, m *Mutation, to domain.DefectStatus, summary string) (int, any, error) {
	defectID := r.PathValue("defectId")
	tc, err := s.tenant(r)
	if err != nil {
		return 0, nil, err
	}
	d, err := s.stores.Defects.Get(r.Context(), tc.TenantID, defectID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading defect failed")
	}
	if _, err := s.authorize(r, security.OpDefectResolve, security.Class2Confidential, d.DealID, ""); err != nil {
		return 0, nil, err
	}

	var req resolveDefectRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "A resolution reason is required",
			map[string]any{"missing_fields": []string{"reason"}})
	}
	if d.Status != domain.DefectOpen {
		return 0, nil, errs.Conflict(errs.CodeConflict, "Defect is already resolved").
			WithDetail("status", string(d.Status))
	}

	d.Status = to
	d.ResolvedBy = tc.ActorID
	d.ResolvedReason = reason
	d.ResolvedAt = s.clock().UTC()
	if err := s.stores.Defects.Update(r.Context(), d); err != nil {
		return 0, nil, mapRepoErr(err, "Persisting defect resolution failed")
	}

	m.Resource = audit.Resource{ResourceType: "DEFECT", ResourceID: d.DefectID}
	m.Summary = summary
	m.Payload = audit.Payload{
		Refs: []string{d.DealID, d.SanadID, d.ClaimID},
		Safe: map[string]any{
			"defect_type":   string(d.Type),
			"severity":      string(d.Severity),
			"cure_protocol": string(d.CureProtocol),
			"reason_length": len(reason),
		},
	}
	return http.StatusOK, d, nil
}
