package api

import (
	"net/http"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/sanad"
	"github.com/mizan-labs/idis/pkg/security"
)

type createSanadRequest struct {
	ClaimID           string                    `json:"claim_id"`
	PrimaryEvidenceID string                    `json:"primary_evidence_id,omitempty"`
	Nodes             []domain.TransmissionNode `json:"nodes,omitempty"`
}

type regradeSanadRequest struct {
	PrimaryEvidenceID *string                    `json:"primary_evidence_id,omitempty"`
	Nodes             *[]domain.TransmissionNode `json:"nodes,omitempty"`
}

// sanadResponse pairs the persisted chain with what grading discovered.
type sanadResponse struct {
	Sanad     *domain.Sanad   `json:"sanad"`
	Findings  []sanad.Finding `json:"findings,omitempty"`
	DefectIDs []string        `json:"defect_ids,omitempty"`
}

type sanadListResponse struct {
	Sanads     []*domain.Sanad `json:"sanads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *Server) listSanads(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpSanadRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	sanads, err := s.stores.Sanads.ListByDeal(r.Context(), tc.TenantID, domain.NormalizeID(dealID), page)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing sanads failed", err)
	}
	return http.StatusOK, sanadListResponse{
		Sanads:     sanads,
		NextCursor: nextCursor(len(sanads), page, func(i int) time.Time { return sanads[i].CreatedAt }),
	}, nil
}

func (s *Server) createSanad(r *http.Request, m *Mutation) (int, any, error) {
	dealID := domain.NormalizeID(r.PathValue("dealId"))
	tc, err := s.authorize(r, security.OpSanadGrade, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	var req createSanadRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.ClaimID == "" {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim ID is required",
			map[string]any{"missing_fields": []string{"claim_id"}})
	}

	claim, err := s.stores.Claims.Get(r.Context(), tc.TenantID, req.ClaimID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading claim failed")
	}
	if claim.DealID != dealID {
		return 0, nil, errs.Validation(errs.CodeValidationFailed, "Claim does not belong to this deal",
			map[string]any{"claim_id": claim.ClaimID})
	}
	if existing, err := s.stores.Sanads.GetByClaim(r.Context(), tc.TenantID, claim.ClaimID); err == nil {
		return 0, nil, errs.Conflict(errs.CodeConflict, "Claim already has a sanad").
			WithDetail("sanad_id", existing.SanadID)
	}

	now := s.clock().UTC()
	sn := &domain.Sanad{
		SanadID:           domain.NormalizeID(s.newID()),
		TenantID:          tc.TenantID,
		DealID:            dealID,
		ClaimID:           claim.ClaimID,
		PrimaryEvidenceID: domain.NormalizeID(req.PrimaryEvidenceID),
		Nodes:             ownNodes(tc.TenantID, req.Nodes),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	res, defectIDs, err := s.gradeSanad(r, sn, claim, nil)
	if err != nil {
		return 0, nil, err
	}
	if err := s.stores.Sanads.Create(r.Context(), sn); err != nil {
		return 0, nil, mapRepoErr(err, "Creating sanad failed")
	}
	if err := s.applyGradeToClaim(r, claim, res); err != nil {
		return 0, nil, err
	}

	m.Resource = audit.Resource{ResourceType: "SANAD", ResourceID: sn.SanadID}
	m.Summary = "Sanad graded " + string(res.Grade)
	m.Payload = audit.Payload{
		Refs: append([]string{sn.DealID, sn.ClaimID}, defectIDs...),
		Safe: map[string]any{
			"grade":                   string(res.Grade),
			"corroboration_level":     string(res.CorroborationLevel),
			"independent_chain_count": res.IndependentChainCount,
			"findings":                len(res.Findings),
		},
	}
	return http.StatusCreated, sanadResponse{Sanad: sn, Findings: res.Findings, DefectIDs: defectIDs}, nil
}

func (s *Server) getSanad(r *http.Request) (int, any, error) {
	sanadID := r.PathValue("sanadId")
	tc, err := s.tenant(r)
	if err != nil {
		return 0, nil, err
	}
	sn, err := s.stores.Sanads.Get(r.Context(), tc.TenantID, sanadID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading sanad failed")
	}
	if _, err := s.authorizeRead(r, security.OpSanadRead, security.Class2Confidential, sn.DealID, ""); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sn, nil
}

func (s *Server) regradeSanad(r *http.Request, m *Mutation) (int, any, error) {
	sanadID := r.PathValue("sanadId")
	tc, err := s.tenant(r)
	if err != nil {
		return 0, nil, err
	}
	sn, err := s.stores.Sanads.Get(r.Context(), tc.TenantID, sanadID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading sanad failed")
	}
	if _, err := s.authorize(r, security.OpSanadGrade, security.Class2Confidential, sn.DealID, ""); err != nil {
		return 0, nil, err
	}
	var req regradeSanadRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	claim, err := s.stores.Claims.Get(r.Context(), tc.TenantID, sn.ClaimID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading claim failed")
	}
	if req.PrimaryEvidenceID != nil {
		sn.PrimaryEvidenceID = domain.NormalizeID(*req.PrimaryEvidenceID)
	}
	if req.Nodes != nil {
		sn.Nodes = ownNodes(tc.TenantID, *req.Nodes)
	}

	prior, err := s.stores.Defects.ListBySanad(r.Context(), tc.TenantID, sn.SanadID)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing defects failed", err)
	}
	res, defectIDs, err := s.gradeSanad(r, sn, claim, prior)
	if err != nil {
		return 0, nil, err
	}
	sn.UpdatedAt = s.clock().UTC()
	if err := s.stores.Sanads.Update(r.Context(), sn); err != nil {
		return 0, nil, mapRepoErr(err, "Updating sanad failed")
	}
	if err := s.applyGradeToClaim(r, claim, res); err != nil {
		return 0, nil, err
	}

	m.Resource = audit.Resource{ResourceType: "SANAD", ResourceID: sn.SanadID}
	m.Summary = "Sanad regraded " + string(res.Grade)
	m.Payload = audit.Payload{
		Refs: append([]string{sn.DealID, sn.ClaimID}, defectIDs...),
		Safe: map[string]any{
			"grade":                   string(res.Grade),
			"corroboration_level":     string(res.CorroborationLevel),
			"independent_chain_count": res.IndependentChainCount,
			"findings":                len(res.Findings),
			"new_defects":             len(defectIDs),
		},
	}
	return http.StatusOK, sanadResponse{Sanad: sn, Findings: res.Findings, DefectIDs: defectIDs}, nil
}

// gradeSanad runs the grader over the chain, applies the result to the
// sanad, and persists each finding as an open defect. priorDefects, when
// given, suppresses re-creation of faults a human already saw: an OPEN or
// WAIVED defect with the same type and location is not minted again.
func (s *Server) gradeSanad(r *http.Request, sn *domain.Sanad, claim *domain.Claim, priorDefects []*domain.Defect) (*sanad.GradeResult, []string, error) {
	evidence, err := s.stores.Evidence.ListByClaim(r.Context(), sn.TenantID, sn.ClaimID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeInternal, "Listing evidence failed", err)
	}

	var primary *domain.Evidence
	corroborating := make([]*domain.Evidence, 0, len(evidence))
	for _, e := range evidence {
		if e.EvidenceID == sn.PrimaryEvidenceID {
			primary = e
			continue
		}
		corroborating = append(corroborating, e)
	}
	if sn.PrimaryEvidenceID != "" && primary == nil {
		return nil, nil, errs.Validation(errs.CodeValidationFailed,
			"Primary evidence does not support this claim",
			map[string]any{"primary_evidence_id": sn.PrimaryEvidenceID})
	}

	// The closed provenance set: chain refs outside it are chain breaks.
	known := make(map[string]bool, 2*len(evidence)+1)
	for _, e := range evidence {
		known[e.EvidenceID] = true
		if e.SourceSpanID != "" {
			known[e.SourceSpanID] = true
		}
	}
	if claim.PrimarySpanID != "" {
		known[claim.PrimarySpanID] = true
	}

	res := sanad.Grade(sanad.GradeInput{
		Sanad:            sn,
		Primary:          primary,
		Corroborating:    corroborating,
		Claim:            claim,
		KnownEvidenceIDs: known,
	})

	sn.Grade = res.Grade
	sn.CorroborationLevel = res.CorroborationLevel
	sn.IndependentChainCount = res.IndependentChainCount
	sn.GradeRationale = res.Rationale

	// A fault type a human already saw on this chain is not minted again
	// while its defect stands; only a CURED defect reopens the slot.
	seen := make(map[domain.DefectType]bool, len(priorDefects))
	for _, d := range priorDefects {
		if d.Status != domain.DefectCured {
			seen[d.Type] = true
		}
	}

	var defectIDs []string
	now := s.clock().UTC()
	for _, f := range res.Findings {
		if seen[f.Type] {
			continue
		}
		d := domain.NewDefect(s.newID(), sn.TenantID, sn.DealID, sn.SanadID, sn.ClaimID,
			f.Type, f.Description, domain.CureFor(f.Type))
		d.CreatedAt = now
		if err := s.stores.Defects.Create(r.Context(), d); err != nil {
			return nil, nil, mapRepoErr(err, "Persisting defect failed")
		}
		defectIDs = append(defectIDs, d.DefectID)
	}
	return res, defectIDs, nil
}

// applyGradeToClaim propagates the chain grade onto the claim record.
func (s *Server) applyGradeToClaim(r *http.Request, claim *domain.Claim, res *sanad.GradeResult) error {
	claim.Grade = res.Grade
	claim.DhabtScore = res.Explanation.DabtScore
	claim.UpdatedAt = s.clock().UTC()
	if err := s.stores.Claims.Update(r.Context(), claim); err != nil {
		return mapRepoErr(err, "Updating claim grade failed")
	}
	return nil
}

// ownNodes stamps the tenant onto request-supplied chain nodes. Identity
// fields from the wire are never trusted.
func ownNodes(tenantID string, nodes []domain.TransmissionNode) []domain.TransmissionNode {
	owned := make([]domain.TransmissionNode, len(nodes))
	for i, n := range nodes {
		n.TenantID = tenantID
		n.NodeID = domain.NormalizeID(n.NodeID)
		owned[i] = n
	}
	return owned
}

