package api

import (
	"net/http"
	"time"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/security"
)

// TruthDashboard is the reviewer's aggregate view of a deal's evidentiary
// state. Count maps are fully keyed so a grade or severity with zero claims
// still appears; consumers chart them without null checks.
type TruthDashboard struct {
	DealID        string         `json:"deal_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Claims        ClaimStats     `json:"claims"`
	Defects       DefectStats    `json:"defects"`
	Calcs         CalcStats      `json:"calcs"`
	Corroboration map[string]int `json:"corroboration"`
	HumanGate     HumanGateState `json:"human_gate"`
}

type ClaimStats struct {
	Total     int            `json:"total"`
	ByGrade   map[string]int `json:"by_grade"`
	ByVerdict map[string]int `json:"by_verdict"`
	Supported int            `json:"supported"`
}

// DefectStats counts defects by lifecycle state. BySeverity covers open
// defects only; waived and cured ones no longer damage the deal.
type DefectStats struct {
	Open       int            `json:"open"`
	BySeverity map[string]int `json:"by_severity"`
	Waived     int            `json:"waived"`
	Cured      int            `json:"cured"`
}

type CalcStats struct {
	Total           int `json:"total"`
	ClaimsWithCalcs int `json:"claims_with_calcs"`
}

// HumanGateState is the deal's latest review decision, or PENDING when no
// reviewer has decided yet.
type HumanGateState struct {
	State     string    `json:"state"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

func (s *Server) getTruthDashboard(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpDealRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	ctx := r.Context()
	dealID = domain.NormalizeID(dealID)

	claims, err := pageAll(func(p repo.Page) ([]*domain.Claim, error) {
		return s.stores.Claims.ListByDeal(ctx, tc.TenantID, dealID, p)
	}, func(c *domain.Claim) time.Time { return c.CreatedAt })
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Aggregating claims failed", err)
	}
	defects, err := pageAll(func(p repo.Page) ([]*domain.Defect, error) {
		return s.stores.Defects.ListByDeal(ctx, tc.TenantID, dealID, p)
	}, func(d *domain.Defect) time.Time { return d.CreatedAt })
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Aggregating defects failed", err)
	}
	sanads, err := pageAll(func(p repo.Page) ([]*domain.Sanad, error) {
		return s.stores.Sanads.ListByDeal(ctx, tc.TenantID, dealID, p)
	}, func(sn *domain.Sanad) time.Time { return sn.CreatedAt })
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Aggregating sanads failed", err)
	}
	calcs, err := s.stores.Calcs.ListByDeal(ctx, tc.TenantID, dealID)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Aggregating calculations failed", err)
	}

	dash := &TruthDashboard{
		DealID:      dealID,
		GeneratedAt: s.clock().UTC(),
		Claims: ClaimStats{
			Total: len(claims),
			ByGrade: map[string]int{
				string(domain.GradeA): 0, string(domain.GradeB): 0,
				string(domain.GradeC): 0, string(domain.GradeD): 0,
			},
			ByVerdict: map[string]int{
				string(domain.VerdictUnverified): 0, string(domain.VerdictVerified): 0,
				string(domain.VerdictInflated): 0, string(domain.VerdictContradicted): 0,
				string(domain.VerdictSubjective): 0,
			},
		},
		Defects: DefectStats{
			BySeverity: map[string]int{
				string(domain.SeverityFatal): 0,
				string(domain.SeverityMajor): 0,
				string(domain.SeverityMinor): 0,
			},
		},
		Calcs: CalcStats{Total: len(calcs)},
		Corroboration: map[string]int{
			string(domain.CorroborationNone): 0, string(domain.CorroborationAhad1): 0,
			string(domain.CorroborationAhad2): 0, string(domain.CorroborationMutawatir): 0,
		},
		HumanGate: HumanGateState{State: "PENDING"},
	}

	for _, c := range claims {
		dash.Claims.ByGrade[string(c.Grade)]++
		dash.Claims.ByVerdict[string(c.Verdict)]++
		if c.HasSupport() {
			dash.Claims.Supported++
		}
		if len(c.CalculationIDs) > 0 {
			dash.Calcs.ClaimsWithCalcs++
		}
	}
	for _, d := range defects {
		switch d.Status {
		case domain.DefectOpen:
			dash.Defects.Open++
			dash.Defects.BySeverity[string(d.Severity)]++
		case domain.DefectWaived:
			dash.Defects.Waived++
		case domain.DefectCured:
			dash.Defects.Cured++
		}
	}
	for _, sn := range sanads {
		dash.Corroboration[string(sn.CorroborationLevel)]++
	}

	// ListByDeal is newest-first, so one row is the latest decision.
	gates, err := s.stores.HumanGates.ListByDeal(ctx, tc.TenantID, dealID, repo.Page{Limit: 1})
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Loading human-gate state failed", err)
	}
	if len(gates) > 0 {
		dash.HumanGate = HumanGateState{
			State:     string(gates[0].Action),
			DecidedBy: gates[0].ActorID,
			DecidedAt: gates[0].CreatedAt,
		}
	}
	return http.StatusOK, dash, nil
}

// pageAll walks a cursor-paged list to exhaustion at the maximum page size.
func pageAll[T any](list func(repo.Page) ([]T, error), createdAt func(T) time.Time) ([]T, error) {
	var out []T
	page := repo.Page{Limit: repo.MaxPageLimit}
	for {
		batch, err := list(page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page.Limit {
			return out, nil
		}
		page.Cursor = createdAt(batch[len(batch)-1])
	}
}
