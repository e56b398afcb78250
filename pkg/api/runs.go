package api

import (
	"net/http"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/security"
)

type startRunRequest struct {
	Mode domain.RunMode `json:"mode"`
}

type runListResponse struct {
	Runs       []*domain.Run `json:"runs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type runDetailResponse struct {
	*domain.Run
	Steps []*domain.RunStep `json:"steps"`
}

// startRun queues a run and executes it off the request. The orchestrator
// emits deal.run.started fatally inside Start, so the 202 already stands for
// an audited mutation and the boundary must not emit a second event.
func (s *Server) startRun(r *http.Request, m *Mutation) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorize(r, security.OpRunStart, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	auditReq := s.auditRequest(r, http.StatusAccepted)
	created, err := s.orch.Start(r.Context(), tc, auditReq, domain.NormalizeID(dealID), req.Mode)
	if err != nil {
		return 0, nil, err
	}
	m.Resource = audit.Resource{ResourceType: "RUN", ResourceID: created.RunID}
	m.Recorded = true

	ctx := detach(r.Context())
	go func() {
		if _, err := s.orch.Execute(ctx, tc, auditReq, created.RunID); err != nil {
			s.logger.ErrorContext(ctx, "run execution failed",
				"run_id", created.RunID, "deal_id", created.DealID, "error", err)
		}
	}()
	return http.StatusAccepted, created, nil
}

func (s *Server) listRuns(r *http.Request) (int, any, error) {
	dealID := r.PathValue("dealId")
	tc, err := s.authorizeRead(r, security.OpRunRead, security.Class2Confidential, dealID, "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}
	runs, err := s.stores.Runs.ListRuns(r.Context(), tc.TenantID, domain.NormalizeID(dealID), page)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Listing runs failed")
	}
	return http.StatusOK, runListResponse{
		Runs:       runs,
		NextCursor: nextCursor(len(runs), page, func(i int) time.Time { return runs[i].CreatedAt }),
	}, nil
}

func (s *Server) getRun(r *http.Request) (int, any, error) {
	runID := r.PathValue("runId")
	tc, err := s.tenant(r)
	if err != nil {
		return 0, nil, err
	}
	run, err := s.stores.Runs.GetRun(r.Context(), tc.TenantID, runID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading run failed")
	}
	if _, err := s.authorizeRead(r, security.OpRunRead, security.Class2Confidential, run.DealID, ""); err != nil {
		return 0, nil, err
	}
	steps, err := s.stores.Runs.ListSteps(r.Context(), tc.TenantID, run.RunID)
	if err != nil {
		return 0, nil, mapRepoErr(err, "Loading run step ledger failed")
	}
	return http.StatusOK, runDetailResponse{Run: run, Steps: steps}, nil
}
