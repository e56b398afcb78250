// Package api serves the /v1 HTTP surface.
//
// Every request passes the same chain: correlation ID, authentication, then
// per-actor rate limiting. Route handlers never touch authorization or audit
// plumbing directly; reads go through the read wrapper and mutations through
// the audit-fail-closed mutate wrapper, with the security perimeter deciding
// access on every route. Errors share one envelope
// {code, message, details, request_id}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
	"github.com/mizan-labs/idis/pkg/run"
	"github.com/mizan-labs/idis/pkg/security"
	"github.com/mizan-labs/idis/pkg/webhook"
)

// Server owns the /v1 surface and its collaborators.
type Server struct {
	authn       *auth.Authenticator
	stores      *repo.Stores
	perimeter   *security.Perimeter
	assignments *security.Assignments
	orch        *run.Orchestrator
	recorder    *audit.Recorder
	builder     *audit.Builder
	idem        IdempotencyStore
	limiter     *auth.Limiter
	hooks       *webhook.Service
	logger      *slog.Logger
	clock       func() time.Time
	newID       func() string
}

// NewServer wires the surface. The idempotency store defaults to the
// in-process one; Postgres deployments swap it via WithIdempotencyStore.
func NewServer(authn *auth.Authenticator, stores *repo.Stores, perimeter *security.Perimeter,
	assignments *security.Assignments, orch *run.Orchestrator,
	recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authn:       authn,
		stores:      stores,
		perimeter:   perimeter,
		assignments: assignments,
		orch:        orch,
		recorder:    recorder,
		builder:     builder,
		idem:        NewMemoryIdempotencyStore(DefaultIdempotencyTTL),
		logger:      logger,
		clock:       time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// WithLimiter attaches per-actor rate limiting. Nil stays unlimited.
func (s *Server) WithLimiter(l *auth.Limiter) *Server {
	s.limiter = l
	return s
}

// WithIdempotencyStore overrides the replay-capture store.
func (s *Server) WithIdempotencyStore(store IdempotencyStore) *Server {
	if store != nil {
		s.idem = store
	}
	return s
}

// WithWebhooks enables the subscription management routes. Without it the
// webhook endpoints report the service unconfigured.
func (s *Server) WithWebhooks(hooks *webhook.Service) *Server {
	s.hooks = hooks
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// WithIDSource overrides entity ID generation for deterministic tests.
func (s *Server) WithIDSource(newID func() string) *Server {
	s.newID = newID
	return s
}

// Handler assembles the route table behind the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)

	mux.Handle("GET /v1/deals", s.read(s.listDeals))
	mux.Handle("POST /v1/deals", s.mutate("deal.created", audit.SeverityLow, s.createDeal))
	mux.Handle("GET /v1/deals/{dealId}", s.read(s.getDeal))
	mux.Handle("PATCH /v1/deals/{dealId}", s.mutate("deal.updated", audit.SeverityLow, s.updateDeal))
	mux.Handle("DELETE /v1/deals/{dealId}", s.mutate("deal.deleted", audit.SeverityMedium, s.deleteDeal))

	mux.Handle("GET /v1/deals/{dealId}/claims", s.read(s.listClaims))
	mux.Handle("POST /v1/deals/{dealId}/claims", s.mutate("claim.created", audit.SeverityLow, s.createClaim))
	mux.Handle("GET /v1/claims/{claimId}", s.read(s.getClaim))
	mux.Handle("PATCH /v1/claims/{claimId}", s.mutate("claim.updated", audit.SeverityLow, s.updateClaim))

	mux.Handle("GET /v1/deals/{dealId}/sanads", s.read(s.listSanads))
	mux.Handle("POST /v1/deals/{dealId}/sanads", s.mutate("sanad.graded", audit.SeverityMedium, s.createSanad))
	mux.Handle("GET /v1/sanads/{sanadId}", s.read(s.getSanad))
	mux.Handle("PATCH /v1/sanads/{sanadId}", s.mutate("sanad.regraded", audit.SeverityMedium, s.regradeSanad))

	mux.Handle("GET /v1/deals/{dealId}/defects", s.read(s.listDefects))
	mux.Handle("GET /v1/defects/{defectId}", s.read(s.getDefect))
	mux.Handle("POST /v1/defects/{defectId}/waive", s.mutate("defect.waived", audit.SeverityHigh, s.waiveDefect))
	mux.Handle("POST /v1/defects/{defectId}/cure", s.mutate("defect.cured", audit.SeverityHigh, s.cureDefect))

	mux.Handle("POST /v1/deals/{dealId}/runs", s.mutate("deal.run.started", audit.SeverityLow, s.startRun))
	mux.Handle("GET /v1/deals/{dealId}/runs", s.read(s.listRuns))
	mux.Handle("GET /v1/runs/{runId}", s.read(s.getRun))

	mux.Handle("GET /v1/deals/{dealId}/human-gates", s.read(s.listHumanGates))
	mux.Handle("POST /v1/deals/{dealId}/human-gates", s.mutate("human_gate.decided", audit.SeverityHigh, s.decideHumanGate))

	mux.Handle("GET /v1/audit/events", s.read(s.listAuditEvents))
	mux.Handle("GET /v1/deals/{dealId}/truth-dashboard", s.read(s.getTruthDashboard))

	mux.Handle("GET /v1/webhooks", s.read(s.listWebhooks))
	mux.Handle("POST /v1/webhooks", s.mutate("webhook.registered", audit.SeverityMedium, s.registerWebhook))
	mux.Handle("DELETE /v1/webhooks/{webhookId}", s.mutate("webhook.removed", audit.SeverityMedium, s.removeWebhook))

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.limiter)(h)
	h = auth.Middleware(s.authn)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize runs the perimeter for one route. dealID and claimID scope ABAC;
// empty strings skip deal scoping (tenant-level operations). The break-glass
// token, when present, rides along and is consumed only if ABAC asks for it.
func (s *Server) authorize(r *http.Request, op security.Operation, class security.DataClass, dealID, claimID string) (*auth.TenantContext, error) {
	tc, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, err
	}
	_, err = s.perimeter.Authorize(r.Context(), tc, security.Access{
		Op:              op,
		DealID:          dealID,
		ClaimID:         claimID,
		Class:           class,
		BreakGlassToken: r.Header.Get(HeaderBreakGlass),
		Request:         s.auditRequest(r, 0),
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// authorizeRead runs the perimeter for a read. Scope denials collapse to the
// uniform not-found: a reader outside a deal's assignment sees exactly what
// a reader in another tenant sees, so the response never reveals existence.
// A denial that invites break-glass passes through unchanged; an admin must
// learn the override is available.
func (s *Server) authorizeRead(r *http.Request, op security.Operation, class security.DataClass, dealID, claimID string) (*auth.TenantContext, error) {
	tc, err := s.authorize(r, op, class, dealID, claimID)
	if err != nil {
		if errs.HasCode(err, errs.CodeDeniedUnknownOrOutOfScope) {
			return nil, errs.NotFound()
		}
		return nil, err
	}
	return tc, nil
}

// tenant pulls the authenticated context. Routes whose ABAC scope comes
// from a loaded entity call this first, load, then authorize with the
// entity's deal.
func (s *Server) tenant(r *http.Request) (*auth.TenantContext, error) {
	return auth.FromContext(r.Context())
}

// auditRequest snapshots the HTTP context for audit events.
func (s *Server) auditRequest(r *http.Request, status int) audit.Request {
	return audit.Request{
		RequestID:      auth.RequestID(r.Context()),
		Method:         r.Method,
		Path:           r.URL.Path,
		StatusCode:     status,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	}
}

func actorOf(tc *auth.TenantContext) audit.Actor {
	t := audit.ActorHuman
	if tc.IsService() {
		t = audit.ActorService
	}
	return audit.Actor{ActorType: t, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
}

// mapRepoErr converts store errors to wire errors. Unknown and cross-tenant
// IDs are indistinguishable at the repo, so both surface as 404.
func mapRepoErr(err error, msg string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return errs.NotFound()
	}
	if errors.Is(err, repo.ErrConflict) {
		return errs.Conflict(errs.CodeConflict, msg)
	}
	return errs.Wrap(errs.CodeInternal, msg, err)
}

// decodeJSON decodes a request body, rejecting unknown fields and trailing
// content. The closed shape keeps typos from silently dropping fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation(errs.CodeInvalidJSON, "Request body is not valid JSON for this operation", nil)
	}
	if dec.More() {
		return errs.Validation(errs.CodeInvalidJSON, "Request body contains trailing content", nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if len(body) == 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// detach returns a context that survives the request for work the response
// does not wait on.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
