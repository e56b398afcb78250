// Package repo defines tenant-scoped persistence interfaces and their
// in-memory implementations.
//
// Every read is keyed by tenant first. A cross-tenant or unknown ID returns
// ErrNotFound; nothing in this package ever distinguishes "exists in another
// tenant" from "does not exist". Persistent implementations live in
// repo/postgres behind the same interfaces.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
)

// ErrNotFound is the uniform miss for unknown and cross-tenant reads.
var ErrNotFound = errors.New("repo: not found")

// ErrConflict reports an uniqueness or state-transition violation.
var ErrConflict = errors.New("repo: conflict")

// Page is cursor pagination. Cursor is the created_at of the last item the
// caller saw; zero means start from the newest. Limit must be in [1,200].
type Page struct {
	Limit  int
	Cursor time.Time
}

// MaxPageLimit bounds list sizes on every surface.
const MaxPageLimit = 200

// Validate enforces the limit bounds. The API layer converts the error to
// the INVALID_LIMIT envelope.
func (p Page) Validate() error {
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return errors.New("repo: limit out of range [1,200]")
	}
	return nil
}

// DealRepo stores deals.
type DealRepo interface {
	Create(ctx context.Context, d *domain.Deal) error
	Get(ctx context.Context, tenantID, dealID string) (*domain.Deal, error)
	Update(ctx context.Context, d *domain.Deal) error
	List(ctx context.Context, tenantID string, page Page) ([]*domain.Deal, error)
	Delete(ctx context.Context, tenantID, dealID string) error
}

// DocumentRepo stores ingested documents and their spans.
type DocumentRepo interface {
	Create(ctx context.Context, d *domain.Document) error
	Get(ctx context.Context, tenantID, documentID string) (*domain.Document, error)
	ListByDeal(ctx context.Context, tenantID, dealID string) ([]*domain.Document, error)
	CreateSpan(ctx context.Context, s *domain.Span) error
	GetSpan(ctx context.Context, tenantID, spanID string) (*domain.Span, error)
	ListSpans(ctx context.Context, tenantID, documentID string) ([]*domain.Span, error)
}

// ClaimRepo stores claims and resolves claim-to-deal scope for ABAC.
type ClaimRepo interface {
	Create(ctx context.Context, c *domain.Claim) error
	Get(ctx context.Context, tenantID, claimID string) (*domain.Claim, error)
	Update(ctx context.Context, c *domain.Claim) error
	ListByDeal(ctx context.Context, tenantID, dealID string, page Page) ([]*domain.Claim, error)
	// ResolveDealID maps a claim to its deal under tenant scope. Unknown or
	// cross-tenant claims return ErrNotFound.
	ResolveDealID(ctx context.Context, tenantID, claimID string) (string, error)
}

// EvidenceRepo stores evidence items.
type EvidenceRepo interface {
	Create(ctx context.Context, e *domain.Evidence) error
	Get(ctx context.Context, tenantID, evidenceID string) (*domain.Evidence, error)
	ListByClaim(ctx context.Context, tenantID, claimID string) ([]*domain.Evidence, error)
}

// SanadRepo stores evidence chains.
type SanadRepo interface {
	Create(ctx context.Context, s *domain.Sanad) error
	Get(ctx context.Context, tenantID, sanadID string) (*domain.Sanad, error)
	Update(ctx context.Context, s *domain.Sanad) error
	ListByDeal(ctx context.Context, tenantID, dealID string, page Page) ([]*domain.Sanad, error)
	GetByClaim(ctx context.Context, tenantID, claimID string) (*domain.Sanad, error)
}

// DefectRepo stores sanad defects.
type DefectRepo interface {
	Create(ctx context.Context, d *domain.Defect) error
	Get(ctx context.Context, tenantID, defectID string) (*domain.Defect, error)
	Update(ctx context.Context, d *domain.Defect) error
	ListByDeal(ctx context.Context, tenantID, dealID string, page Page) ([]*domain.Defect, error)
	ListBySanad(ctx context.Context, tenantID, sanadID string) ([]*domain.Defect, error)
}

// CalcRepo stores deterministic calculations and their sanads.
type CalcRepo interface {
	Create(ctx context.Context, c *domain.DeterministicCalculation, s *domain.CalcSanad) error
	Get(ctx context.Context, tenantID, calcID string) (*domain.DeterministicCalculation, error)
	GetSanad(ctx context.Context, tenantID, calcID string) (*domain.CalcSanad, error)
	ListByDeal(ctx context.Context, tenantID, dealID string) ([]*domain.DeterministicCalculation, error)
}

// RunRepo stores runs and their step ledgers.
type RunRepo interface {
	CreateRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error)
	UpdateRun(ctx context.Context, r *domain.Run) error
	ListRuns(ctx context.Context, tenantID, dealID string, page Page) ([]*domain.Run, error)

	// UpsertStep creates or replaces the ledger entry for (run, step_order).
	// Creating a second step with the same order but a different name is a
	// conflict: the ledger shape is fixed at run creation.
	UpsertStep(ctx context.Context, s *domain.RunStep) error
	// ListSteps returns the ledger sorted ascending by step_order.
	ListSteps(ctx context.Context, tenantID, runID string) ([]*domain.RunStep, error)
}

// HumanGateRepo stores human review decisions.
type HumanGateRepo interface {
	Create(ctx context.Context, g *domain.HumanGate) error
	ListByDeal(ctx context.Context, tenantID, dealID string, page Page) ([]*domain.HumanGate, error)
}

// AuditEventRepo archives audit events queryably. It backs listAuditEvents
// and the evidence-pack exporter; the write path doubles as a Sink.
type AuditEventRepo interface {
	audit.Sink
	List(ctx context.Context, tenantID string, page Page) ([]*audit.Event, error)
	Query(ctx context.Context, tenantID string, from, to time.Time) ([]*audit.Event, error)
}

// Stores bundles every repository behind one injection point.
type Stores struct {
	Deals      DealRepo
	Documents  DocumentRepo
	Claims     ClaimRepo
	Evidence   EvidenceRepo
	Sanads     SanadRepo
	Defects    DefectRepo
	Calcs      CalcRepo
	Runs       RunRepo
	HumanGates HumanGateRepo
	AuditLog   AuditEventRepo
}
