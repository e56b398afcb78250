package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
)

// MemoryRunRepo stores runs and their step ledgers.
type MemoryRunRepo struct {
	mu    sync.RWMutex
	runs  map[string]map[string]domain.Run
	steps map[string]map[string][]domain.RunStep // tenant -> run_id -> ledger
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{
		runs:  make(map[string]map[string]domain.Run),
		steps: make(map[string]map[string][]domain.RunStep),
	}
}

func (r *MemoryRunRepo) CreateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.runs[run.TenantID]
	if !ok {
		byID = make(map[string]domain.Run)
		r.runs[run.TenantID] = byID
	}
	if _, exists := byID[run.RunID]; exists {
		return ErrConflict
	}
	byID[run.RunID] = *run
	return nil
}

func (r *MemoryRunRepo) GetRun(_ context.Context, tenantID, runID string) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[tenantID][domain.NormalizeID(runID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := run
	return &copied, nil
}

func (r *MemoryRunRepo) UpdateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.TenantID][run.RunID]; !ok {
		return ErrNotFound
	}
	r.runs[run.TenantID][run.RunID] = *run
	return nil
}

func (r *MemoryRunRepo) ListRuns(_ context.Context, tenantID, dealID string, page Page) ([]*domain.Run, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.Run
	for _, run := range r.runs[tenantID] {
		if run.DealID == dealID {
			all = append(all, run)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RunID < all[j].RunID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.Run, 0, end-start)
	for i := start; i < end; i++ {
		copied := all[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRunRepo) UpsertStep(_ context.Context, s *domain.RunStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byRun, ok := r.steps[s.TenantID]
	if !ok {
		byRun = make(map[string][]domain.RunStep)
		r.steps[s.TenantID] = byRun
	}
	ledger := byRun[s.RunID]
	for i := range ledger {
		if ledger[i].StepOrder == s.StepOrder {
			if ledger[i].StepName != s.StepName {
				return ErrConflict
			}
			ledger[i] = *s
			return nil
		}
	}
	byRun[s.RunID] = append(ledger, *s)
	return nil
}

func (r *MemoryRunRepo) ListSteps(_ context.Context, tenantID, runID string) ([]*domain.RunStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ledger, ok := r.steps[tenantID][domain.NormalizeID(runID)]
	if !ok {
		return nil, nil
	}
	out := make([]*domain.RunStep, 0, len(ledger))
	for i := range ledger {
		copied := ledger[i]
		copied.Result = append([]byte(nil), ledger[i].Result...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// MemoryCalcRepo stores calculations and their sanads.
type MemoryCalcRepo struct {
	mu     sync.RWMutex
	calcs  map[string]map[string]domain.DeterministicCalculation
	sanads map[string]map[string]domain.CalcSanad // keyed by calc_id
}

func NewMemoryCalcRepo() *MemoryCalcRepo {
	return &MemoryCalcRepo{
		calcs:  make(map[string]map[string]domain.DeterministicCalculation),
		sanads: make(map[string]map[string]domain.CalcSanad),
	}
}

func (r *MemoryCalcRepo) Create(_ context.Context, c *domain.DeterministicCalculation, s *domain.CalcSanad) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.calcs[c.TenantID]
	if !ok {
		byID = make(map[string]domain.DeterministicCalculation)
		r.calcs[c.TenantID] = byID
		r.sanads[c.TenantID] = make(map[string]domain.CalcSanad)
	}
	if _, exists := byID[c.CalcID]; exists {
		return ErrConflict
	}
	byID[c.CalcID] = cloneCalc(c)
	if s != nil {
		r.sanads[c.TenantID][c.CalcID] = *s
	}
	return nil
}

func (r *MemoryCalcRepo) Get(_ context.Context, tenantID, calcID string) (*domain.DeterministicCalculation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calcs[tenantID][domain.NormalizeID(calcID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneCalc(&c)
	return &copied, nil
}

func (r *MemoryCalcRepo) GetSanad(_ context.Context, tenantID, calcID string) (*domain.CalcSanad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sanads[tenantID][domain.NormalizeID(calcID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := s
	return &copied, nil
}

func (r *MemoryCalcRepo) ListByDeal(_ context.Context, tenantID, dealID string) ([]*domain.DeterministicCalculation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.DeterministicCalculation
	for _, c := range r.calcs[tenantID] {
		if c.DealID == dealID {
			copied := cloneCalc(&c)
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalcID < out[j].CalcID })
	return out, nil
}

func cloneCalc(c *domain.DeterministicCalculation) domain.DeterministicCalculation {
	copied := *c
	copied.InputClaimIDs = append([]string(nil), c.InputClaimIDs...)
	copied.Inputs = make(map[string]decimal.Decimal, len(c.Inputs))
	for k, v := range c.Inputs {
		copied.Inputs[k] = v
	}
	return copied
}

// MemoryHumanGateRepo stores human review decisions.
type MemoryHumanGateRepo struct {
	mu    sync.RWMutex
	gates map[string][]domain.HumanGate
}

func NewMemoryHumanGateRepo() *MemoryHumanGateRepo {
	return &MemoryHumanGateRepo{gates: make(map[string][]domain.HumanGate)}
}

func (r *MemoryHumanGateRepo) Create(_ context.Context, g *domain.HumanGate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[g.TenantID] = append(r.gates[g.TenantID], *g)
	return nil
}

func (r *MemoryHumanGateRepo) ListByDeal(_ context.Context, tenantID, dealID string, page Page) ([]*domain.HumanGate, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.HumanGate
	for _, g := range r.gates[tenantID] {
		if g.DealID == dealID {
			all = append(all, g)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].GateID < all[j].GateID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.HumanGate, 0, end-start)
	for i := start; i < end; i++ {
		copied := all[i]
		out = append(out, &copied)
	}
	return out, nil
}

// MemoryAuditEventRepo archives events in memory and implements audit.Sink.
type MemoryAuditEventRepo struct {
	mu     sync.RWMutex
	events map[string][]*audit.Event
}

func NewMemoryAuditEventRepo() *MemoryAuditEventRepo {
	return &MemoryAuditEventRepo{events: make(map[string][]*audit.Event)}
}

func (r *MemoryAuditEventRepo) Emit(_ context.Context, e *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *e
	r.events[e.TenantID] = append(r.events[e.TenantID], &copied)
	return nil
}

func (r *MemoryAuditEventRepo) List(_ context.Context, tenantID string, page Page) ([]*audit.Event, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*audit.Event, len(r.events[tenantID]))
	copy(all, r.events[tenantID])
	sort.Slice(all, func(i, j int) bool {
		if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].OccurredAt.After(all[j].OccurredAt)
		}
		return all[i].EventID < all[j].EventID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].OccurredAt }, len(all), page)
	out := make([]*audit.Event, 0, end-start)
	for i := start; i < end; i++ {
		copied := *all[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryAuditEventRepo) Query(_ context.Context, tenantID string, from, to time.Time) ([]*audit.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*audit.Event
	for _, e := range r.events[tenantID] {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
