package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mizan-labs/idis/pkg/domain"
)

// NewMemoryStores returns a full in-memory repository set. Tests and the
// lite mode run on it; semantics match the Postgres implementations.
func NewMemoryStores() *Stores {
	return &Stores{
		Deals:      NewMemoryDealRepo(),
		Documents:  NewMemoryDocumentRepo(),
		Claims:     NewMemoryClaimRepo(),
		Evidence:   NewMemoryEvidenceRepo(),
		Sanads:     NewMemorySanadRepo(),
		Defects:    NewMemoryDefectRepo(),
		Calcs:      NewMemoryCalcRepo(),
		Runs:       NewMemoryRunRepo(),
		HumanGates: NewMemoryHumanGateRepo(),
		AuditLog:   NewMemoryAuditEventRepo(),
	}
}

// cutPage applies cursor pagination over items already sorted newest-first.
func cutPage(createdAt func(i int) time.Time, n int, page Page) (start, end int) {
	start = 0
	if !page.Cursor.IsZero() {
		for start < n && !createdAt(start).Before(page.Cursor) {
			start++
		}
	}
	end = start + page.Limit
	if end > n {
		end = n
	}
	return start, end
}

// MemoryDealRepo is the mutex-guarded reference implementation of DealRepo.
type MemoryDealRepo struct {
	mu    sync.RWMutex
	deals map[string]map[string]domain.Deal // tenant -> deal_id -> deal
}

func NewMemoryDealRepo() *MemoryDealRepo {
	return &MemoryDealRepo{deals: make(map[string]map[string]domain.Deal)}
}

func (r *MemoryDealRepo) Create(_ context.Context, d *domain.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.deals[d.TenantID]
	if !ok {
		byID = make(map[string]domain.Deal)
		r.deals[d.TenantID] = byID
	}
	if _, exists := byID[d.DealID]; exists {
		return ErrConflict
	}
	byID[d.DealID] = *d
	return nil
}

func (r *MemoryDealRepo) Get(_ context.Context, tenantID, dealID string) (*domain.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deals[tenantID][domain.NormalizeID(dealID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (r *MemoryDealRepo) Update(_ context.Context, d *domain.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deals[d.TenantID][d.DealID]; !ok {
		return ErrNotFound
	}
	r.deals[d.TenantID][d.DealID] = *d
	return nil
}

func (r *MemoryDealRepo) List(_ context.Context, tenantID string, page Page) ([]*domain.Deal, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]domain.Deal, 0, len(r.deals[tenantID]))
	for _, d := range r.deals[tenantID] {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].DealID < all[j].DealID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.Deal, 0, end-start)
	for i := start; i < end; i++ {
		copied := all[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryDealRepo) Delete(_ context.Context, tenantID, dealID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deals[tenantID][dealID]; !ok {
		return ErrNotFound
	}
	delete(r.deals[tenantID], dealID)
	return nil
}

// MemoryDocumentRepo stores documents and spans.
type MemoryDocumentRepo struct {
	mu    sync.RWMutex
	docs  map[string]map[string]domain.Document
	spans map[string]map[string]domain.Span
}

func NewMemoryDocumentRepo() *MemoryDocumentRepo {
	return &MemoryDocumentRepo{
		docs:  make(map[string]map[string]domain.Document),
		spans: make(map[string]map[string]domain.Span),
	}
}

func (r *MemoryDocumentRepo) Create(_ context.Context, d *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.docs[d.TenantID]
	if !ok {
		byID = make(map[string]domain.Document)
		r.docs[d.TenantID] = byID
	}
	if _, exists := byID[d.DocumentID]; exists {
		return ErrConflict
	}
	byID[d.DocumentID] = *d
	return nil
}

func (r *MemoryDocumentRepo) Get(_ context.Context, tenantID, documentID string) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[tenantID][domain.NormalizeID(documentID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (r *MemoryDocumentRepo) ListByDeal(_ context.Context, tenantID, dealID string) ([]*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Document
	for _, d := range r.docs[tenantID] {
		if d.DealID == dealID {
			copied := d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (r *MemoryDocumentRepo) CreateSpan(_ context.Context, s *domain.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.spans[s.TenantID]
	if !ok {
		byID = make(map[string]domain.Span)
		r.spans[s.TenantID] = byID
	}
	if _, exists := byID[s.SpanID]; exists {
		return ErrConflict
	}
	byID[s.SpanID] = *s
	return nil
}

func (r *MemoryDocumentRepo) GetSpan(_ context.Context, tenantID, spanID string) (*domain.Span, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.spans[tenantID][domain.NormalizeID(spanID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := s
	return &copied, nil
}

func (r *MemoryDocumentRepo) ListSpans(_ context.Context, tenantID, documentID string) ([]*domain.Span, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Span
	for _, s := range r.spans[tenantID] {
		if s.DocumentID == documentID {
			copied := s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpanID < out[j].SpanID })
	return out, nil
}
