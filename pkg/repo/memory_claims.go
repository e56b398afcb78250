package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mizan-labs/idis/pkg/domain"
)

// MemoryClaimRepo stores claims and serves claim-to-deal resolution.
type MemoryClaimRepo struct {
	mu     sync.RWMutex
	claims map[string]map[string]domain.Claim
}

func NewMemoryClaimRepo() *MemoryClaimRepo {
	return &MemoryClaimRepo{claims: make(map[string]map[string]domain.Claim)}
}

func (r *MemoryClaimRepo) Create(_ context.Context, c *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.claims[c.TenantID]
	if !ok {
		byID = make(map[string]domain.Claim)
		r.claims[c.TenantID] = byID
	}
	if _, exists := byID[c.ClaimID]; exists {
		return ErrConflict
	}
	byID[c.ClaimID] = cloneClaim(c)
	return nil
}

func (r *MemoryClaimRepo) Get(_ context.Context, tenantID, claimID string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[tenantID][domain.NormalizeID(claimID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneClaim(&c)
	return &copied, nil
}

func (r *MemoryClaimRepo) Update(_ context.Context, c *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claims[c.TenantID][c.ClaimID]; !ok {
		return ErrNotFound
	}
	r.claims[c.TenantID][c.ClaimID] = cloneClaim(c)
	return nil
}

func (r *MemoryClaimRepo) ListByDeal(_ context.Context, tenantID, dealID string, page Page) ([]*domain.Claim, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.Claim
	for _, c := range r.claims[tenantID] {
		if c.DealID == dealID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ClaimID < all[j].ClaimID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.Claim, 0, end-start)
	for i := start; i < end; i++ {
		copied := cloneClaim(&all[i])
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryClaimRepo) ResolveDealID(_ context.Context, tenantID, claimID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[tenantID][domain.NormalizeID(claimID)]
	if !ok {
		return "", ErrNotFound
	}
	return c.DealID, nil
}

func cloneClaim(c *domain.Claim) domain.Claim {
	copied := *c
	copied.EvidenceIDs = append([]string(nil), c.EvidenceIDs...)
	copied.CalculationIDs = append([]string(nil), c.CalculationIDs...)
	if c.Value != nil {
		v := *c.Value
		copied.Value = &v
	}
	return copied
}

// MemoryEvidenceRepo stores evidence items.
type MemoryEvidenceRepo struct {
	mu    sync.RWMutex
	items map[string]map[string]domain.Evidence
}

func NewMemoryEvidenceRepo() *MemoryEvidenceRepo {
	return &MemoryEvidenceRepo{items: make(map[string]map[string]domain.Evidence)}
}

func (r *MemoryEvidenceRepo) Create(_ context.Context, e *domain.Evidence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.items[e.TenantID]
	if !ok {
		byID = make(map[string]domain.Evidence)
		r.items[e.TenantID] = byID
	}
	if _, exists := byID[e.EvidenceID]; exists {
		return ErrConflict
	}
	byID[e.EvidenceID] = *e
	return nil
}

func (r *MemoryEvidenceRepo) Get(_ context.Context, tenantID, evidenceID string) (*domain.Evidence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[tenantID][domain.NormalizeID(evidenceID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := e
	return &copied, nil
}

func (r *MemoryEvidenceRepo) ListByClaim(_ context.Context, tenantID, claimID string) ([]*domain.Evidence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Evidence
	for _, e := range r.items[tenantID] {
		if e.ClaimID == claimID {
			copied := e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvidenceID < out[j].EvidenceID })
	return out, nil
}

// MemorySanadRepo stores evidence chains.
type MemorySanadRepo struct {
	mu     sync.RWMutex
	sanads map[string]map[string]domain.Sanad
}

func NewMemorySanadRepo() *MemorySanadRepo {
	return &MemorySanadRepo{sanads: make(map[string]map[string]domain.Sanad)}
}

func (r *MemorySanadRepo) Create(_ context.Context, s *domain.Sanad) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.sanads[s.TenantID]
	if !ok {
		byID = make(map[string]domain.Sanad)
		r.sanads[s.TenantID] = byID
	}
	if _, exists := byID[s.SanadID]; exists {
		return ErrConflict
	}
	byID[s.SanadID] = cloneSanad(s)
	return nil
}

func (r *MemorySanadRepo) Get(_ context.Context, tenantID, sanadID string) (*domain.Sanad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sanads[tenantID][domain.NormalizeID(sanadID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneSanad(&s)
	return &copied, nil
}

func (r *MemorySanadRepo) Update(_ context.Context, s *domain.Sanad) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sanads[s.TenantID][s.SanadID]; !ok {
		return ErrNotFound
	}
	r.sanads[s.TenantID][s.SanadID] = cloneSanad(s)
	return nil
}

func (r *MemorySanadRepo) ListByDeal(_ context.Context, tenantID, dealID string, page Page) ([]*domain.Sanad, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.Sanad
	for _, s := range r.sanads[tenantID] {
		if s.DealID == dealID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].SanadID < all[j].SanadID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.Sanad, 0, end-start)
	for i := start; i < end; i++ {
		copied := cloneSanad(&all[i])
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemorySanadRepo) GetByClaim(_ context.Context, tenantID, claimID string) (*domain.Sanad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sanads[tenantID] {
		if s.ClaimID == claimID {
			copied := cloneSanad(&s)
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func cloneSanad(s *domain.Sanad) domain.Sanad {
	copied := *s
	copied.Nodes = make([]domain.TransmissionNode, len(s.Nodes))
	for i, n := range s.Nodes {
		cn := n
		cn.ParentIDs = append([]string(nil), n.ParentIDs...)
		cn.InputRefs = append([]string(nil), n.InputRefs...)
		cn.OutputRefs = append([]string(nil), n.OutputRefs...)
		copied.Nodes[i] = cn
	}
	return copied
}

// MemoryDefectRepo stores defects.
type MemoryDefectRepo struct {
	mu      sync.RWMutex
	defects map[string]map[string]domain.Defect
}

func NewMemoryDefectRepo() *MemoryDefectRepo {
	return &MemoryDefectRepo{defects: make(map[string]map[string]domain.Defect)}
}

func (r *MemoryDefectRepo) Create(_ context.Context, d *domain.Defect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.defects[d.TenantID]
	if !ok {
		byID = make(map[string]domain.Defect)
		r.defects[d.TenantID] = byID
	}
	if _, exists := byID[d.DefectID]; exists {
		return ErrConflict
	}
	byID[d.DefectID] = *d
	return nil
}

func (r *MemoryDefectRepo) Get(_ context.Context, tenantID, defectID string) (*domain.Defect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defects[tenantID][domain.NormalizeID(defectID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := d
	return &copied, nil
}

func (r *MemoryDefectRepo) Update(_ context.Context, d *domain.Defect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defects[d.TenantID][d.DefectID]; !ok {
		return ErrNotFound
	}
	r.defects[d.TenantID][d.DefectID] = *d
	return nil
}

func (r *MemoryDefectRepo) ListByDeal(_ context.Context, tenantID, dealID string, page Page) ([]*domain.Defect, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []domain.Defect
	for _, d := range r.defects[tenantID] {
		if d.DealID == dealID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].DefectID < all[j].DefectID
	})

	start, end := cutPage(func(i int) time.Time { return all[i].CreatedAt }, len(all), page)
	out := make([]*domain.Defect, 0, end-start)
	for i := start; i < end; i++ {
		copied := all[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryDefectRepo) ListBySanad(_ context.Context, tenantID, sanadID string) ([]*domain.Defect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Defect
	for _, d := range r.defects[tenantID] {
		if d.SanadID == sanadID {
			copied := d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefectID < out[j].DefectID })
	return out, nil
}
