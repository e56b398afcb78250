// Package retention applies the data lifecycle: raw documents are kept
// indefinitely, deliverables expire after seven years and may then be
// hard-deleted with recorded admin approval, and audit events are never
// deleted. An active legal hold on the deal or the artifact blocks
// deletion regardless of expiry and approval.
package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
)

// Record registers one stored deliverable artifact with the lifecycle.
// The exporter (or the API layer around it) registers every export it
// stores; the sweeper works off these records, never off the blob store.
type Record struct {
	DeliverableID string    `json:"deliverable_id"`
	TenantID      string    `json:"tenant_id"`
	DealID        string    `json:"deal_id"`
	StorageRef    string    `json:"storage_ref"`
	Kind          string    `json:"kind"`
	CreatedAt     time.Time `json:"created_at"`
}

// Index tracks registered deliverable artifacts per tenant.
type Index interface {
	Register(ctx context.Context, rec *Record) error
	// ListExpired returns records created strictly before cutoff, oldest
	// first.
	ListExpired(ctx context.Context, tenantID string, cutoff time.Time) ([]*Record, error)
	Remove(ctx context.Context, tenantID, deliverableID string) error
	// RefCount reports how many live records in the tenant reference a
	// storage ref. Blobs are deleted only when it reaches zero: exports are
	// content-addressed, so re-exports of an unchanged deliverable share
	// one blob.
	RefCount(ctx context.Context, tenantID, storageRef string) (int, error)
	// Tenants lists every tenant with at least one record, sorted.
	Tenants(ctx context.Context) ([]string, error)
}

// MemoryIndex is the in-memory Index for tests and lite mode.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]map[string]Record)}
}

func (m *MemoryIndex) Register(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[rec.TenantID]
	if !ok {
		byID = make(map[string]Record)
		m.records[rec.TenantID] = byID
	}
	if _, exists := byID[rec.DeliverableID]; exists {
		return repo.ErrConflict
	}
	byID[rec.DeliverableID] = *rec
	return nil
}

func (m *MemoryIndex) ListExpired(_ context.Context, tenantID string, cutoff time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.records[tenantID] {
		if rec.CreatedAt.Before(cutoff) {
			c := rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DeliverableID < out[j].DeliverableID
	})
	return out, nil
}

func (m *MemoryIndex) Remove(_ context.Context, tenantID, deliverableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.records[tenantID]
	id := domain.NormalizeID(deliverableID)
	if _, ok := byID[id]; !ok {
		return repo.ErrNotFound
	}
	delete(byID, id)
	return nil
}

func (m *MemoryIndex) RefCount(_ context.Context, tenantID, storageRef string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records[tenantID] {
		if rec.StorageRef == storageRef {
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Tenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for tenant, byID := range m.records {
		if len(byID) > 0 {
			out = append(out, tenant)
		}
	}
	sort.Strings(out)
	return out, nil
}
