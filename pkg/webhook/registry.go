package webhook

import (
	"context"
	"sort"
	"sync"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
)

// DisableAfterFailures is the consecutive-failure count at which an
// endpoint is deactivated. A successful delivery resets the counter.
const DisableAfterFailures = 10

// Registry stores webhook subscriptions. Implementations are tenant-scoped
// storage only; validation and audit live in Service.
type Registry interface {
	Register(ctx context.Context, ep *Endpoint) error
	Remove(ctx context.Context, tenantID, webhookID string) error
	List(ctx context.Context, tenantID string) ([]*Endpoint, error)
	Subscribers(ctx context.Context, tenantID, eventType string) ([]*Endpoint, error)
	MarkResult(ctx context.Context, tenantID, webhookID string, delivered bool) error
}

// MemoryRegistry is the in-process Registry for lite mode and tests.
type MemoryRegistry struct {
	mu    sync.RWMutex
	hooks map[string]map[string]Endpoint // tenant -> webhook_id -> endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{hooks: make(map[string]map[string]Endpoint)}
}

func (r *MemoryRegistry) Register(_ context.Context, ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.hooks[ep.TenantID]
	if !ok {
		byID = make(map[string]Endpoint)
		r.hooks[ep.TenantID] = byID
	}
	if _, exists := byID[ep.WebhookID]; exists {
		return repo.ErrConflict
	}
	byID[ep.WebhookID] = cloneEndpoint(ep)
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, tenantID, webhookID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.hooks[tenantID]
	if _, ok := byID[domain.NormalizeID(webhookID)]; !ok {
		return repo.ErrNotFound
	}
	delete(byID, domain.NormalizeID(webhookID))
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, tenantID string) ([]*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.hooks[tenantID]))
	for _, ep := range r.hooks[tenantID] {
		copied := cloneEndpoint(&ep)
		out = append(out, &copied)
	}
	sortEndpoints(out)
	return out, nil
}

func (r *MemoryRegistry) Subscribers(_ context.Context, tenantID, eventType string) ([]*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range r.hooks[tenantID] {
		if !ep.Active || !subscribed(&ep, eventType) {
			continue
		}
		copied := cloneEndpoint(&ep)
		out = append(out, &copied)
	}
	sortEndpoints(out)
	return out, nil
}

func (r *MemoryRegistry) MarkResult(_ context.Context, tenantID, webhookID string, delivered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.hooks[tenantID]
	ep, ok := byID[webhookID]
	if !ok {
		return repo.ErrNotFound
	}
	if delivered {
		ep.FailCount = 0
	} else {
		ep.FailCount++
		if ep.FailCount >= DisableAfterFailures {
			ep.Active = false
		}
	}
	byID[webhookID] = ep
	return nil
}

func subscribed(ep *Endpoint, eventType string) bool {
	for _, e := range ep.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

func cloneEndpoint(ep *Endpoint) Endpoint {
	copied := *ep
	copied.Events = append([]string(nil), ep.Events...)
	return copied
}

// sortEndpoints orders by creation time then ID so delivery order and
// listings are deterministic.
func sortEndpoints(eps []*Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if !eps[i].CreatedAt.Equal(eps[j].CreatedAt) {
			return eps[i].CreatedAt.Before(eps[j].CreatedAt)
		}
		return eps[i].WebhookID < eps[j].WebhookID
	})
}
