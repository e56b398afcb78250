package enrichment

import (
	"context"
	"sync"
)

// MemoryVault is the in-process Resolver backing lite mode and tests. A
// tenant with no entries resolves to nothing, which the step reports as
// SKIPPED_NO_CREDENTIALS rather than an error.
type MemoryVault struct {
	mu    sync.RWMutex
	creds map[string][]Credential
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{creds: make(map[string][]Credential)}
}

// Put registers credentials for a tenant, replacing any prior entry for
// the same provider.
func (v *MemoryVault) Put(tenantID string, creds ...Credential) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range creds {
		kept := make([]Credential, 0, len(v.creds[tenantID])+1)
		for _, existing := range v.creds[tenantID] {
			if existing.Provider != c.Provider {
				kept = append(kept, existing)
			}
		}
		v.creds[tenantID] = append(kept, c)
	}
}

// Remove drops a tenant's credential for one provider. Removing an absent
// entry is a no-op.
func (v *MemoryVault) Remove(tenantID, provider string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := make([]Credential, 0, len(v.creds[tenantID]))
	for _, existing := range v.creds[tenantID] {
		if existing.Provider != provider {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(v.creds, tenantID)
		return
	}
	v.creds[tenantID] = kept
}

func (v *MemoryVault) Resolve(_ context.Context, tenantID string) ([]Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Credential(nil), v.creds[tenantID]...), nil
}
