package api

import (
	"context"
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a captured response stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// CachedResponse is a captured first response eligible for replay. BodyHash
// is the SHA-256 of the request body that produced it: the same key arriving
// with a different body is a conflict, not a replay.
type CachedResponse struct {
	Status   int
	Body     []byte
	BodyHash string
	StoredAt time.Time
}

// IdempotencyStore captures first responses keyed by (tenant, key). Entries
// are tenant-scoped: one tenant's key can never replay another's response.
// The store is consulted before the handler runs and written only after the
// mutation's audit event is durable.
type IdempotencyStore interface {
	Get(ctx context.Context, tenantID, key string) (*CachedResponse, bool)
	Put(ctx context.Context, tenantID, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore backs lite mode and tests. Expiry is checked on
// read; Put prunes expired entries opportunistically so abandoned keys do
// not pin memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]CachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore builds the in-process store. Non-positive TTLs
// fall back to the default.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryIdempotencyStore) WithClock(clock func() time.Time) *MemoryIdempotencyStore {
	s.clock = clock
	return s
}

func idemKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *MemoryIdempotencyStore) Get(_ context.Context, tenantID, key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[idemKey(tenantID, key)]
	if !ok {
		return nil, false
	}
	if s.clock().Sub(e.StoredAt) > s.ttl {
		delete(s.entries, idemKey(tenantID, key))
		return nil, false
	}
	e.Body = append([]byte(nil), e.Body...)
	return &e, true
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, tenantID, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, e := range s.entries {
		if now.Sub(e.StoredAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	e := *resp
	e.Body = append([]byte(nil), resp.Body...)
	e.StoredAt = now
	s.entries[idemKey(tenantID, key)] = e
}
