package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy reports that another holder owns the lock.
var ErrBusy = errors.New("run lock busy")

// Lease is a held advisory lock. Release is idempotent and safe to call
// after the lease expired; a lease that was re-acquired by someone else is
// never released by the old holder.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker serializes run execution per run_id. Acquire returns ErrBusy while
// another holder owns the key; the TTL bounds how long a crashed holder can
// block a resume.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// MemoryLocker is the single-node Locker. The lite deployment and tests use
// it; multi-node deployments need RedisLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	token   string
	expires time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), clock: time.Now}
}

// WithClock overrides the expiry clock for deterministic tests.
func (l *MemoryLocker) WithClock(clock func() time.Time) *MemoryLocker {
	l.clock = clock
	return l
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[key]; ok && h.expires.After(now) {
		return nil, ErrBusy
	}
	token := uuid.New().String()
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (ml *memoryLease) Release(context.Context) error {
	ml.locker.mu.Lock()
	defer ml.locker.mu.Unlock()
	if h, ok := ml.locker.held[ml.key]; ok && h.token == ml.token {
		delete(ml.locker.held, ml.key)
	}
	return nil
}
