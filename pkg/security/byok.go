package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// DataClass ranks content sensitivity. Class2 and Class3 content is gated
// on the tenant's BYOK key state; Class0 and Class1 are exempt.
type DataClass int

const (
	Class0Public       DataClass = 0
	Class1Internal     DataClass = 1
	Class2Confidential DataClass = 2
	Class3Restricted   DataClass = 3
)

// BYOKGated reports whether content of this class requires an ACTIVE
// tenant key when one has been configured.
func (c DataClass) BYOKGated() bool { return c >= Class2Confidential }

// KeyState is the lifecycle state of a tenant's BYOK key.
type KeyState string

const (
	KeyActive  KeyState = "ACTIVE"
	KeyRevoked KeyState = "REVOKED"
)

// BYOKKey is the stored per-tenant key record. Only the SHA-256 hash of
// the KMS alias is retained; the alias itself never persists anywhere.
type BYOKKey struct {
	TenantID     string
	AliasHash    string
	State        KeyState
	ConfiguredAt time.Time
	RotatedAt    time.Time
	RevokedAt    time.Time
}

// BYOKRegistry tracks tenant key configuration. Lifecycle transitions are
// audited fatally: if the audit event cannot be made durable, the
// transition does not happen.
type BYOKRegistry struct {
	mu       sync.RWMutex
	keys     map[string]*BYOKKey
	recorder *audit.Recorder
	builder  *audit.Builder
	clock    func() time.Time
}

// NewBYOKRegistry wires the registry to the audit pipeline.
func NewBYOKRegistry(recorder *audit.Recorder, builder *audit.Builder) *BYOKRegistry {
	return &BYOKRegistry{
		keys:     make(map[string]*BYOKKey),
		recorder: recorder,
		builder:  builder,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *BYOKRegistry) WithClock(clock func() time.Time) *BYOKRegistry {
	r.clock = clock
	return r
}

// HashAlias derives the stored identifier from a raw KMS alias.
func HashAlias(alias string) string {
	sum := sha256.Sum256([]byte(alias))
	return hex.EncodeToString(sum[:])
}

// Configure registers a tenant key. Reconfiguring an existing key replaces
// it and resets the state to ACTIVE.
func (r *BYOKRegistry) Configure(ctx context.Context, tc *auth.TenantContext, alias string, req audit.Request) (*BYOKKey, error) {
	if strings.TrimSpace(alias) == "" {
		return nil, errs.Validation(errs.CodeInvalidRequest, "key alias must not be empty", nil)
	}
	now := r.clock().UTC()
	key := &BYOKKey{
		TenantID:     tc.TenantID,
		AliasHash:    HashAlias(alias),
		State:        KeyActive,
		ConfiguredAt: now,
	}
	if err := r.auditLifecycle(ctx, tc, req, "byok.key.configured", key); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.keys[tc.TenantID] = key
	r.mu.Unlock()
	return copyKey(key), nil
}

// Rotate replaces the alias of an existing key. Rotation reactivates a
// revoked key: the new alias is a new key.
func (r *BYOKRegistry) Rotate(ctx context.Context, tc *auth.TenantContext, alias string, req audit.Request) (*BYOKKey, error) {
	if strings.TrimSpace(alias) == "" {
		return nil, errs.Validation(errs.CodeInvalidRequest, "key alias must not be empty", nil)
	}
	r.mu.RLock()
	existing, ok := r.keys[tc.TenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound()
	}
	now := r.clock().UTC()
	key := &BYOKKey{
		TenantID:     tc.TenantID,
		AliasHash:    HashAlias(alias),
		State:        KeyActive,
		ConfiguredAt: existing.ConfiguredAt,
		RotatedAt:    now,
	}
	if err := r.auditLifecycle(ctx, tc, req, "byok.key.rotated", key); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.keys[tc.TenantID] = key
	r.mu.Unlock()
	return copyKey(key), nil
}

// Revoke marks the tenant's key REVOKED. Class2/3 access is blocked from
// the moment the audit event is durable.
func (r *BYOKRegistry) Revoke(ctx context.Context, tc *auth.TenantContext, req audit.Request) (*BYOKKey, error) {
	r.mu.RLock()
	existing, ok := r.keys[tc.TenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound()
	}
	now := r.clock().UTC()
	key := copyKey(existing)
	key.State = KeyRevoked
	key.RevokedAt = now
	if err := r.auditLifecycle(ctx, tc, req, "byok.key.revoked", key); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.keys[tc.TenantID] = key
	r.mu.Unlock()
	return copyKey(key), nil
}

// Get returns the tenant's key record, or errs.NotFound.
func (r *BYOKRegistry) Get(tenantID string) (*BYOKKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[tenantID]
	if !ok {
		return nil, errs.NotFound()
	}
	return copyKey(key), nil
}

// CheckAccess gates content access by data class. Tenants without a BYOK
// configuration pass; a revoked key blocks Class2/3 only.
func (r *BYOKRegistry) CheckAccess(tenantID string, class DataClass) error {
	if !class.BYOKGated() {
		return nil
	}
	r.mu.RLock()
	key, ok := r.keys[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if key.State == KeyRevoked {
		return errs.PolicyDenied(errs.CodeBYOKKeyRevoked)
	}
	return nil
}

func (r *BYOKRegistry) auditLifecycle(ctx context.Context, tc *auth.TenantContext, req audit.Request, eventType string, key *BYOKKey) error {
	event := r.builder.Build(
		tc.TenantID,
		audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()},
		req,
		audit.Resource{ResourceType: "BYOK_KEY", ResourceID: key.AliasHash},
		eventType,
		audit.SeverityCritical,
		fmt.Sprintf("BYOK key state %s", key.State),
		audit.Payload{
			Hashes: []string{key.AliasHash},
			Safe:   map[string]any{"state": string(key.State)},
		},
	)
	if err := r.recorder.Record(ctx, event); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func copyKey(k *BYOKKey) *BYOKKey {
	c := *k
	return &c
}
