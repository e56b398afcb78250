package security

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/keyring"
)

// Break-glass limits. Tokens above the TTL ceiling or below the
// justification floor are invalid regardless of signature.
const (
	BreakGlassMaxTTL           = 3600 * time.Second
	BreakGlassMinJustification = 20
)

// BreakGlassToken is the signed override payload. DealID nil means the
// token covers the whole tenant. Sig is the hex HMAC-SHA256 of the
// canonical JSON encoding of the token without the sig field.
type BreakGlassToken struct {
	TokenID       string  `json:"token_id"`
	ActorID       string  `json:"actor_id"`
	TenantID      string  `json:"tenant_id"`
	DealID        *string `json:"deal_id"`
	Justification string  `json:"justification"`
	IssuedAt      int64   `json:"iat"`
	ExpiresAt     int64   `json:"exp"`
	Sig           string  `json:"sig,omitempty"`
}

// BreakGlass issues and verifies override tokens. Every successful use
// must produce a CRITICAL audit event before the override takes effect;
// if that event cannot be made durable, the override is denied.
type BreakGlass struct {
	keys     *keyring.Keyring
	recorder *audit.Recorder
	builder  *audit.Builder
	clock    func() time.Time
}

// NewBreakGlass wires the authority.
func NewBreakGlass(keys *keyring.Keyring, recorder *audit.Recorder, builder *audit.Builder) *BreakGlass {
	return &BreakGlass{keys: keys, recorder: recorder, builder: builder, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (b *BreakGlass) WithClock(clock func() time.Time) *BreakGlass {
	b.clock = clock
	return b
}

// Issue mints a token. dealID empty scopes the token to the whole tenant.
func (b *BreakGlass) Issue(actorID, tenantID, dealID, justification string, ttl time.Duration) (string, error) {
	if len(strings.TrimSpace(justification)) < BreakGlassMinJustification {
		return "", fmt.Errorf("security: justification must be at least %d characters", BreakGlassMinJustification)
	}
	if ttl <= 0 || ttl > BreakGlassMaxTTL {
		return "", fmt.Errorf("security: ttl must be in (0, %s]", BreakGlassMaxTTL)
	}

	now := b.clock().UTC()
	token := BreakGlassToken{
		TokenID:       uuid.New().String(),
		ActorID:       actorID,
		TenantID:      tenantID,
		Justification: justification,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
	}
	if dealID != "" {
		token.DealID = &dealID
	}

	sig, err := b.sign(token)
	if err != nil {
		return "", err
	}
	token.Sig = sig

	encoded, err := canonjson.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("security: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}

func (b *BreakGlass) sign(token BreakGlassToken) (string, error) {
	token.Sig = ""
	preimage, err := canonjson.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("security: encode token preimage: %w", err)
	}
	mac, err := b.keys.MAC(keyring.PurposeBreakGlass, preimage)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// Use validates raw against the requesting identity and target deal, then
// audits the override. Every validation failure maps onto the same denial
// code; the caller learns nothing about which check failed.
func (b *BreakGlass) Use(ctx context.Context, raw string, tc *auth.TenantContext, dealID string, req audit.Request) error {
	invalid := errs.PolicyDenied(errs.CodeBreakGlassInvalid)

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return invalid
	}
	var token BreakGlassToken
	if err := json.Unmarshal(decoded, &token); err != nil {
		return invalid
	}

	// 1. Signature. Recompute over the canonical form without sig.
	sig, err := hex.DecodeString(token.Sig)
	if err != nil || len(sig) == 0 {
		return invalid
	}
	unsigned := token
	unsigned.Sig = ""
	preimage, err := canonjson.Marshal(unsigned)
	if err != nil {
		return invalid
	}
	ok, err := b.keys.VerifyMAC(keyring.PurposeBreakGlass, preimage, sig)
	if err != nil || !ok {
		return invalid
	}

	// 2. Expiry, strictly: a token expiring this second is already dead.
	now := b.clock().UTC().Unix()
	if now >= token.ExpiresAt {
		return invalid
	}

	// 3. Lifetime ceiling. A forged long-lived token must not pass just
	// because its signature checks out.
	if token.ExpiresAt-token.IssuedAt > int64(BreakGlassMaxTTL/time.Second) {
		return invalid
	}

	// 4. Justification floor.
	if len(strings.TrimSpace(token.Justification)) < BreakGlassMinJustification {
		return invalid
	}

	// 5. Tenant and actor binding.
	if token.TenantID != tc.TenantID || token.ActorID != tc.ActorID {
		return invalid
	}

	// 6. Deal binding. A deal-scoped token only opens its own deal.
	if token.DealID != nil && *token.DealID != dealID {
		return invalid
	}

	// 7. Audit before effect. The payload carries hashes only: the raw
	// token and justification never enter the audit stream.
	tokenHash := sha256.Sum256([]byte(raw))
	justHash := sha256.Sum256([]byte(token.Justification))
	event := b.builder.Build(
		tc.TenantID,
		audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()},
		req,
		audit.Resource{ResourceType: "BREAK_GLASS", ResourceID: token.TokenID},
		"break_glass.used",
		audit.SeverityCritical,
		"break-glass override used",
		audit.Payload{
			Hashes: []string{
				hex.EncodeToString(tokenHash[:]),
				hex.EncodeToString(justHash[:]),
			},
			Refs: []string{dealID},
			Safe: map[string]any{"justification_length": len(token.Justification)},
		},
	)
	if err := b.recorder.Record(ctx, event); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}
