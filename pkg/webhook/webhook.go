// Package webhook delivers signed run lifecycle notifications to
// tenant-registered endpoints.
//
// Delivery is strictly best-effort: a dead endpoint, a slow endpoint, or a
// failed delivery audit never blocks or fails the run that triggered the
// notification. The failure trail lives in webhook.delivery.failed audit
// events and in per-endpoint failure counters that deactivate an endpoint
// after repeated misses. Payloads are canonical JSON and carry an
// HMAC-SHA256 signature derived from the tenant's webhook secret, so
// receivers can authenticate the sender offline.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mizan-labs/idis/pkg/keyring"
)

// Event types endpoints can subscribe to.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// KnownEvent reports whether t is a subscribable event type.
func KnownEvent(t string) bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Delivery headers. The signature header carries "sha256=<hex hmac>" over
// the exact request body.
const (
	HeaderEvent     = "X-IDIS-Event"
	HeaderDelivery  = "X-IDIS-Delivery"
	HeaderSignature = "X-IDIS-Signature"
)

// Endpoint is one tenant-registered webhook subscription.
type Endpoint struct {
	WebhookID string    `json:"webhook_id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

// RunEvent is the notification body sent to subscribers. It is encoded as
// canonical JSON so the signed bytes are reproducible.
type RunEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	TenantID   string    `json:"tenant_id"`
	DealID     string    `json:"deal_id"`
	RunID      string    `json:"run_id"`
	RunStatus  string    `json:"run_status"`
	Mode       string    `json:"mode"`
	OccurredAt time.Time `json:"occurred_at"`
}

// secretPurpose scopes the webhook HMAC key per tenant so one tenant's
// secret never validates another tenant's deliveries.
func secretPurpose(tenantID string) string {
	return keyring.PurposeWebhook + ":" + tenantID
}

// SigningSecret returns the tenant's webhook shared secret. It is handed
// to the receiving endpoint out of band at registration time.
func SigningSecret(keys *keyring.Keyring, tenantID string) ([]byte, error) {
	if keys == nil {
		return nil, fmt.Errorf("webhook: signing requires a keyring")
	}
	return keys.HMACKey(secretPurpose(tenantID))
}

func signBody(keys *keyring.Keyring, tenantID string, body []byte) (string, error) {
	if keys == nil {
		return "", fmt.Errorf("webhook: signing requires a keyring")
	}
	mac, err := keys.MAC(secretPurpose(tenantID), body)
	if err != nil {
		return "", fmt.Errorf("webhook: sign body: %w", err)
	}
	return "sha256=" + hex.EncodeToString(mac), nil
}

// VerifySignature checks a delivery signature header against the request
// body and the tenant secret the receiver holds. Verification is constant
// time and fails closed on any malformed header.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return hmac.Equal(m.Sum(nil), sig)
}
