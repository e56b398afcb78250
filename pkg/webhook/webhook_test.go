package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/keyring"
)

var webhookTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func webhookTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID: "tenant-1",
		ActorID:  "analyst-1",
		Roles:    []auth.Role{auth.RoleAnalyst},
	}
}

func webhookReq() audit.Request { return audit.Request{RequestID: "req-1"} }

func finishedRun(status domain.RunStatus) *domain.Run {
	return &domain.Run{
		RunID:    "run-1",
		TenantID: "tenant-1",
		DealID:   "deal-1",
		Mode:     domain.ModeSnapshot,
		Status:   status,
	}
}

type webhookHarness struct {
	svc      *Service
	disp     *Dispatcher
	registry *MemoryRegistry
	sink     *audit.MemorySink
	keys     *keyring.Keyring
}

func newWebhookHarness(t *testing.T) *webhookHarness {
	t.Helper()
	sink := audit.NewMemorySink()
	recorder, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	n := 0
	builder := audit.NewBuilder().
		WithClock(func() time.Time { return webhookTestNow }).
		WithIDSource(func() string { n++; return fmt.Sprintf("ev-%d", n) })
	keys, err := keyring.New(bytes.Repeat([]byte{0x07}, keyring.SeedSize))
	require.NoError(t, err)

	registry := NewMemoryRegistry()
	m := 0
	svc := NewService(registry, recorder, builder).
		WithClock(func() time.Time { return webhookTestNow }).
		WithIDSource(func() string { m++; return fmt.Sprintf("wh-%d", m) })
	k := 0
	disp := NewDispatcher(registry, keys, recorder, builder, nil).
		WithClock(func() time.Time { return webhookTestNow }).
		WithIDSource(func() string { k++; return fmt.Sprintf("dlv-%d", k) })
	return &webhookHarness{svc: svc, disp: disp, registry: registry, sink: sink, keys: keys}
}

// webhookTarget is a test receiver recording the most recent delivery.
type webhookTarget struct {
	mu     sync.Mutex
	status int
	hits   int
	body   []byte
	header http.Header
}

func (w *webhookTarget) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.hits++
	w.body = b
	w.header = r.Header.Clone()
	status := w.status
	w.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	rw.WriteHeader(status)
}

func (w *webhookTarget) snapshot() (int, []byte, http.Header) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hits, append([]byte(nil), w.body...), w.header
}

func TestSignatureRoundTrip(t *testing.T) {
	keys, err := keyring.New(bytes.Repeat([]byte{0x07}, keyring.SeedSize))
	require.NoError(t, err)
	body := []byte(`{"run_id":"run-1"}`)

	header, err := signBody(keys, "tenant-1", body)
	require.NoError(t, err)
	assert.True(t, len(header) > len("sha256="))

	secret, err := SigningSecret(keys, "tenant-1")
	require.NoError(t, err)
	assert.True(t, VerifySignature(secret, body, header))

	// Tampered body, truncated header, and another tenant's secret all fail.
	assert.False(t, VerifySignature(secret, []byte(`{"run_id":"run-2"}`), header))
	assert.False(t, VerifySignature(secret, body, "sha256=deadbeef"))
	assert.False(t, VerifySignature(secret, body, header[len("sha256="):]))
	otherSecret, err := SigningSecret(keys, "tenant-2")
	require.NoError(t, err)
	assert.False(t, VerifySignature(otherSecret, body, header))
}

func TestServiceRegisterStoresAndAudits(t *testing.T) {
	h := newWebhookHarness(t)

	ep, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(),
		"https://hooks.example.com/idis?token=s3cret", []string{EventRunFailed, EventRunCompleted})
	require.NoError(t, err)
	assert.Equal(t, "wh-1", ep.WebhookID)
	assert.Equal(t, []string{EventRunCompleted, EventRunFailed}, ep.Events)
	assert.True(t, ep.Active)
	assert.Equal(t, webhookTestNow, ep.CreatedAt)

	listed, err := h.svc.List(context.Background(), webhookTC(), webhookReq())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "wh-1", listed[0].WebhookID)

	events := h.sink.ByType("webhook.registered")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityMedium, events[0].Severity)
	assert.Equal(t, "WEBHOOK", events[0].Resource.ResourceType)
	assert.Equal(t, "hooks.example.com", events[0].Payload.Safe["endpoint_host"])
	require.Len(t, events[0].Payload.Hashes, 1)
	// The URL may embed credentials; the trail carries only its hash.
	assert.NotContains(t, events[0].Summary, "s3cret")
	assert.NotContains(t, fmt.Sprint(events[0].Payload.Safe), "s3cret")
}

func TestServiceRegisterValidation(t *testing.T) {
	h := newWebhookHarness(t)

	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), "ftp://x", []string{EventRunCompleted})
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))

	_, err = h.svc.Register(context.Background(), webhookTC(), webhookReq(), "https://x.example.com", nil)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))

	_, err = h.svc.Register(context.Background(), webhookTC(), webhookReq(), "https://x.example.com", []string{"deal.created"})
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))

	assert.Empty(t, h.sink.Events())
}

func TestServiceRemove(t *testing.T) {
	h := newWebhookHarness(t)
	ep, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(),
		"https://hooks.example.com/idis", []string{EventRunCompleted})
	require.NoError(t, err)

	require.NoError(t, h.svc.Remove(context.Background(), webhookTC(), webhookReq(), ep.WebhookID))
	listed, err := h.svc.List(context.Background(), webhookTC(), webhookReq())
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.Len(t, h.sink.ByType("webhook.removed"), 1)

	err = h.svc.Remove(context.Background(), webhookTC(), webhookReq(), "wh-unknown")
	assert.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), srv.URL, []string{EventRunCompleted})
	require.NoError(t, err)

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))

	hits, body, header := target.snapshot()
	require.Equal(t, 1, hits)

	var got RunEvent
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "dlv-1", got.EventID)
	assert.Equal(t, EventRunCompleted, got.EventType)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "deal-1", got.DealID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "SUCCEEDED", got.RunStatus)
	assert.True(t, got.OccurredAt.Equal(webhookTestNow))

	assert.Equal(t, EventRunCompleted, header.Get(HeaderEvent))
	assert.Equal(t, "dlv-1", header.Get(HeaderDelivery))
	secret, err := SigningSecret(h.keys, "tenant-1")
	require.NoError(t, err)
	assert.True(t, VerifySignature(secret, body, header.Get(HeaderSignature)))

	assert.Empty(t, h.sink.ByType("webhook.delivery.failed"))
}

func TestDispatcherMapsTerminalStatuses(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), srv.URL,
		[]string{EventRunCompleted, EventRunFailed})
	require.NoError(t, err)

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunPartial))
	_, body, header := target.snapshot()
	var got RunEvent
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, EventRunCompleted, got.EventType)
	assert.Equal(t, "PARTIAL", got.RunStatus)

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunFailed))
	_, body, header = target.snapshot()
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, EventRunFailed, got.EventType)
	assert.Equal(t, EventRunFailed, header.Get(HeaderEvent))

	// Non-terminal statuses never leave the process.
	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunRunning))
	hits, _, _ := target.snapshot()
	assert.Equal(t, 2, hits)
}

func TestDispatcherIgnoresOtherTenants(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	otherTC := &auth.TenantContext{TenantID: "tenant-2", ActorID: "analyst-9", Roles: []auth.Role{auth.RoleAnalyst}}
	_, err := h.svc.Register(context.Background(), otherTC, webhookReq(), srv.URL, []string{EventRunCompleted})
	require.NoError(t, err)

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))
	hits, _, _ := target.snapshot()
	assert.Equal(t, 0, hits)
}

func TestDispatcherAuditsDeliveryFailure(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{status: http.StatusInternalServerError}
	srv := httptest.NewServer(target)
	defer srv.Close()

	ep, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), srv.URL, []string{EventRunFailed})
	require.NoError(t, err)

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunFailed))

	failures := h.sink.ByType("webhook.delivery.failed")
	require.Len(t, failures, 1)
	assert.Equal(t, audit.SeverityMedium, failures[0].Severity)
	assert.Equal(t, ep.WebhookID, failures[0].Resource.ResourceID)
	assert.Equal(t, []string{"run-1"}, failures[0].Payload.Refs)
	assert.Equal(t, "status 500", failures[0].Payload.Safe["reason"])
	assert.Equal(t, EventRunFailed, failures[0].Payload.Safe["event_type"])

	listed, err := h.svc.List(context.Background(), webhookTC(), webhookReq())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 1, listed[0].FailCount)
	assert.True(t, listed[0].Active)
}

func TestDispatcherDisablesEndpointAfterRepeatedFailures(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{status: http.StatusBadGateway}
	srv := httptest.NewServer(target)
	defer srv.Close()

	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), srv.URL, []string{EventRunCompleted})
	require.NoError(t, err)

	for i := 0; i < DisableAfterFailures; i++ {
		h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))
	}
	listed, err := h.svc.List(context.Background(), webhookTC(), webhookReq())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.False(t, listed[0].Active)
	assert.Equal(t, DisableAfterFailures, listed[0].FailCount)

	// A deactivated endpoint receives nothing further.
	before, _, _ := target.snapshot()
	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))
	after, _, _ := target.snapshot()
	assert.Equal(t, before, after)
}

func TestDispatcherNeverBlocksOnAuditFailure(t *testing.T) {
	h := newWebhookHarness(t)
	target := &webhookTarget{status: http.StatusInternalServerError}
	srv := httptest.NewServer(target)
	defer srv.Close()

	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(), srv.URL, []string{EventRunCompleted})
	require.NoError(t, err)
	h.sink.FailWith = fmt.Errorf("audit archive unavailable")

	// Both the delivery and its failure audit fail; RunFinished still returns.
	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))

	listed, err := h.svc.List(context.Background(), webhookTC(), webhookReq())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 1, listed[0].FailCount)
}

func TestDispatcherUnreachableEndpoint(t *testing.T) {
	h := newWebhookHarness(t)
	// Port 1 on loopback has no listener, so the dial fails immediately.
	_, err := h.svc.Register(context.Background(), webhookTC(), webhookReq(),
		"http://127.0.0.1:1", []string{EventRunCompleted})
	require.NoError(t, err)
	h.disp.WithClient(&http.Client{Timeout: 500 * time.Millisecond})

	h.disp.RunFinished(context.Background(), webhookTC(), webhookReq(), finishedRun(domain.RunSucceeded))

	failures := h.sink.ByType("webhook.delivery.failed")
	require.Len(t, failures, 1)
	assert.Equal(t, "connection failed", failures[0].Payload.Safe["reason"])
}
