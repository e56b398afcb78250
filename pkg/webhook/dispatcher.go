package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/keyring"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Dispatcher sends run lifecycle notifications to a tenant's subscribed
// endpoints. Every failure path is absorbed: logged, counted against the
// endpoint, and audited best-effort. Nothing here returns an error to the
// run that triggered it.
type Dispatcher struct {
	registry Registry
	keys     *keyring.Keyring
	client   *http.Client
	recorder *audit.Recorder
	builder  *audit.Builder
	logger   *slog.Logger

	clock func() time.Time
	newID func() string
}

// NewDispatcher wires a dispatcher. A nil logger falls back to
// slog.Default.
func NewDispatcher(registry Registry, keys *keyring.Keyring, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		keys:     keys,
		client:   &http.Client{Timeout: DefaultTimeout},
		recorder: recorder,
		builder:  builder,
		logger:   logger,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClient overrides the HTTP client, primarily for tests.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	if c != nil {
		d.client = c
	}
	return d
}

// WithClock overrides the clock for deterministic tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithIDSource overrides delivery-ID generation for deterministic tests.
func (d *Dispatcher) WithIDSource(newID func() string) *Dispatcher {
	d.newID = newID
	return d
}

// RunFinished notifies subscribers that a run reached a terminal state.
// SUCCEEDED and PARTIAL map to run.completed, FAILED to run.failed; any
// other status is not a terminal state and is ignored.
func (d *Dispatcher) RunFinished(ctx context.Context, tc *auth.TenantContext, req audit.Request, run *domain.Run) {
	if d.registry == nil || d.keys == nil || tc == nil || run == nil {
		return
	}
	var eventType string
	switch run.Status {
	case domain.RunSucceeded, domain.RunPartial:
		eventType = EventRunCompleted
	case domain.RunFailed:
		eventType = EventRunFailed
	default:
		return
	}
	d.deliver(ctx, tc, req, &RunEvent{
		EventID:    d.newID(),
		EventType:  eventType,
		TenantID:   tc.TenantID,
		DealID:     run.DealID,
		RunID:      run.RunID,
		RunStatus:  string(run.Status),
		Mode:       string(run.Mode),
		OccurredAt: d.clock().UTC(),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, tc *auth.TenantContext, req audit.Request, ev *RunEvent) {
	subs, err := d.registry.Subscribers(ctx, tc.TenantID, ev.EventType)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook subscriber lookup failed",
			"tenant_id", tc.TenantID, "event_type", ev.EventType, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := canonjson.Marshal(ev)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook payload encoding failed",
			"tenant_id", tc.TenantID, "event_type", ev.EventType, "error", err)
		return
	}
	sig, err := signBody(d.keys, tc.TenantID, body)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook payload signing failed",
			"tenant_id", tc.TenantID, "event_type", ev.EventType, "error", err)
		return
	}

	for _, ep := range subs {
		reason := d.post(ctx, ep, ev, body, sig)
		if markErr := d.registry.MarkResult(ctx, tc.TenantID, ep.WebhookID, reason == ""); markErr != nil {
			d.logger.WarnContext(ctx, "webhook result bookkeeping failed",
				"tenant_id", tc.TenantID, "webhook_id", ep.WebhookID, "error", markErr)
		}
		if reason == "" {
			continue
		}
		host, _ := endpointHost(ep.URL)
		d.logger.WarnContext(ctx, "webhook delivery failed",
			"tenant_id", tc.TenantID,
			"webhook_id", ep.WebhookID,
			"event_type", ev.EventType,
			"endpoint_host", host,
			"reason", reason)
		d.auditFailure(ctx, tc, req, ep, ev, host, reason)
	}
}

// post attempts one delivery and returns an empty string on success or a
// short failure reason.
func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, ev *RunEvent, body []byte, sig string) string {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return "invalid request"
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEvent, ev.EventType)
	httpReq.Header.Set(HeaderDelivery, ev.EventID)
	httpReq.Header.Set(HeaderSignature, sig)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "connection failed"
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return ""
}

// auditFailure records the delivery failure. The audit itself is
// best-effort here: webhooks must never block the run, so a failing sink
// degrades to a log line.
func (d *Dispatcher) auditFailure(ctx context.Context, tc *auth.TenantContext, req audit.Request, ep *Endpoint, ev *RunEvent, host, reason string) {
	if d.recorder == nil || d.builder == nil {
		return
	}
	event := d.builder.Build(tc.TenantID, actorOf(tc), req,
		audit.Resource{ResourceType: "WEBHOOK", ResourceID: ep.WebhookID},
		"webhook.delivery.failed", audit.SeverityMedium,
		fmt.Sprintf("Webhook delivery of %s failed", ev.EventType),
		audit.Payload{
			Hashes: []string{urlHash(ep.URL)},
			Refs:   []string{ev.RunID},
			Safe: map[string]any{
				"event_type":    ev.EventType,
				"endpoint_host": host,
				"reason":        reason,
				"fail_count":    ep.FailCount + 1,
			},
		})
	if err := d.recorder.Record(ctx, event); err != nil {
		d.logger.WarnContext(ctx, "webhook failure audit not recorded",
			"tenant_id", tc.TenantID, "webhook_id", ep.WebhookID, "error", err)
	}
}
