package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
)

// Service owns the audited subscription lifecycle. Registration and
// removal are tenant mutations, so their audit events are fatal; a
// subscription the trail cannot account for is an unaccounted egress
// channel.
type Service struct {
	registry Registry
	recorder *audit.Recorder
	builder  *audit.Builder

	clock func() time.Time
	newID func() string
}

// NewService wires the subscription service.
func NewService(registry Registry, recorder *audit.Recorder, builder *audit.Builder) *Service {
	return &Service{
		registry: registry,
		recorder: recorder,
		builder:  builder,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDSource overrides webhook-ID generation for deterministic tests.
func (s *Service) WithIDSource(newID func() string) *Service {
	s.newID = newID
	return s
}

// Register subscribes an endpoint to run lifecycle events. The endpoint
// URL may embed credentials its receiver requires, so audit payloads carry
// only its host and a hash of the full URL.
func (s *Service) Register(ctx context.Context, tc *auth.TenantContext, req audit.Request, rawURL string, events []string) (*Endpoint, error) {
	if s.registry == nil {
		return nil, errs.New(errs.CodeInternal, "Webhook service is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Webhook registration requires a tenant context")
	}
	host, err := endpointHost(rawURL)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.Validation(errs.CodeValidationFailed,
			"Webhook registration requires at least one event type", nil)
	}
	subscribedTo := make([]string, 0, len(events))
	for _, e := range events {
		if !KnownEvent(e) {
			return nil, errs.Validation(errs.CodeValidationFailed,
				"Unknown webhook event type", map[string]any{"event_type": e})
		}
		subscribedTo = append(subscribedTo, e)
	}
	sort.Strings(subscribedTo)

	ep := &Endpoint{
		WebhookID: s.newID(),
		TenantID:  tc.TenantID,
		URL:       rawURL,
		Events:    subscribedTo,
		Active:    true,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.registry.Register(ctx, ep); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Persisting webhook registration failed", err)
	}
	if err := s.record(ctx, tc, req, ep.WebhookID, "webhook.registered",
		fmt.Sprintf("Registered webhook for %s", host),
		audit.Payload{
			Hashes: []string{urlHash(rawURL)},
			Safe:   map[string]any{"endpoint_host": host, "events": subscribedTo},
		}); err != nil {
		return nil, err
	}
	return ep, nil
}

// Remove deletes a subscription. Unknown IDs report the uniform not-found.
func (s *Service) Remove(ctx context.Context, tc *auth.TenantContext, req audit.Request, webhookID string) error {
	if s.registry == nil {
		return errs.New(errs.CodeInternal, "Webhook service is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return errs.New(errs.CodeInternal, "Webhook removal requires a tenant context")
	}
	if err := s.registry.Remove(ctx, tc.TenantID, webhookID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errs.NotFound()
		}
		return errs.Wrap(errs.CodeInternal, "Removing webhook registration failed", err)
	}
	return s.record(ctx, tc, req, webhookID, "webhook.removed",
		"Removed webhook registration", audit.Payload{})
}

// List returns the tenant's subscriptions, oldest first.
func (s *Service) List(ctx context.Context, tc *auth.TenantContext, _ audit.Request) ([]*Endpoint, error) {
	if s.registry == nil {
		return nil, errs.New(errs.CodeInternal, "Webhook service is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Webhook listing requires a tenant context")
	}
	eps, err := s.registry.List(ctx, tc.TenantID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Listing webhook registrations failed", err)
	}
	return eps, nil
}

func (s *Service) record(ctx context.Context, tc *auth.TenantContext, req audit.Request, webhookID, eventType, summary string, payload audit.Payload) error {
	if s.recorder == nil || s.builder == nil {
		return errs.New(errs.CodeAuditEmitFailed, "Webhook service has no audit recorder")
	}
	ev := s.builder.Build(tc.TenantID, actorOf(tc), req,
		audit.Resource{ResourceType: "WEBHOOK", ResourceID: webhookID},
		eventType, audit.SeverityMedium, summary, payload)
	if err := s.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func endpointHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errs.Validation(errs.CodeValidationFailed,
			"Webhook URL must be an absolute http or https URL", nil)
	}
	return u.Host, nil
}

func urlHash(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

func actorOf(tc *auth.TenantContext) audit.Actor {
	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	return actor
}
