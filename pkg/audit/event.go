// Package audit implements the fail-closed audit pipeline.
//
// Every mutation builds a candidate event, validates it against the closed
// schema, and emits it through a sink. Emission failure aborts the mutation
// that produced the event; there is no silent audit. Severity, event-type
// prefixes, and resource types are closed sets.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an event's sensitivity.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ActorType distinguishes humans from service principals.
type ActorType string

const (
	ActorHuman   ActorType = "HUMAN"
	ActorService ActorType = "SERVICE"
)

// Actor identifies who performed the action.
type Actor struct {
	ActorType ActorType `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
	Roles     []string  `json:"roles,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Request captures the HTTP context of the mutation.
type Request struct {
	RequestID      string `json:"request_id"`
	Method         string `json:"method,omitempty"`
	Path           string `json:"path,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Resource names the entity the event concerns.
type Resource struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// Payload carries machine-readable evidence about the event. Hashes are
// SHA-256 hex digests; Refs are entity IDs; Safe holds structured fields
// that passed the redaction blocklist. Secrets never appear here in any
// form other than a hash.
type Payload struct {
	Hashes []string       `json:"hashes,omitempty"`
	Refs   []string       `json:"refs,omitempty"`
	Safe   map[string]any `json:"safe,omitempty"`
}

// Event is one audit record. It is immutable once emitted.
type Event struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	TenantID   string    `json:"tenant_id"`
	Actor      Actor     `json:"actor"`
	Request    Request   `json:"request"`
	Resource   Resource  `json:"resource"`
	EventType  string    `json:"event_type"`
	Severity   Severity  `json:"severity"`
	Summary    string    `json:"summary"`
	Payload    Payload   `json:"payload"`
}

// EventTypePrefixes is the closed set of event-type namespaces. An event
// type must be "<prefix>.<category>[.<action>...]" with a listed prefix;
// the validator rejects everything else.
var EventTypePrefixes = []string{
	"deal", "claim", "sanad", "defect", "calc", "debate", "human_gate",
	"override", "deliverable", "break_glass", "data", "legal_hold", "byok",
	"graph_projection", "enrichment", "auth", "tenant", "rbac", "webhook",
	"integration", "extraction",
}

// ResourceTypes is the closed set of auditable resource types.
var ResourceTypes = []string{
	"DEAL", "DOCUMENT", "SPAN", "CLAIM", "EVIDENCE", "SANAD", "DEFECT",
	"CALC", "RUN", "RUN_STEP", "DELIVERABLE", "HUMAN_GATE", "TENANT",
	"API_KEY", "BYOK_KEY", "LEGAL_HOLD", "BREAK_GLASS", "WEBHOOK",
	"GRAPH_PROJECTION", "ARTIFACT", "DEBATE", "ENRICHMENT",
}

// Builder assembles candidate events. The zero value is unusable; construct
// with NewBuilder so the clock and ID source are bound.
type Builder struct {
	clock func() time.Time
	newID func() string
}

// NewBuilder returns a Builder using wall-clock time and random UUIDs.
func NewBuilder() *Builder {
	return &Builder{clock: time.Now, newID: func() string { return uuid.New().String() }}
}

// WithClock overrides the clock for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithIDSource overrides event-ID generation for deterministic tests.
func (b *Builder) WithIDSource(newID func() string) *Builder {
	b.newID = newID
	return b
}

// Build stamps identity and time onto a candidate event. Validation is a
// separate step so callers can inspect rejected candidates.
func (b *Builder) Build(tenantID string, actor Actor, req Request, res Resource, eventType string, severity Severity, summary string, payload Payload) *Event {
	return &Event{
		EventID:    b.newID(),
		OccurredAt: b.clock().UTC(),
		TenantID:   tenantID,
		Actor:      actor,
		Request:    req,
		Resource:   res,
		EventType:  eventType,
		Severity:   severity,
		Summary:    summary,
		Payload:    payload,
	}
}
