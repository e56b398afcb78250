package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
}

func testEvent() *Event {
	b := NewBuilder().WithClock(fixedClock).WithIDSource(func() string { return "ev-1" })
	return b.Build(
		"tenant-a",
		Actor{ActorType: ActorHuman, ActorID: "user-1", Roles: []string{"ANALYST"}},
		Request{RequestID: "req-1", Method: "POST", Path: "/v1/deals", StatusCode: 201},
		Resource{ResourceType: "DEAL", ResourceID: "deal-1"},
		"deal.created",
		SeverityLow,
		"deal created",
		Payload{Refs: []string{"deal-1"}},
	)
}

func TestValidatorAcceptsWellFormedEvent(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.NoError(t, v.Validate(testEvent()))
}

func TestValidatorRejectsUnknownPrefix(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	e := testEvent()
	e.EventType = "billing.invoice.created"
	assert.Error(t, v.Validate(e))
}

func TestValidatorRejectsMissingRequiredFields(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	e := testEvent()
	e.TenantID = ""
	assert.Error(t, v.Validate(e))

	e = testEvent()
	e.Summary = ""
	assert.Error(t, v.Validate(e))

	e = testEvent()
	e.Resource.ResourceType = "SPACESHIP"
	assert.Error(t, v.Validate(e))

	e = testEvent()
	e.Severity = Severity("URGENT")
	assert.Error(t, v.Validate(e))
}

func TestValidatorRedactionBlocklist(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	e := testEvent()
	e.Payload.Safe = map[string]any{"api_key": "sk-live-123"}
	assert.Error(t, v.Validate(e))

	// Nested keys are still caught.
	e = testEvent()
	e.Payload.Safe = map[string]any{"request": map[string]any{"PASSWORD": "hunter2"}}
	assert.Error(t, v.Validate(e))

	// Hash-suffixed keys are legal: the blocklist is exact-match.
	e = testEvent()
	e.Payload.Safe = map[string]any{"token_sha256": "ab12", "justification_sha256": "cd34"}
	assert.NoError(t, v.Validate(e))
}

func TestValidatorRejectsMalformedHashes(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	e := testEvent()
	e.Payload.Hashes = []string{"not-a-hash"}
	assert.Error(t, v.Validate(e))

	e = testEvent()
	e.Payload.Hashes = []string{"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"}
	assert.NoError(t, v.Validate(e))
}

func TestRecorderFailClosed(t *testing.T) {
	rec, err := NewRecorder(nil, nil)
	require.NoError(t, err)
	assert.Error(t, rec.Record(context.Background(), testEvent()), "no sink configured must reject")

	sink := NewMemorySink()
	sink.FailWith = errors.New("disk full")
	rec, err = NewRecorder(sink, nil)
	require.NoError(t, err)
	assert.Error(t, rec.Record(context.Background(), testEvent()), "sink failure must propagate")
	assert.Empty(t, sink.Events())
}

func TestRecorderRejectsInvalidBeforeEmit(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(sink, nil)
	require.NoError(t, err)

	e := testEvent()
	e.EventType = "run.step.started" // bare "run" is not a namespace
	assert.Error(t, rec.Record(context.Background(), e))
	assert.Empty(t, sink.Events(), "invalid events never reach the sink")
}

func TestRecorderEmitsInProgramOrder(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(sink, nil)
	require.NoError(t, err)

	first := testEvent()
	second := testEvent()
	second.EventID = "ev-2"
	second.EventType = "deal.updated"

	require.NoError(t, rec.Record(context.Background(), first))
	require.NoError(t, rec.Record(context.Background(), second))

	got := sink.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "deal.created", got[0].EventType)
	assert.Equal(t, "deal.updated", got[1].EventType)
}
