package audit

import (
	"context"
	"fmt"
	"log/slog"
)

// Recorder is the single entry point mutations use to audit themselves:
// validate, then emit, fail-closed. A Recorder with no sink rejects every
// event rather than dropping it.
type Recorder struct {
	validator *Validator
	sink      Sink
	logger    *slog.Logger
}

// NewRecorder wires a validator to a sink.
func NewRecorder(sink Sink, logger *slog.Logger) (*Recorder, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{validator: v, sink: sink, logger: logger}, nil
}

// Record validates and emits. Any error means the event is not durable and
// the caller must treat its mutation as failed.
func (r *Recorder) Record(ctx context.Context, e *Event) error {
	if r.sink == nil {
		return fmt.Errorf("audit: fail-closed: no sink configured")
	}
	if err := r.validator.Validate(e); err != nil {
		return err
	}
	if err := r.sink.Emit(ctx, e); err != nil {
		// The event never reached durable storage. Log the failure (the
		// event itself may be sensitive, so only identifiers) and refuse.
		r.logger.ErrorContext(ctx, "audit emission failed",
			"event_type", e.EventType,
			"event_id", e.EventID,
			"tenant_id", e.TenantID,
			"error", err,
		)
		return fmt.Errorf("audit: emit failed: %w", err)
	}
	return nil
}

// BestEffort emits without failing the caller; 5xx responses use it because
// the mutation may have partially occurred and blocking the error response
// helps no one. Validation still applies; failures are logged and dropped.
func (r *Recorder) BestEffort(ctx context.Context, e *Event) {
	if err := r.Record(ctx, e); err != nil {
		r.logger.WarnContext(ctx, "best-effort audit dropped", "event_type", e.EventType, "error", err)
	}
}
