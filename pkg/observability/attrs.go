package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Platform semantic convention attributes. Tenant and deal identifiers ride
// on every span so traces can be filtered per tenant without joining logs.
var (
	AttrTenantID = attribute.Key("idis.tenant.id")
	AttrDealID   = attribute.Key("idis.deal.id")

	AttrRunID   = attribute.Key("idis.run.id")
	AttrRunMode = attribute.Key("idis.run.mode")

	AttrStepName  = attribute.Key("idis.step.name")
	AttrStepOrder = attribute.Key("idis.step.order")

	AttrClaimID    = attribute.Key("idis.claim.id")
	AttrSanadGrade = attribute.Key("idis.sanad.grade")

	AttrCalcType = attribute.Key("idis.calc.type")

	AttrDeliverableKind = attribute.Key("idis.deliverable.kind")

	AttrSagaState = attribute.Key("idis.saga.state")

	AttrOperation  = attribute.Key("idis.operation")
	AttrReasonCode = attribute.Key("idis.reason_code")
	AttrErrorCode  = attribute.Key("idis.error.code")
)

// RunAttrs builds attributes for a pipeline run span.
func RunAttrs(tenantID, dealID, runID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrDealID.String(dealID),
		AttrRunID.String(runID),
		AttrRunMode.String(mode),
	}
}

// StepAttrs builds attributes for one run step span.
func StepAttrs(runID, step string, order int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrStepName.String(step),
		AttrStepOrder.Int(order),
	}
}

// GradeAttrs builds attributes for an evidence grading span.
func GradeAttrs(tenantID, claimID, grade string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrClaimID.String(claimID),
		AttrSanadGrade.String(grade),
	}
}

// SagaAttrs builds attributes for a dual-write saga span.
func SagaAttrs(tenantID, dealID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrDealID.String(dealID),
		AttrSagaState.String(state),
	}
}

// DeliverableAttrs builds attributes for an export span.
func DeliverableAttrs(tenantID, dealID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrDealID.String(dealID),
		AttrDeliverableKind.String(kind),
	}
}

// PerimeterAttrs builds attributes for a security decision span.
func PerimeterAttrs(tenantID, operation, reasonCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrOperation.String(operation),
		AttrReasonCode.String(reasonCode),
	}
}

// SpanFromContext extracts the current span (a no-op span if none).
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span; nil marks it OK.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
