// Package errs defines the typed failure model for IDIS.
//
// Every error that crosses a layer boundary is an *errs.Error carrying a
// stable machine-readable code. The HTTP boundary renders the envelope
// {code, message, details, request_id}; internals wrap causes with %w and
// convert to *errs.Error exactly once, at the boundary where the failure
// becomes user-visible.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the wire contract and must never be
// renamed or reused.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"

	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidJSON    = "INVALID_JSON"
	CodeInvalidLimit   = "INVALID_LIMIT"
	CodeInvalidCursor  = "INVALID_CURSOR"

	CodeRBACDenied                  = "RBAC_DENIED"
	CodeResidencyRegionMismatch     = "RESIDENCY_REGION_MISMATCH"
	CodeResidencyServiceRegionUnset = "RESIDENCY_SERVICE_REGION_UNSET"
	CodeDeniedBreakGlassRequired    = "DENIED_BREAK_GLASS_REQUIRED"
	CodeDeniedUnknownOrOutOfScope   = "DENIED_UNKNOWN_OR_OUT_OF_SCOPE"
	CodeABACResolutionFailed        = "ABAC_RESOLUTION_FAILED"
	CodeBreakGlassInvalid           = "BREAK_GLASS_INVALID"
	CodeBYOKKeyRevoked              = "BYOK_KEY_REVOKED"
	CodeDeletionBlockedByHold       = "DELETION_BLOCKED_BY_HOLD"

	CodeConflict              = "CONFLICT"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"
	CodeRunAlreadyActive      = "RUN_ALREADY_ACTIVE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeNoFreeFacts           = "NO_FREE_FACTS_VIOLATION"
	CodeExtractionGateBlock   = "EXTRACTION_GATE_BLOCKED"
	CodeMuhasabahRejected     = "MUHASABAH_REJECTED"
	CodeAuditEmitFailed       = "AUDIT_EMIT_FAILED"
	CodeCalcIntegrity         = "CALC_INTEGRITY_MISMATCH"
	CodeDualWriteInconsistent = "DUAL_WRITE_INCONSISTENT"
	CodeInternal              = "INTERNAL"
)

// Error is the single typed failure surfaced across layer boundaries.
// Details carries structured machine-readable diagnostics and is subject to
// the same redaction rules as audit payloads. The wrapped cause is never
// serialized.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithRequestID returns a shallow copy carrying the request correlation ID.
func (e *Error) WithRequestID(id string) *Error {
	c := *e
	c.RequestID = id
	return &c
}

// WithDetail returns a copy with one structured diagnostic added.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// New constructs a typed error with a stable code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a typed error retaining the underlying cause for logs.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// NotFound is the generic cross-tenant-safe not-found failure. The message is
// deliberately uniform so responses carry no existence oracle.
func NotFound() *Error {
	return &Error{Code: CodeNotFound, Message: "Resource not found"}
}

// Unauthorized is the generic authentication failure.
func Unauthorized() *Error {
	return &Error{Code: CodeUnauthorized, Message: "Authentication required"}
}

// PolicyDenied is a 403 policy decision. The message is generic; the code
// carries the machine-readable reason.
func PolicyDenied(code string) *Error {
	return &Error{Code: code, Message: "Access denied"}
}

// Validation is a caller-recoverable 400 failure with structured diagnostics.
func Validation(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Conflict reports an invalid state transition or idempotency mismatch.
func Conflict(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AuditEmitFailed is the fail-closed audit failure. It is always fatal for
// the mutation that triggered it.
func AuditEmitFailed(cause error) *Error {
	return &Error{Code: CodeAuditEmitFailed, Message: "Audit emission failed; operation aborted", cause: cause}
}

// Internal wraps an unexpected failure. The cause is logged, never rendered.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "An unexpected error occurred", cause: cause}
}

// AsError extracts a *Error from err's chain, or wraps err as Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// CodeOf returns the stable code in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Write renders err as the error envelope on w. Every error response in the
// service goes through here; the envelope shape and the status mapping are
// part of the wire contract.
func Write(w http.ResponseWriter, requestID string, err error) {
	e := AsError(err).WithRequestID(requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code))
	_ = json.NewEncoder(w).Encode(e)
}

// HTTPStatus maps a stable code to its HTTP status. Unknown codes map to 500
// so that a forgotten mapping can never weaken a denial into a success.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest, CodeInvalidJSON, CodeInvalidLimit, CodeInvalidCursor,
		CodeValidationFailed, CodeNoFreeFacts, CodeExtractionGateBlock, CodeMuhasabahRejected:
		return http.StatusBadRequest
	case CodeRBACDenied, CodeResidencyRegionMismatch, CodeResidencyServiceRegionUnset,
		CodeDeniedBreakGlassRequired, CodeDeniedUnknownOrOutOfScope, CodeABACResolutionFailed,
		CodeBreakGlassInvalid, CodeBYOKKeyRevoked, CodeDeletionBlockedByHold:
		return http.StatusForbidden
	case CodeConflict, CodeIdempotencyMismatch, CodeRunAlreadyActive:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
