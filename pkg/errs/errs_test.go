package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	e := Validation(CodeInvalidLimit, "limit must be between 1 and 200", map[string]any{"limit": 201}).
		WithRequestID("req-123")

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "INVALID_LIMIT", got["code"])
	assert.Equal(t, "req-123", got["request_id"])
	assert.Contains(t, got, "message")
	assert.Contains(t, got, "details")
}

func TestCauseNeverSerialized(t *testing.T) {
	e := AuditEmitFailed(errors.New("disk full: /var/lib/idis/audit.jsonl"))
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "disk full")
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	inner := PolicyDenied(CodeBYOKKeyRevoked)
	wrapped := fmt.Errorf("repo: load document: %w", inner)
	assert.Equal(t, CodeBYOKKeyRevoked, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, CodeBYOKKeyRevoked))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		CodeUnauthorized:                http.StatusUnauthorized,
		CodeNotFound:                    http.StatusNotFound,
		CodeInvalidLimit:                http.StatusBadRequest,
		CodeNoFreeFacts:                 http.StatusBadRequest,
		CodeRBACDenied:                  http.StatusForbidden,
		CodeResidencyServiceRegionUnset: http.StatusForbidden,
		CodeDeniedBreakGlassRequired:    http.StatusForbidden,
		CodeIdempotencyMismatch:         http.StatusConflict,
		CodeRunAlreadyActive:            http.StatusConflict,
		CodeRateLimited:                 http.StatusTooManyRequests,
		CodeAuditEmitFailed:             http.StatusInternalServerError,
		"SOME_FUTURE_CODE":              http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestPolicyDenialMessageIsGeneric(t *testing.T) {
	// Denials must not leak region names, tenant names, or resource state.
	for _, code := range []string{
		CodeResidencyRegionMismatch,
		CodeDeniedBreakGlassRequired,
		CodeDeniedUnknownOrOutOfScope,
	} {
		e := PolicyDenied(code)
		assert.Equal(t, "Access denied", e.Message)
	}
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeInvalidRequest, "bad request")
	derived := base.WithDetail("missing_fields", []string{"company_name"})
	assert.Nil(t, base.Details)
	assert.NotNil(t, derived.Details)
}
