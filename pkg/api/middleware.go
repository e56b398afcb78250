package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// Wire headers beyond auth and correlation.
const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderBreakGlass        = "X-IDIS-Break-Glass"
	HeaderIdempotencyReplay = "X-IDIS-Idempotency-Replay"
)

// maxBodyBytes bounds request bodies on every mutating route.
const maxBodyBytes = 1 << 20

// Mutation is the audit obligation of one mutating request. The route table
// declares the event type and severity; the handler names the resource once
// the entity exists and may refine summary and payload. Recorded marks
// mutations whose covering event a domain service already emitted fatally,
// so the boundary does not emit a second one.
type Mutation struct {
	EventType string
	Severity  audit.Severity
	Resource  audit.Resource
	Summary   string
	Payload   audit.Payload
	Recorded  bool
}

// readFn serves a read and returns the status plus a JSON-encodable body.
type readFn func(r *http.Request) (int, any, error)

// mutateFn serves a mutation under the audit-fail-closed pipeline.
type mutateFn func(r *http.Request, m *Mutation) (int, any, error)

// read wraps a read handler. Reads audit nothing and ignore idempotency;
// errors render as the envelope.
func (s *Server) read(fn readFn) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, body, err := fn(r)
		if err != nil {
			errs.Write(w, auth.RequestID(r.Context()), err)
			return
		}
		writeJSON(w, status, body)
	})
}

// mutate wraps a mutating handler in the audit-fail-closed pipeline:
//
//  1. An Idempotency-Key already consumed replays the captured response
//     without re-invoking the handler or re-auditing. The same key with a
//     different body is a conflict, never a replay.
//  2. The handler runs and names the resource it touched.
//  3. On 2xx the boundary event must be durable before the first response
//     byte: a missing resource ID or a rejected emission turns the success
//     into 500 AUDIT_EMIT_FAILED.
//  4. 4xx outcomes audit nothing (nothing mutated). 5xx outcomes audit
//     best-effort, since the mutation may have partially happened.
//  5. The response is captured for replay only after the event is durable,
//     so a replayed key always stands for an audited mutation.
func (s *Server) mutate(eventType string, severity audit.Severity, fn mutateFn) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := auth.RequestID(r.Context())
		tc, err := auth.FromContext(r.Context())
		if err != nil {
			errs.Write(w, requestID, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		var bodyHash string
		if idemKey != "" {
			bodyHash, err = consumeBodyHash(r)
			if err != nil {
				errs.Write(w, requestID, errs.Validation(errs.CodeInvalidRequest, "Request body could not be read", nil))
				return
			}
			if prior, ok := s.idem.Get(r.Context(), tc.TenantID, idemKey); ok {
				if prior.BodyHash != bodyHash {
					errs.Write(w, requestID, errs.Conflict(errs.CodeIdempotencyMismatch,
						"Idempotency key was already used with a different request body"))
					return
				}
				w.Header().Set(HeaderIdempotencyReplay, "true")
				writeRaw(w, prior.Status, prior.Body)
				return
			}
		}

		m := &Mutation{EventType: eventType, Severity: severity}
		status, body, err := fn(r, m)
		if err != nil {
			e := errs.AsError(err)
			if errs.HTTPStatus(e.Code) >= http.StatusInternalServerError {
				s.bestEffortAudit(r, tc, m, errs.HTTPStatus(e.Code))
			}
			errs.Write(w, requestID, e)
			return
		}

		var raw []byte
		if body != nil {
			raw, err = json.Marshal(body)
			if err != nil {
				errs.Write(w, requestID, errs.Internal(err))
				return
			}
		}

		if !m.Recorded {
			if m.Resource.ResourceID == "" {
				s.logger.ErrorContext(r.Context(), "mutation completed without naming its resource",
					"event_type", m.EventType, "path", r.URL.Path)
				errs.Write(w, requestID, errs.New(errs.CodeAuditEmitFailed, "Audit emission failed; operation aborted"))
				return
			}
			ev := s.builder.Build(tc.TenantID, actorOf(tc), s.auditRequest(r, status),
				m.Resource, m.EventType, m.Severity, m.Summary, m.Payload)
			if err := s.recorder.Record(r.Context(), ev); err != nil {
				errs.Write(w, requestID, errs.AuditEmitFailed(err))
				return
			}
		}

		if idemKey != "" {
			s.idem.Put(r.Context(), tc.TenantID, idemKey, &CachedResponse{
				Status:   status,
				Body:     raw,
				BodyHash: bodyHash,
			})
		}
		writeRaw(w, status, raw)
	})
}

// bestEffortAudit emits a 5xx outcome without gating the response on it. A
// handler that failed before naming its resource falls back to the tenant
// scope so the attempt still lands in the trail.
func (s *Server) bestEffortAudit(r *http.Request, tc *auth.TenantContext, m *Mutation, status int) {
	if m.Recorded || s.recorder == nil {
		return
	}
	res := m.Resource
	if res.ResourceID == "" {
		res = audit.Resource{ResourceType: "TENANT", ResourceID: tc.TenantID}
	}
	summary := m.Summary
	if summary == "" {
		summary = "Mutation failed before completion"
	}
	ev := s.builder.Build(tc.TenantID, actorOf(tc), s.auditRequest(r, status),
		res, m.EventType, m.Severity, summary, m.Payload)
	s.recorder.BestEffort(r.Context(), ev)
}

// consumeBodyHash reads the size-capped body, hashes it, and restores it for
// the handler.
func consumeBodyHash(r *http.Request) (string, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
