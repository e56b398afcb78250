package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// MaxBlobSize caps a single artifact payload.
const MaxBlobSize = 10 * 1024 * 1024

// Audited wraps a Store with the audit trail. Every successful put emits
// data.artifact.stored; emission failure fails the put even though the
// blob is already durable, matching the mutation-audit contract everywhere
// else. Reads and deletes pass through unaudited — deletion is accounted
// for by the retention sweep that orders it.
type Audited struct {
	store    Store
	backend  Backend
	recorder *audit.Recorder
	builder  *audit.Builder
}

// NewAudited wires a store into the audit pipeline. backend labels the
// trail (fs/s3/gcs).
func NewAudited(store Store, backend Backend, recorder *audit.Recorder, builder *audit.Builder) *Audited {
	return &Audited{store: store, backend: backend, recorder: recorder, builder: builder}
}

// Put stores data and audits it. kind labels the payload class
// (DELIVERABLE, DOCUMENT). The deliverable exporter's BlobStore seam has
// exactly this shape.
func (a *Audited) Put(ctx context.Context, tc *auth.TenantContext, req audit.Request, kind string, data []byte) (string, error) {
	if a.store == nil || a.recorder == nil || a.builder == nil {
		return "", errs.New(errs.CodeInternal, "Artifact store is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return "", errs.New(errs.CodeInternal, "Artifact put requires a tenant context")
	}
	if len(data) == 0 {
		return "", errs.Validation(errs.CodeValidationFailed, "Artifact payload is required", nil)
	}
	if len(data) > MaxBlobSize {
		return "", errs.Validation(errs.CodeValidationFailed, "Artifact payload exceeds the size ceiling",
			map[string]any{"max_bytes": MaxBlobSize})
	}

	ref, err := a.store.Store(ctx, data)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "Storing artifact failed", err)
	}

	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	ev := a.builder.Build(tc.TenantID, actor, req,
		audit.Resource{ResourceType: "ARTIFACT", ResourceID: ref},
		"data.artifact.stored", audit.SeverityLow,
		fmt.Sprintf("Stored %s artifact", kind),
		audit.Payload{
			Hashes: []string{strings.TrimPrefix(ref, RefPrefix)},
			Safe: map[string]any{
				"kind":    kind,
				"bytes":   len(data),
				"backend": string(a.backend),
			},
		})
	if err := a.recorder.Record(ctx, ev); err != nil {
		return "", errs.AuditEmitFailed(err)
	}
	return ref, nil
}

// Fetch reads a blob back. Unknown references map to the uniform
// not-found envelope; malformed references are a validation failure.
func (a *Audited) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if a.store == nil {
		return nil, errs.New(errs.CodeInternal, "Artifact store is not configured")
	}
	data, err := a.store.Get(ctx, ref)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, ErrInvalidRef):
		return nil, errs.Validation(errs.CodeValidationFailed, "Invalid artifact reference", nil)
	case errors.Is(err, ErrNotFound):
		return nil, errs.NotFound()
	default:
		return nil, errs.Wrap(errs.CodeInternal, "Reading artifact failed", err)
	}
}
