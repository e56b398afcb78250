package deliverable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/keyring"
)

// Format selects the rendered artifact type.
type Format string

const (
	FormatPDF  Format = "PDF"
	FormatDOCX Format = "DOCX"
)

func (f Format) Valid() bool {
	return f == FormatPDF || f == FormatDOCX
}

// BlobStore is the content-addressed sink the exporter writes rendered
// bytes to. pkg/artifacts.Audited satisfies it; lite mode runs without one.
// The tenant context and request ride along so the store can emit its own
// data.artifact.stored trail, and kind labels the payload class.
type BlobStore interface {
	Put(ctx context.Context, tc *auth.TenantContext, req audit.Request, kind string, data []byte) (string, error)
}

// Result is the outcome of one export: the artifact bytes, their digest,
// the storage content address when a store is wired, and the signed
// manifest.
type Result struct {
	DeliverableID string    `json:"deliverable_id"`
	Format        Format    `json:"format"`
	SHA256        string    `json:"sha256"`
	StorageRef    string    `json:"storage_ref,omitempty"`
	Manifest      *Manifest `json:"manifest"`
	Artifact      []byte    `json:"-"`
}

// Exporter validates, renders, stores, and signs deliverables. Both audit
// events it emits are fatal: an export the audit trail cannot account for
// is reported as a failure even though the artifact bytes exist.
type Exporter struct {
	keys     *keyring.Keyring
	store    BlobStore
	recorder *audit.Recorder
	builder  *audit.Builder
}

// NewExporter wires an exporter. store may be nil; keys, recorder, and
// builder are required at export time.
func NewExporter(keys *keyring.Keyring, store BlobStore, recorder *audit.Recorder, builder *audit.Builder) *Exporter {
	return &Exporter{keys: keys, store: store, recorder: recorder, builder: builder}
}

// Export runs the full pipeline for one deliverable: No-Free-Facts
// validation, deterministic rendering, optional content-addressed
// storage, manifest signing, and the deliverable.exported and
// deliverable.signed audit events.
func (e *Exporter) Export(ctx context.Context, tc *auth.TenantContext, req audit.Request, d *Deliverable, format Format, exportTS time.Time) (*Result, error) {
	if e.keys == nil || e.recorder == nil || e.builder == nil {
		return nil, errs.New(errs.CodeInternal, "Deliverable exporter is not configured")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Deliverable export requires a tenant context")
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	if d.TenantID != tc.TenantID {
		return nil, errs.Validation(errs.CodeValidationFailed,
			"Deliverable tenant does not match the request tenant", nil)
	}
	if !format.Valid() {
		return nil, errs.Validation(errs.CodeValidationFailed,
			"Unknown export format", map[string]any{"format": string(format)})
	}

	var artifact []byte
	var err error
	switch format {
	case FormatPDF:
		artifact, err = RenderPDF(d, exportTS)
	case FormatDOCX:
		artifact, err = RenderDOCX(d, exportTS)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Rendering deliverable failed", err)
	}

	res := &Result{
		DeliverableID: d.DeliverableID,
		Format:        format,
		SHA256:        canonjson.HashBytes(artifact),
		Artifact:      artifact,
	}
	if e.store != nil {
		ref, err := e.store.Put(ctx, tc, req, "DELIVERABLE", artifact)
		if err != nil {
			// The store reports typed errors (including audit-emit
			// failures); keep their codes intact.
			var typed *errs.Error
			if errors.As(err, &typed) {
				return nil, err
			}
			return nil, errs.Wrap(errs.CodeInternal, "Storing deliverable artifact failed", err)
		}
		res.StorageRef = ref
	}

	manifest, err := SignArtifact(e.keys, d.DeliverableID, artifact, exportTS)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Signing deliverable artifact failed", err)
	}
	res.Manifest = manifest

	exportedSafe := map[string]any{
		"kind":       string(d.Kind),
		"format":     string(format),
		"sections":   len(d.Sections),
		"facts":      d.FactCount(),
		"references": len(d.Appendix()),
	}
	if res.StorageRef != "" {
		exportedSafe["storage_ref"] = res.StorageRef
	}
	if err := e.record(ctx, tc, req, d, "deliverable.exported", audit.SeverityLow,
		fmt.Sprintf("Exported %s as %s", d.Kind, format),
		audit.Payload{Hashes: []string{res.SHA256}, Refs: []string{d.DealID}, Safe: exportedSafe}); err != nil {
		return nil, err
	}
	if err := e.record(ctx, tc, req, d, "deliverable.signed", audit.SeverityMedium,
		fmt.Sprintf("Signed %s artifact", format),
		audit.Payload{Hashes: []string{res.SHA256}, Safe: map[string]any{
			"key_id": manifest.KeyID,
			"format": string(format),
		}}); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Exporter) record(ctx context.Context, tc *auth.TenantContext, req audit.Request, d *Deliverable, eventType string, sev audit.Severity, summary string, payload audit.Payload) error {
	ev := e.builder.Build(tc.TenantID, actorOf(tc), req,
		audit.Resource{ResourceType: "DELIVERABLE", ResourceID: d.DeliverableID},
		eventType, sev, summary, payload)
	if err := e.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func actorOf(tc *auth.TenantContext) audit.Actor {
	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	return actor
}
